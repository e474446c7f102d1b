// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

/*
Package project declares the collaborator surface the hub core calls
through. The project model owns all per-user durable state (suites,
files, settings, users and groups, global variables, logs); the hub
only authenticates, routes and reserves, and delegates everything else
through these interfaces.
*/
package project

import "github.com/ctgriffiths/twister/resource"

// Plugin is one runnable user plugin instance.
type Plugin interface {
	Run(args map[string]interface{}) interface{}
}

// VFSConfig describes a user's versioned-FS root for one path kind
// ("libs_path", "tests_path"). A nil config means the versioned FS is
// not enabled for that kind.
type VFSConfig struct {
	View string
	Path string
}

// VersionedFS reads through an external content-addressed view.
// Identities are `user:view` tuples, opaque to the hub.
type VersionedFS interface {
	ReadUserFile(userView, path string) (string, error)
	TarGzUserFolder(userView, path, root string) ([]byte, error)
	FileSize(userView, path string) (int64, error)
}

// LocalFS reads and packs files in the name of a user.
type LocalFS interface {
	ReadUserFile(user, path string) (string, error)
	TarGzUserFolder(user, path, root string) ([]byte, error)
}

// Model is the project model. Every method is scoped by the
// authenticated user passed as the first argument; implementations are
// expected to be internally thread-safe per user.
type Model interface {
	// Users, authentication, crypt.
	CheckPasswd(user, passwd string) bool
	UserHome(user string) string
	ListUsers(active bool) ([]string, error)
	UsersAndGroupsManager(user, cmd, name string, args []string, kwargs map[string]interface{}) (interface{}, error)
	EncryptText(user, text string) (string, error)
	DecryptText(user, text string) (string, error)

	// Variables.
	GetUserInfo(user, key string) (interface{}, error)
	SetUserInfo(user, key string, value interface{}) (bool, error)
	GetEpInfo(user, ep string) (map[string]interface{}, error)
	SetEpInfo(user, ep, key string, value interface{}) (bool, error)
	GetSuiteInfo(user, ep, suite string) (map[string]interface{}, error)
	GetFileInfo(user, ep, fileId string) (map[string]interface{}, error)
	SetFileInfo(user, ep, fileId, key string, value interface{}) (bool, error)
	GetDependencyInfo(user, depId string) (interface{}, error)
	GetGlobalVariable(user, varPath, cfgPath string) (interface{}, error)
	SetGlobalVariable(user, varPath string, value interface{}) (bool, error)

	// Per-user file persistence.
	ReadFile(user, fpath, flag string, fstart int, kind string) (string, error)
	WriteFile(user, fpath, fdata, flag, kind string) error

	// Settings and the persistent project XML.
	ListSettings(user, config, filter string) (interface{}, error)
	GetSettingsValue(user, config, key string) (interface{}, error)
	SetSettingsValue(user, config, key string, value interface{}) (bool, error)
	DelSettingsKey(user, config, key string, index int) (bool, error)
	SetPersistentSuite(user, suite string, info map[string]interface{}, order int) (bool, error)
	DelPersistentSuite(user, suite string) (bool, error)
	SetPersistentFile(user, suite, fname string, info map[string]interface{}, order int) (bool, error)
	DelPersistentFile(user, suite, fname string) (bool, error)

	// Execution processes and the runtime queue.
	RegisterEp(user, ep string) bool
	UnregisterEp(user, ep string) error
	QueueFile(user, suite, fname string) (bool, error)
	DeQueueFiles(user, data string) (interface{}, error)
	SetExecStatus(user, ep string, status int, msg string) (string, error)
	SetExecStatusAll(user string, status int, msg string) (string, error)
	GetFileStatusAll(user, ep, suite string) (interface{}, error)
	SetFileStatus(user, ep, fileId string, status int, elapsed float64) (bool, error)
	SetFileStatusAll(user, ep string, status int) (bool, error)

	// Libraries and test files.
	GetLibrariesList(user string, all bool) ([]string, error)
	GetEpFiles(user, ep string) (interface{}, error)
	GetSuiteFiles(user, ep, suite string) (interface{}, error)

	// Plugins.
	ListPlugins(user string) ([]string, error)
	BuildPlugin(user, name string) (Plugin, error)

	// Logs.
	LogPath(user, name string) (string, error)
	LogMessage(user, logType, msg string) (bool, error)
	LogLive(user, ep, msg string) (bool, error)
	ResetLog(user, name string) (bool, error)
	ResetLogs(user string) (bool, error)

	// Filesystem backends.
	VersionedFSConfig(user, kind string) *VFSConfig
	VersionedFS() VersionedFS
	LocalFS() LocalFS

	// Resource tree persistence.
	LoadResources(kind string) (*resource.Node, error)
	SaveResources(kind string, root *resource.Node, user string) error
}
