// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	osuser "os/user"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-ini/ini"

	"github.com/ctgriffiths/twister/resource"
	"github.com/ctgriffiths/twister/rpc"
)

// Local is a small filesystem-backed Model. It keeps runtime state
// (variables, settings, statuses, the file queue) in memory and stores
// only what must survive a restart under $TWISTER_PATH/config. It is
// what cmd/centrald runs with; installations with a richer project
// model supply their own Model.
type Local struct {
	twisterPath string

	// HomeLookup resolves a user's home directory. It defaults to the
	// system account database; embedders and tests may replace it.
	HomeLookup func(user string) string

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	info     map[string]interface{}
	eps      map[string]*epState
	settings map[string]map[string]interface{}
	globals  map[string]interface{}
	queue    []queuedFile
}

type epState struct {
	status int
	info   map[string]interface{}
	files  map[string]map[string]interface{}
	suites map[string]map[string]interface{}
}

type queuedFile struct {
	suite string
	fname string
}

func NewLocal(twisterPath string) *Local {
	return &Local{
		twisterPath: twisterPath,
		users:       make(map[string]*userState),
	}
}

// TwisterPath returns the installation root this model works under.
func (p *Local) TwisterPath() string {
	return p.twisterPath
}

func (p *Local) state(user string) *userState {
	u, ok := p.users[user]
	if !ok {
		u = &userState{
			info:     make(map[string]interface{}),
			eps:      make(map[string]*epState),
			settings: make(map[string]map[string]interface{}),
			globals:  make(map[string]interface{}),
		}
		p.users[user] = u
	}
	return u
}

func (p *Local) ep(user, name string) *epState {
	u := p.state(user)
	e, ok := u.eps[name]
	if !ok {
		e = &epState{
			status: 3, // invalid until the EP reports in
			info:   make(map[string]interface{}),
			files:  make(map[string]map[string]interface{}),
			suites: make(map[string]map[string]interface{}),
		}
		u.eps[name] = e
	}
	return e
}

// CheckPasswd verifies against the [users] section of
// $TWISTER_PATH/config/users.conf; values are hex sha256 digests.
func (p *Local) CheckPasswd(user, passwd string) bool {
	cfg, err := ini.Load(filepath.Join(p.twisterPath, "config", "users.conf"))
	if err != nil {
		return false
	}
	want := cfg.Section("users").Key(user).String()
	if want == "" {
		return false
	}
	sum := sha256.Sum256([]byte(passwd))
	return want == hex.EncodeToString(sum[:])
}

func (p *Local) UserHome(user string) string {
	if p.HomeLookup != nil {
		return p.HomeLookup(user)
	}
	if u, err := osuser.Lookup(user); err == nil {
		return u.HomeDir
	}
	return "/home/" + user
}

func (p *Local) ListUsers(active bool) ([]string, error) {
	cfg, err := ini.Load(filepath.Join(p.twisterPath, "config", "users.conf"))
	if err != nil {
		return []string{}, nil
	}
	names := cfg.Section("users").KeyStrings()
	sort.Strings(names)
	return names, nil
}

func (p *Local) UsersAndGroupsManager(user, cmd, name string, args []string, kwargs map[string]interface{}) (interface{}, error) {
	switch cmd {
	case "list users":
		return p.ListUsers(false)
	}
	return nil, fmt.Errorf("unknown command `%s`", cmd)
}

func (p *Local) userSecret(user string) string {
	key, err := ioutil.ReadFile(filepath.Join(p.UserHome(user), "twister", "config", "twister.key"))
	if err != nil {
		return user + "@" + p.twisterPath
	}
	return strings.TrimSpace(string(key))
}

func (p *Local) EncryptText(user, text string) (string, error) {
	return EncryptText(p.userSecret(user), text)
}

func (p *Local) DecryptText(user, text string) (string, error) {
	return DecryptText(p.userSecret(user), text)
}

func (p *Local) GetUserInfo(user, key string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.state(user)
	switch key {
	case "eps":
		eps := make(map[string]interface{}, len(u.eps))
		for name := range u.eps {
			eps[name] = name
		}
		return eps, nil
	case "libs_path":
		return filepath.Join(p.UserHome(user), "twister", "lib"), nil
	case "tests_path":
		return filepath.Join(p.UserHome(user), "twister", "tests"), nil
	case "logs_path":
		return filepath.Join(p.UserHome(user), "twister", "logs"), nil
	}
	v, ok := u.info[key]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (p *Local) SetUserInfo(user, key string, value interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state(user).info[key] = value
	return true, nil
}

func (p *Local) GetEpInfo(user, ep string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.state(user)
	e, ok := u.eps[ep]
	if !ok {
		return nil, fmt.Errorf("unknown EP `%s`", ep)
	}
	out := map[string]interface{}{"status": e.status}
	for k, v := range e.info {
		out[k] = v
	}
	suites := make(map[string]interface{}, len(e.suites))
	for id, s := range e.suites {
		suites[id] = s
	}
	out["suites"] = suites
	return out, nil
}

func (p *Local) SetEpInfo(user, ep, key string, value interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ep(user, ep).info[key] = value
	return true, nil
}

func (p *Local) GetSuiteInfo(user, ep, suite string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.state(user).eps[ep]
	if !ok {
		return nil, fmt.Errorf("unknown EP `%s`", ep)
	}
	s, ok := e.suites[suite]
	if !ok {
		return nil, fmt.Errorf("unknown suite `%s`", suite)
	}
	return s, nil
}

func (p *Local) GetFileInfo(user, ep, fileId string) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.state(user).eps[ep]
	if !ok {
		return nil, fmt.Errorf("unknown EP `%s`", ep)
	}
	f, ok := e.files[fileId]
	if !ok {
		return nil, fmt.Errorf("unknown file `%s`", fileId)
	}
	return f, nil
}

func (p *Local) SetFileInfo(user, ep, fileId, key string, value interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.ep(user, ep)
	f, ok := e.files[fileId]
	if !ok {
		f = make(map[string]interface{})
		e.files[fileId] = f
	}
	f[key] = value
	return true, nil
}

func (p *Local) GetDependencyInfo(user, depId string) (interface{}, error) {
	return nil, fmt.Errorf("unknown dependency `%s`", depId)
}

func (p *Local) GetGlobalVariable(user, varPath, cfgPath string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := varPath
	if cfgPath != "" {
		key = cfgPath + "#" + varPath
	}
	v, ok := p.state(user).globals[key]
	if !ok {
		return nil, fmt.Errorf("global variable `%s` not found", varPath)
	}
	return v, nil
}

func (p *Local) SetGlobalVariable(user, varPath string, value interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state(user).globals[varPath] = value
	return true, nil
}

// userPath resolves a per-user relative path into $HOME/twister.
func (p *Local) userPath(user, fpath string) string {
	if strings.HasPrefix(fpath, "~") {
		return filepath.Join(p.UserHome(user), fpath[1:])
	}
	if filepath.IsAbs(fpath) {
		return fpath
	}
	return filepath.Join(p.UserHome(user), "twister", fpath)
}

func (p *Local) ReadFile(user, fpath, flag string, fstart int, kind string) (string, error) {
	data, err := ioutil.ReadFile(p.userPath(user, fpath))
	if err != nil {
		return "", fmt.Errorf("cannot read file `%s`: %s", fpath, err)
	}
	if fstart > 0 && fstart < len(data) {
		data = data[fstart:]
	}
	return string(data), nil
}

func (p *Local) WriteFile(user, fpath, fdata, flag, kind string) error {
	full := p.userPath(user, fpath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	mode := os.O_WRONLY | os.O_CREATE
	if strings.HasPrefix(flag, "a") {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}
	f, err := os.OpenFile(full, mode, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(fdata)
	return err
}

func (p *Local) ListSettings(user, config, filter string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	section := p.state(user).settings[config]
	keys := make([]string, 0, len(section))
	for k := range section {
		if filter != "" && !strings.Contains(k, filter) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *Local) GetSettingsValue(user, config, key string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	section, ok := p.state(user).settings[config]
	if !ok {
		return nil, fmt.Errorf("unknown config `%s`", config)
	}
	v, ok := section[key]
	if !ok {
		return nil, fmt.Errorf("unknown key `%s`", key)
	}
	return v, nil
}

func (p *Local) SetSettingsValue(user, config, key string, value interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.state(user)
	section, ok := u.settings[config]
	if !ok {
		section = make(map[string]interface{})
		u.settings[config] = section
	}
	section[key] = value
	return true, nil
}

func (p *Local) DelSettingsKey(user, config, key string, index int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	section, ok := p.state(user).settings[config]
	if !ok {
		return false, fmt.Errorf("unknown config `%s`", config)
	}
	delete(section, key)
	return true, nil
}

func (p *Local) SetPersistentSuite(user, suite string, info map[string]interface{}, order int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Suites are attached to one of the user's EPs, whichever map
	// iteration yields first; a richer model maps them into
	// TestSuites.xml.
	for _, e := range p.state(user).eps {
		e.suites[suite] = map[string]interface{}{"name": suite}
		for k, v := range info {
			e.suites[suite][k] = v
		}
		return true, nil
	}
	return false, fmt.Errorf("no EP to attach suite `%s` to", suite)
}

func (p *Local) DelPersistentSuite(user, suite string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.state(user).eps {
		if _, ok := e.suites[suite]; ok {
			delete(e.suites, suite)
			return true, nil
		}
	}
	return false, fmt.Errorf("unknown suite `%s`", suite)
}

func (p *Local) SetPersistentFile(user, suite, fname string, info map[string]interface{}, order int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.state(user).eps {
		if _, ok := e.suites[suite]; !ok {
			continue
		}
		f := map[string]interface{}{"file": fname, "suite": suite}
		for k, v := range info {
			f[k] = v
		}
		e.files[fname] = f
		return true, nil
	}
	return false, fmt.Errorf("unknown suite `%s`", suite)
}

func (p *Local) DelPersistentFile(user, suite, fname string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.state(user).eps {
		if _, ok := e.files[fname]; ok {
			delete(e.files, fname)
			return true, nil
		}
	}
	return false, fmt.Errorf("unknown file `%s`", fname)
}

func (p *Local) RegisterEp(user, ep string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ep(user, ep)
	return true
}

func (p *Local) UnregisterEp(user, ep string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state(user).eps, ep)
	return nil
}

func (p *Local) QueueFile(user, suite, fname string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.state(user)
	u.queue = append(u.queue, queuedFile{suite: suite, fname: fname})
	return true, nil
}

func (p *Local) DeQueueFiles(user, data string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.state(user)
	kept := u.queue[:0]
	removed := 0
	for _, q := range u.queue {
		if q.fname == data || q.suite == data {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	u.queue = kept
	return removed, nil
}

func (p *Local) SetExecStatus(user, ep string, status int, msg string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.state(user).eps[ep]
	if !ok {
		return "", fmt.Errorf("unknown EP `%s`", ep)
	}
	e.status = status
	return rpc.ExecStatus(status).String(), nil
}

func (p *Local) SetExecStatusAll(user string, status int, msg string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.state(user).eps {
		e.status = status
	}
	return rpc.ExecStatus(status).String(), nil
}

func (p *Local) GetFileStatusAll(user, ep, suite string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []interface{}{}
	for name, e := range p.state(user).eps {
		if ep != "" && name != ep {
			continue
		}
		ids := make([]string, 0, len(e.files))
		for id := range e.files {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			f := e.files[id]
			if suite != "" && f["suite"] != suite {
				continue
			}
			out = append(out, fmt.Sprintf("%v", f["status"]))
		}
	}
	return out, nil
}

func (p *Local) SetFileStatus(user, ep, fileId string, status int, elapsed float64) (bool, error) {
	return p.SetFileInfo(user, ep, fileId, "status", status)
}

func (p *Local) SetFileStatusAll(user, ep string, status int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.state(user).eps[ep]
	if !ok {
		return false, fmt.Errorf("unknown EP `%s`", ep)
	}
	for _, f := range e.files {
		f["status"] = status
	}
	return true, nil
}

func (p *Local) GetLibrariesList(user string, all bool) ([]string, error) {
	dirs := []string{filepath.Join(p.twisterPath, "lib")}
	if all {
		dirs = append(dirs, filepath.Join(p.UserHome(user), "twister", "lib"))
	}
	seen := make(map[string]struct{})
	for _, dir := range dirs {
		entries, err := ioutil.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			seen[e.Name()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Local) GetEpFiles(user, ep string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.state(user).eps[ep]
	if !ok {
		return nil, fmt.Errorf("unknown EP `%s`", ep)
	}
	ids := make([]string, 0, len(e.files))
	for id := range e.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Local) GetSuiteFiles(user, ep, suite string) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.state(user).eps[ep]
	if !ok {
		return nil, fmt.Errorf("unknown EP `%s`", ep)
	}
	ids := make([]string, 0)
	for id, f := range e.files {
		if f["suite"] == suite {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Local) ListPlugins(user string) ([]string, error) {
	return []string{}, nil
}

func (p *Local) BuildPlugin(user, name string) (Plugin, error) {
	return nil, fmt.Errorf("plugin `%s` does not exist for user `%s`", name, user)
}

func (p *Local) LogPath(user, name string) (string, error) {
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid log name `%s`", name)
	}
	return filepath.Join(p.UserHome(user), "twister", "logs", name), nil
}

func (p *Local) LogMessage(user, logType, msg string) (bool, error) {
	path, err := p.LogPath(user, logType)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.WriteString(msg)
	return err == nil, err
}

func (p *Local) LogLive(user, ep, msg string) (bool, error) {
	return p.LogMessage(user, "log_cli.log", fmt.Sprintf("%s: %s", ep, msg))
}

func (p *Local) ResetLog(user, name string) (bool, error) {
	path, err := p.LogPath(user, name)
	if err != nil {
		return false, err
	}
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

func (p *Local) ResetLogs(user string) (bool, error) {
	dir := filepath.Join(p.UserHome(user), "twister", "logs")
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return true, nil
	}
	for _, e := range entries {
		if e.Mode().IsRegular() {
			os.Truncate(filepath.Join(dir, e.Name()), 0)
		}
	}
	return true, nil
}

func (p *Local) VersionedFSConfig(user, kind string) *VFSConfig {
	return nil
}

func (p *Local) VersionedFS() VersionedFS { return nil }

func (p *Local) LocalFS() LocalFS { return NewLocalFS() }

func (p *Local) resourceFile(kind string) string {
	return filepath.Join(p.twisterPath, "config", "resources_"+kind+".json")
}

func (p *Local) LoadResources(kind string) (*resource.Node, error) {
	data, err := ioutil.ReadFile(p.resourceFile(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var root resource.Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &root, nil
}

func (p *Local) SaveResources(kind string, root *resource.Node, user string) error {
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.resourceFile(kind)), 0755); err != nil {
		return err
	}
	return ioutil.WriteFile(p.resourceFile(kind), data, 0644)
}
