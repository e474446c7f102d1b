// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/base64"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/ctgriffiths/twister/project"
	"github.com/ctgriffiths/twister/rpc"
)

// Library and test file download. Libraries resolve against three
// source roots in order: the user's versioned-FS view when one is
// configured, the user's own library root, and the global root under
// $TWISTER_PATH/lib. Falling back to the global root happens only when
// a higher root reports an error.
//
// A deep path (one containing '/') or a directory is returned as a
// gzipped tar archive of the subtree, base64-encoded for the wire; a
// root-level file is returned raw.

//Returns the list of exposed libraries, from the hub libraries folder.
//This list will be used to synchronize the libs on all EP computers.
func (d *Disp) ListLibraries(all bool) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetLibrariesList(user, all))
}

//Sends the required library to the EP, to be synchronized.
//The library can be global for all users, or per user.
func (d *Disp) DownloadLibrary(name string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}

	// Maybe the name begins with /
	name = strings.TrimLeft(name, "/")
	deep := strings.Contains(name, "/")

	// Auto detect if a versioned-FS config path is active
	if cfg := d.srv.project.VersionedFSConfig(user, "libs_path"); cfg != nil {
		vfs := d.srv.project.VersionedFS()
		userView := user + ":" + cfg.View
		root := strings.TrimSuffix(cfg.Path, "/") + "/"
		libPath := root + name

		sz, err := vfs.FileSize(userView, libPath)
		if err == nil && (sz == 4096 || deep) {
			data, err := vfs.TarGzUserFolder(userView, libPath, root)
			if err == nil {
				d.ctx.Dlog.Printf("User `%s` requested versioned lib folder `%s`.", user, name)
				return base64.StdEncoding.EncodeToString(data), nil
			}
		} else if err == nil {
			text, err := vfs.ReadUserFile(userView, libPath)
			if err == nil {
				d.ctx.Dlog.Printf("User `%s` requested versioned lib file `%s`.", user, name)
				return text, nil
			}
		}
		return d.downloadGlobalLib(user, name)
	}

	// User's home path
	userLib := d.userInfoString(user, "libs_path")
	libPath := strings.TrimSuffix(userLib, "/") + "/" + name
	if fi, err := os.Stat(libPath); err == nil && !fi.IsDir() && !deep {
		text, err := d.srv.project.LocalFS().ReadUserFile(user, libPath)
		if err == nil {
			d.ctx.Dlog.Printf("User `%s` requested local lib file `%s`.", user, name)
			return text, nil
		}
	} else {
		data, err := d.srv.project.LocalFS().TarGzUserFolder(user, libPath, userLib)
		if err == nil {
			d.ctx.Dlog.Printf("User `%s` requested local lib folder `%s`.", user, name)
			return base64.StdEncoding.EncodeToString(data), nil
		}
	}
	return d.downloadGlobalLib(user, name)
}

// downloadGlobalLib reads from $TWISTER_PATH/lib, the last fallback
// root.
func (d *Disp) downloadGlobalLib(user, name string) (interface{}, error) {
	globRoot := filepath.Join(d.ctx.Config.TwisterPath, "lib")
	fpath := filepath.Join(globRoot, name)

	fi, err := os.Stat(fpath)
	if err != nil {
		return rpc.Errorf("invalid path `%s`!", fpath), nil
	}

	// If the required library is a file and isn't inside a folder
	if !fi.IsDir() && !strings.Contains(name, "/") {
		data, err := ioutil.ReadFile(fpath)
		if err != nil {
			return rpc.Errorf("cannot read file `%s`! %s", fpath, err), nil
		}
		d.ctx.Dlog.Printf("User `%s` requested global lib file `%s`.", user, name)
		return string(data), nil
	}

	archive, err := project.TarGzTree(globRoot, name)
	if err != nil {
		return rpc.Errorf("cannot pack `%s`! %s", fpath, err), nil
	}
	if strings.Contains(name, "/") {
		d.ctx.Dlog.Printf("User `%s` requested global `deep` library `%s`.", user, name)
	} else {
		d.ctx.Dlog.Printf("User `%s` requested global lib folder `%s`.", user, name)
	}
	return base64.StdEncoding.EncodeToString(archive), nil
}

//Returns all files that must be run on one EP.
func (d *Disp) GetEpFiles(epname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	data, err := d.srv.project.GetEpFiles(user, epname)
	if err != nil {
		return false, nil
	}
	return data, nil
}

//Returns all files that must be run on one Suite ID.
func (d *Disp) GetSuiteFiles(epname, suite string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	data, err := d.srv.project.GetSuiteFiles(user, epname, suite)
	if err != nil {
		return false, nil
	}
	return data, nil
}

//Sends the requested file to the EP, to be executed.
func (d *Disp) DownloadFile(epname, fileInfo string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}

	if !d.knownEp(user, epname) {
		d.ctx.Dlog.Printf("%s", rpc.Errorf("invalid EP name `%s`!", epname))
		return false, nil
	}

	testsPath := d.userInfoString(user, "tests_path")

	// If this is a test file path
	filename := filepath.Join(testsPath, fileInfo)
	if _, err := os.Stat(filename); err != nil {
		// If this is a file ID
		fileId := fileInfo
		data, err := d.srv.project.GetFileInfo(user, epname, fileId)
		if err != nil {
			d.ctx.Elog.Printf("%s", rpc.Errorf("invalid file ID `%s`!", fileId))
			return false, nil
		}

		filename, _ = data["file"].(string)

		// When the file record carries a versioned-FS marker, the
		// content comes through the versioned reader and the record is
		// annotated with the revision sentinel.
		cfg := d.srv.project.VersionedFSConfig(user, "tests_path")
		if marked, _ := data["versioned"].(bool); cfg != nil && marked {
			d.ctx.Dlog.Printf("Execution process `%s:%s` requested versioned file `%s`.",
				user, epname, filename)
			d.srv.project.SetFileInfo(user, epname, fileId, "twister_tc_revision", -1)
			text, err := d.srv.project.ReadFile(user, filename, "r", 0, "vfs:"+cfg.View)
			if err != nil {
				return errResult(err)
			}
			return text, nil
		}

		// Fix ~ $HOME path (from the project XML)
		if strings.HasPrefix(filename, "~") {
			filename = d.srv.project.UserHome(user) + filename[1:]
		}
		// Fix incomplete file path (from the project XML)
		if _, err := os.Stat(filename); err != nil {
			filename = filepath.Join(testsPath, filename)
		}
	}

	d.ctx.Dlog.Printf("Execution process `%s:%s` requested file `%s`.", user, epname, filename)

	text, err := d.srv.project.LocalFS().ReadUserFile(user, filename)
	if err != nil {
		return errResult(err)
	}
	return text, nil
}

// userInfoString fetches one string-valued user setting from the
// project model.
func (d *Disp) userInfoString(user, key string) string {
	v, err := d.srv.project.GetUserInfo(user, key)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
