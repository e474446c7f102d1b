// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ctgriffiths/twister"
	"github.com/ctgriffiths/twister/common"
	"github.com/ctgriffiths/twister/rpc"
)

// Disp is the operation façade bound to one connection. Every exported
// method with an (interface{}, error) signature is reachable over the
// wire under its Go name; the method table is built by reflection in
// NewSrv.
//
// Return conventions: a boolean false means denied or not applicable;
// a string starting with *ERROR* means the operation was attempted and
// failed; anything else is a success payload. The error return is
// reserved for protocol-level faults.
type Disp struct {
	srv *Srv
	ctx *twister.Context
}

// denied is the protocol-level sentinel for an unauthenticated caller.
func denied() (interface{}, error) {
	return false, nil
}

// errResult converts a delegate failure into the on-wire error shape.
func errResult(err error) (interface{}, error) {
	return rpc.Errorf("%s", err), nil
}

func boolResult(ok bool, err error) (interface{}, error) {
	if err != nil {
		return errResult(err)
	}
	return ok, nil
}

func anyResult(v interface{}, err error) (interface{}, error) {
	if err != nil {
		return errResult(err)
	}
	if v == nil {
		return false, nil
	}
	return v, nil
}

// toStrings converts a wire list into EP / file name lists.
func toStrings(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, fmt.Sprintf("%v", v))
	}
	return out
}

// # # #  Session / meta  # # #
// These do not require login.

func (d *Disp) GetLogLevel() (interface{}, error) {
	return common.GetLogLevel(), nil
}

//Dynamically set log level.
func (d *Disp) SetLogLevel(level string) (interface{}, error) {
	name, err := common.SetLogLevel(level)
	if err != nil {
		return errResult(err)
	}
	return name, nil
}

//This function is MASSIVELY used by all clients, for testing the connection.
func (d *Disp) Echo(msg string) (interface{}, error) {
	if msg != "ping" {
		d.ctx.Dlog.Printf(":: %s", msg)
	}
	return "Echo: " + msg, nil
}

// HubAddress returns the address peers may use for the back-channel
// connection to this hub.
func (d *Disp) HubAddress() (interface{}, error) {
	return d.ctx.Config.Listen, nil
}

// Hello records the declared role of a peer and any extra metadata.
// Reserved keys cannot be set this way; an eps list is handed to the
// ownership ledger when the session is authenticated.
func (d *Disp) Hello(hello string, extra map[string]interface{}) (interface{}, error) {
	var eps []string
	if raw, ok := extra["eps"].([]interface{}); ok {
		eps = toStrings(raw)
	}

	if !d.srv.registry.SetHello(d.ctx.Addr, hello, extra) {
		return false, nil
	}

	if len(eps) > 0 && d.checkLogin() != "" {
		if _, err := d.RegisterEps(asInterfaces(eps)); err != nil {
			return nil, err
		}
	}
	return true, nil
}

func asInterfaces(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}

// # # #  Crypt and user management  # # #

//Encrypt a piece of text, using AES.
func (d *Disp) EncryptText(text string) (interface{}, error) {
	if text == "" {
		return "", nil
	}
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.EncryptText(user, text))
}

//Decrypt a piece of text, using AES.
func (d *Disp) DecryptText(text string) (interface{}, error) {
	if text == "" {
		return "", nil
	}
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.DecryptText(user, text))
}

// UsrManager manages users, groups and permissions through a command
// envelope: a command name plus positional and keyword parameters.
func (d *Disp) UsrManager(cmd, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	if cmd == "" {
		return rpc.Errorf("missing command for user manager"), nil
	}
	return anyResult(d.srv.project.UsersAndGroupsManager(user, cmd, name, toStrings(args), kwargs))
}

func (d *Disp) ListUsers(active bool) (interface{}, error) {
	if d.checkLogin() == "" {
		return denied()
	}
	users, err := d.srv.project.ListUsers(active)
	if err != nil {
		return errResult(err)
	}
	return users, nil
}

// # # #  Variables  # # #

//Send a user variable
func (d *Disp) GetUserVariable(variable string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetUserInfo(user, variable))
}

//Create or overwrite a user variable
func (d *Disp) SetUserVariable(key string, variable interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetUserInfo(user, key, variable))
}

//Send an EP variable
func (d *Disp) GetEpVariable(epname, variable string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	data, err := d.srv.project.GetEpInfo(user, epname)
	if err != nil {
		return errResult(err)
	}
	v, ok := data[variable]
	if !ok {
		return false, nil
	}
	return v, nil
}

//Create or overwrite an EP variable
func (d *Disp) SetEpVariable(epname, variable string, value interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetEpInfo(user, epname, variable, value))
}

//List all suites for 1 EP, in the current project
func (d *Disp) ListSuites(epname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	if epname == "" {
		return denied()
	}
	data, err := d.srv.project.GetEpInfo(user, epname)
	if err != nil {
		return errResult(err)
	}
	suites, _ := data["suites"].(map[string]interface{})
	list := make([]string, 0, len(suites))
	for id, s := range suites {
		name := ""
		if m, ok := s.(map[string]interface{}); ok {
			name, _ = m["name"].(string)
		}
		list = append(list, id+":"+name)
	}
	sort.Strings(list)
	return strings.Join(list, ","), nil
}

//Send a Suite variable
func (d *Disp) GetSuiteVariable(epname, suite, variable string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	data, err := d.srv.project.GetSuiteInfo(user, epname, suite)
	if err != nil {
		return errResult(err)
	}
	v, ok := data[variable]
	if !ok {
		return false, nil
	}
	return v, nil
}

//Send a file variable
func (d *Disp) GetFileVariable(epname, fileId, variable string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	data, err := d.srv.project.GetFileInfo(user, epname, fileId)
	if err != nil {
		return errResult(err)
	}
	v, ok := data[variable]
	if !ok {
		return false, nil
	}
	return v, nil
}

//Create or overwrite a file variable
func (d *Disp) SetFileVariable(epname, filename, variable string, value interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetFileInfo(user, epname, filename, variable, value))
}

func (d *Disp) GetDependencyInfo(depId string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetDependencyInfo(user, depId))
}

// # # #  Persistence  # # #

//Read a file from TWISTER PATH, user's home folder, or the versioned FS.
func (d *Disp) ReadFile(fpath, flag string, fstart int, kind string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	resp, err := d.srv.project.ReadFile(user, fpath, flag, fstart, kind)
	if err != nil {
		d.ctx.Wlog.Printf("%s", rpc.Errorf("%s", err))
		return errResult(err)
	}
	return resp, nil
}

//Write a file in user's home folder, or the versioned FS.
func (d *Disp) WriteFile(fpath, fdata, flag, kind string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	if err := d.srv.project.WriteFile(user, fpath, fdata, flag, kind); err != nil {
		d.ctx.Wlog.Printf("%s", rpc.Errorf("%s", err))
		return errResult(err)
	}
	return true, nil
}

//List all available settings, for 1 config of a user.
func (d *Disp) ListSettings(config, filter string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.ListSettings(user, config, filter))
}

//Fetch a value from 1 config of a user.
func (d *Disp) GetSettingsValue(config, key string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetSettingsValue(user, config, key))
}

//Set a value for a key in the config of a user.
func (d *Disp) SetSettingsValue(config, key string, value interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetSettingsValue(user, config, key, value))
}

//Del a key from the config of a user.
func (d *Disp) DelSettingsKey(config, key string, index int) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.DelSettingsKey(user, config, key, index))
}

//Create a new suite, using the INFO, at the position specified.
//This function writes in the project XML; the changes will be
//available at the next START.
func (d *Disp) SetPersistentSuite(suite string, info map[string]interface{}, order int) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetPersistentSuite(user, suite, info, order))
}

//Delete a persistent suite, using a name; if there are more suites
//with the same name, only the first one is deleted.
func (d *Disp) DelPersistentSuite(suite string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.DelPersistentSuite(user, suite))
}

//Create a new file in a suite, using the INFO, at the position specified.
func (d *Disp) SetPersistentFile(suite, fname string, info map[string]interface{}, order int) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetPersistentFile(user, suite, fname, info, order))
}

//Delete a persistent file from a suite, using a name.
func (d *Disp) DelPersistentFile(suite, fname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.DelPersistentFile(user, suite, fname))
}

// # # #  Global variables and config files  # # #

func (d *Disp) GetGlobalVariable(varPath string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetGlobalVariable(user, varPath, ""))
}

func (d *Disp) SetGlobalVariable(varPath string, value interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetGlobalVariable(user, varPath, value))
}

func (d *Disp) GetConfig(cfgPath, varPath string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetGlobalVariable(user, varPath, cfgPath))
}

// # # #  Register / EP control  # # #

//All known EPs for a user, read from project.
//The user is identified automatically.
func (d *Disp) ListEps() (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	v, err := d.srv.project.GetUserInfo(user, "eps")
	if err != nil {
		return errResult(err)
	}
	eps, _ := v.(map[string]interface{})
	names := make([]string, 0, len(eps))
	for name := range eps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

//Return all registered EPs for all of a user's clients.
//The user MUST be given as a parameter.
func (d *Disp) RegisteredEps(user string) (interface{}, error) {
	if d.checkLogin() == "" {
		return denied()
	}
	if user == "" {
		return denied()
	}
	return d.srv.registry.RegisteredEps(user), nil
}

// RegisterEps makes the calling session the owner of the given EP
// names for its user. Ownership moves here atomically from any other
// session of the same user; a courtesy hello is sent back to the peer
// once registration is complete.
func (d *Disp) RegisterEps(eps []interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}

	names := toStrings(eps)
	d.ctx.Dlog.Printf("Begin to register EPs: %v ...", names)

	err := d.srv.registry.RegisterEps(d.ctx.Addr, names, d.srv.project.RegisterEp)
	if err != nil {
		return errResult(err)
	}

	// Send a hello and the hub address back over the peer's exposed
	// interface; a failure here is logged but does not roll back the
	// registration.
	if view, ok := d.srv.registry.Get(d.ctx.Addr); ok && view.Peer != nil {
		if _, err := view.Peer.Call("Hello", d.ctx.Config.Listen); err != nil {
			d.ctx.Wlog.Printf("Error: Register client error: %s", err)
		}
	}
	return true, nil
}

// UnregisterEps removes the given EP names from the calling session.
// Per-EP failures are logged and the batch continues.
func (d *Disp) UnregisterEps(eps []interface{}) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	names := toStrings(eps)
	d.ctx.Dlog.Printf("Begin to un-register EPs: %v ...", names)
	if err := d.srv.registry.UnregisterEps(d.ctx.Addr, names, d.srv.project.UnregisterEp); err != nil {
		return errResult(err)
	}
	return true, nil
}

// # # #  EP and file statuses  # # #

//Queue a file at the end of a suite, during runtime.
//If there are more suites with the same name, the first one is used.
func (d *Disp) QueueFile(suite, fname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.QueueFile(user, suite, fname))
}

//Remove a file from the files queue.
func (d *Disp) DequeueFiles(data string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.DeQueueFiles(user, data))
}

//Return execution status for one EP. (stopped, paused, running, invalid)
func (d *Disp) GetEpStatus(epname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}

	if !d.knownEp(user, epname) {
		d.ctx.Dlog.Printf("%s", rpc.Errorf("invalid EP name `%s`!", epname))
		return false, nil
	}

	data, err := d.srv.project.GetEpInfo(user, epname)
	if err != nil {
		return errResult(err)
	}
	return rpc.ExecStatus(toInt(data["status"], int(rpc.StatusInvalid))).String(), nil
}

//Return execution status for all EPs. (stopped, paused, running, invalid)
func (d *Disp) GetEpStatusAll() (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	v, err := d.srv.project.GetUserInfo(user, "status")
	if err != nil {
		return errResult(err)
	}
	return rpc.ExecStatus(toInt(v, int(rpc.StatusInvalid))).String(), nil
}

//Set execution status for one EP. (0, 1, 2, or 3)
//Returns a string (stopped, paused, running, invalid).
//The message parameter can explain why the status has changed.
func (d *Disp) SetEpStatus(epname string, status int, msg string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.SetExecStatus(user, epname, status, msg))
}

//Set execution status for all EPs.
func (d *Disp) SetEpStatusAll(status int, msg string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.SetExecStatusAll(user, status, msg))
}

//Returns a list with all statuses, for all files, in order.
func (d *Disp) GetFileStatusAll(epname, suite string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.GetFileStatusAll(user, epname, suite))
}

//Set status for one file and write in log summary.
//Called from the Runner.
func (d *Disp) SetFileStatus(epname, fileId string, status int, elapsed float64) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetFileStatus(user, epname, fileId, status, elapsed))
}

//Reset file status for all files of one EP.
//Called from the Runner.
func (d *Disp) SetFileStatusAll(epname string, status int) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.SetFileStatusAll(user, epname, status))
}

// # # #  Plugins  # # #

//List all user plugins.
func (d *Disp) ListPlugins() (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return anyResult(d.srv.project.ListPlugins(user))
}

// RunPlugin obtains a plugin instance from the project model and
// invokes it. A plugin raising a panic is converted to a string error
// result rather than propagated.
func (d *Disp) RunPlugin(plugin string, args map[string]interface{}) (result interface{}, err error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}

	if _, ok := args["command"]; !ok {
		return rpc.Errorf("invalid dictionary for plugin `%s`: %v!", plugin, args), nil
	}

	p, perr := d.srv.project.BuildPlugin(user, plugin)
	if perr != nil || p == nil {
		msg := rpc.Errorf("plugin `%s` does not exist for user `%s`!", plugin, user)
		d.ctx.Elog.Printf("%s", msg)
		return msg, nil
	}

	defer func() {
		if r := recover(); r != nil {
			d.ctx.Elog.Printf("%s", rpc.Errorf(
				"plugin `%s`, ran with arguments `%v` and raised: `%v`!", plugin, args, r))
			result = fmt.Sprintf("Error on running plugin `%s` - Exception: `%v`!", plugin, r)
			err = nil
		}
	}()

	return p.Run(args), nil
}

// # # #  Logs  # # #

//Used to show the logs.
func (d *Disp) GetLogFile(read bool, fstart int, filename string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.readLogFile(user, read, fstart, filename)
}

//All logs are centralized in the home of the user. The write happens
//in a process started in the name of the user, so the files stay
//readable to them even when the hub runs privileged.
func (d *Disp) LogMessage(logType, logMessage string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.writeLogMessage(user, logType, logMessage)
}

//Writes CLI messages in a big log, so all output can be checked LIVE.
func (d *Disp) LogLive(epname, logMessage string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.LogLive(user, epname, logMessage))
}

//Resets one log.
func (d *Disp) ResetLog(logName string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.ResetLog(user, logName))
}

//All logs defined in master config are erased.
func (d *Disp) ResetLogs() (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return boolResult(d.srv.project.ResetLogs(user))
}

// # # #  helpers  # # #

// knownEp reports whether the project model knows this EP for the
// user.
func (d *Disp) knownEp(user, epname string) bool {
	v, err := d.srv.project.GetUserInfo(user, "eps")
	if err != nil {
		return false
	}
	eps, _ := v.(map[string]interface{})
	_, ok := eps[epname]
	return ok
}

// toInt widens the JSON number zoo into an int.
func toInt(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
