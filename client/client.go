// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

/*
Package client is the library remote parties use to talk to the hub.
The channel is bidirectional: besides issuing calls, every client
exposes a small interface of its own (hello, start_ep, stop_ep) that
the hub dispatches to through the same connection.
*/
package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"runtime"
	"strings"
	"sync"

	"github.com/ctgriffiths/twister/rpc"
)

// ErrDenied is returned by the calls expecting a non-boolean result
// when the hub answers with the protocol-level denial sentinel, usually
// because the session is not authenticated. Calls with a boolean result
// report the sentinel as a false result with a nil error.
var ErrDenied = errors.New("permission denied")

//GetFuncName() returns the unqualified name of the caller
func GetFuncName() string {
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return "invalid"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "invalid"
	}
	name := fn.Name()
	i := strings.LastIndex(name, ".")
	return name[i+1:]
}

// Handler serves one hub-initiated upcall.
type Handler func(args []interface{}) (interface{}, error)

type Client struct {
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	sending *sync.Mutex

	pmu     sync.Mutex
	pending map[int]chan *rpc.Response
	id      int

	hmu      sync.Mutex
	handlers map[string]Handler

	closed    chan struct{}
	closeOnce sync.Once
	Elog      *log.Logger
}

func Dial(network, address string) (*Client, error) {
	c, e := net.Dial(network, address)
	if e != nil {
		return nil, e
	}
	return NewClient(c), nil
}

// NewClient wraps an already established connection. Used where the
// dialing is done elsewhere.
func NewClient(c net.Conn) *Client {
	client := &Client{
		conn:     c,
		enc:      json.NewEncoder(c),
		dec:      json.NewDecoder(c),
		sending:  new(sync.Mutex),
		pending:  make(map[int]chan *rpc.Response),
		handlers: make(map[string]Handler),
		closed:   make(chan struct{}),
		Elog:     log.New(ioutil.Discard, "", 0),
	}
	client.handlers["Hello"] = func([]interface{}) (interface{}, error) {
		return true, nil
	}

	go client.recv()
	return client
}

func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	c.conn.Close()
}

// Register installs a handler for one hub-exposed upcall, e.g. StartEp
// or StopEp. Registering again replaces the previous handler.
func (c *Client) Register(method string, h Handler) {
	c.hmu.Lock()
	c.handlers[method] = h
	c.hmu.Unlock()
}

// recv demultiplexes incoming frames: responses are routed to the call
// waiting on them, requests are served from the handler table.
func (c *Client) recv() {
	for {
		var frame rpc.Frame
		if err := c.dec.Decode(&frame); err != nil {
			break
		}
		if frame.IsRequest() {
			go c.serve(&frame)
			continue
		}
		c.pmu.Lock()
		ch, ok := c.pending[frame.Id]
		if ok {
			delete(c.pending, frame.Id)
		}
		c.pmu.Unlock()
		if ok {
			ch <- frame.Response()
		}
	}
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) serve(req *rpc.Frame) {
	c.hmu.Lock()
	h, ok := c.handlers[req.Method]
	c.hmu.Unlock()

	var resp *rpc.Response
	if !ok {
		resp = &rpc.Response{Error: (&rpc.MethErr{Name: req.Method}).Error(), Id: req.Id}
	} else {
		result, err := h(req.Args)
		if err != nil {
			resp = &rpc.Response{Error: err.Error(), Id: req.Id}
		} else {
			resp = &rpc.Response{Result: result, Id: req.Id}
		}
	}

	c.sending.Lock()
	err := c.enc.Encode(resp)
	c.sending.Unlock()
	if err != nil {
		c.Elog.Printf("cannot answer upcall %s: %s", req.Method, err)
	}
}

func (c *Client) call(method string, args ...interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}

	c.pmu.Lock()
	c.id++
	id := c.id
	ch := make(chan *rpc.Response, 1)
	c.pending[id] = ch
	c.pmu.Unlock()

	c.sending.Lock()
	err := c.enc.Encode(&rpc.Request{Method: method, Args: args, Id: id})
	c.sending.Unlock()
	if err != nil {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
		return nil, err
	}

	select {
	case rep := <-ch:
		if errStr, ok := rep.Error.(string); ok && errStr != "" {
			return rep.Result, errors.New(errStr)
		}
		return rep.Result, nil
	case <-c.closed:
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
		return nil, errors.New("connection closed")
	}
}

// Call invokes an arbitrary hub method with raw wire semantics.
func (c *Client) Call(method string, args ...interface{}) (interface{}, error) {
	return c.call(method, args...)
}

// callChecked converts the protocol result conventions into errors:
// boolean false becomes ErrDenied, an *ERROR* string becomes an error
// with that message.
func (c *Client) callChecked(method string, args ...interface{}) (interface{}, error) {
	res, err := c.call(method, args...)
	if err != nil {
		return nil, err
	}
	if b, ok := res.(bool); ok && !b {
		return nil, ErrDenied
	}
	if rpc.IsErrorResult(res) {
		return nil, errors.New(res.(string))
	}
	return res, nil
}

func (c *Client) callBool(method string, args ...interface{}) (bool, error) {
	i, err := c.call(method, args...)
	if err != nil {
		return false, err
	}
	if rpc.IsErrorResult(i) {
		return false, errors.New(i.(string))
	}
	if v, ok := i.(bool); ok {
		return v, nil
	}
	return false, fmt.Errorf("wrong return type for %s got %T expecting bool", method, i)
}

func (c *Client) callString(method string, args ...interface{}) (string, error) {
	i, err := c.callChecked(method, args...)
	if err != nil {
		return "", err
	}
	if v, ok := i.(string); ok {
		return v, nil
	}
	return "", fmt.Errorf("wrong return type for %s got %T expecting string", method, i)
}

func (c *Client) callInt(method string, args ...interface{}) (int, error) {
	i, err := c.callChecked(method, args...)
	if err != nil {
		return -1, err
	}
	if v, ok := i.(float64); ok {
		return int(v), nil
	}
	return -1, fmt.Errorf("wrong return type for %s got %T expecting float64", method, i)
}

func (c *Client) callMap(method string, args ...interface{}) (map[string]interface{}, error) {
	i, err := c.callChecked(method, args...)
	if err != nil {
		return nil, err
	}
	if v, ok := i.(map[string]interface{}); ok {
		return v, nil
	}
	return nil, fmt.Errorf("wrong return type for %s got %T expecting map[string]interface{}", method, i)
}

func (c *Client) callSlice(method string, args ...interface{}) ([]interface{}, error) {
	i, err := c.callChecked(method, args...)
	if err != nil {
		return nil, err
	}
	if v, ok := i.([]interface{}); ok {
		return v, nil
	}
	return nil, fmt.Errorf("wrong return type for %s got %T expecting []interface{}", method, i)
}

func (c *Client) callSliceString(method string, args ...interface{}) ([]string, error) {
	v, err := c.callSlice(method, args...)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(v))
	for _, val := range v {
		str, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("wrong return type for %s got %T expecting string", method, val)
		}
		out = append(out, str)
	}
	return out, nil
}

// # # #  Session / meta  # # #

func (c *Client) Echo(msg string) (string, error) {
	return c.callString(GetFuncName(), msg)
}
func (c *Client) GetLogLevel() (string, error) {
	return c.callString(GetFuncName())
}
func (c *Client) SetLogLevel(level string) (string, error) {
	return c.callString(GetFuncName(), level)
}
func (c *Client) HubAddress() (string, error) {
	return c.callString(GetFuncName())
}
func (c *Client) Hello(hello string, extra map[string]interface{}) (bool, error) {
	if extra == nil {
		extra = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), hello, extra)
}
func (c *Client) Login(user, passwd string) (bool, error) {
	return c.callBool(GetFuncName(), user, passwd)
}

// # # #  Crypt, users and variables  # # #

func (c *Client) EncryptText(text string) (string, error) {
	return c.callString(GetFuncName(), text)
}
func (c *Client) DecryptText(text string) (string, error) {
	return c.callString(GetFuncName(), text)
}
func (c *Client) UsrManager(cmd, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}
	return c.callChecked(GetFuncName(), cmd, name, args, kwargs)
}
func (c *Client) ListUsers(active bool) ([]string, error) {
	return c.callSliceString(GetFuncName(), active)
}
func (c *Client) GetUserVariable(variable string) (interface{}, error) {
	return c.callChecked(GetFuncName(), variable)
}
func (c *Client) SetUserVariable(key string, value interface{}) (bool, error) {
	return c.callBool(GetFuncName(), key, value)
}
func (c *Client) GetEpVariable(epname, variable string) (interface{}, error) {
	return c.callChecked(GetFuncName(), epname, variable)
}
func (c *Client) SetEpVariable(epname, variable string, value interface{}) (bool, error) {
	return c.callBool(GetFuncName(), epname, variable, value)
}
func (c *Client) ListSuites(epname string) (string, error) {
	return c.callString(GetFuncName(), epname)
}
func (c *Client) GetSuiteVariable(epname, suite, variable string) (interface{}, error) {
	return c.callChecked(GetFuncName(), epname, suite, variable)
}
func (c *Client) GetFileVariable(epname, fileId, variable string) (interface{}, error) {
	return c.callChecked(GetFuncName(), epname, fileId, variable)
}
func (c *Client) SetFileVariable(epname, filename, variable string, value interface{}) (bool, error) {
	return c.callBool(GetFuncName(), epname, filename, variable, value)
}
func (c *Client) GetDependencyInfo(depId string) (interface{}, error) {
	return c.callChecked(GetFuncName(), depId)
}

// # # #  Persistence  # # #

func (c *Client) ReadFile(fpath, flag string, fstart int, kind string) (string, error) {
	return c.callString(GetFuncName(), fpath, flag, fstart, kind)
}
func (c *Client) WriteFile(fpath, fdata, flag, kind string) (bool, error) {
	return c.callBool(GetFuncName(), fpath, fdata, flag, kind)
}
func (c *Client) ListSettings(config, filter string) (interface{}, error) {
	return c.callChecked(GetFuncName(), config, filter)
}
func (c *Client) GetSettingsValue(config, key string) (interface{}, error) {
	return c.callChecked(GetFuncName(), config, key)
}
func (c *Client) SetSettingsValue(config, key string, value interface{}) (bool, error) {
	return c.callBool(GetFuncName(), config, key, value)
}
func (c *Client) DelSettingsKey(config, key string, index int) (bool, error) {
	return c.callBool(GetFuncName(), config, key, index)
}
func (c *Client) SetPersistentSuite(suite string, info map[string]interface{}, order int) (bool, error) {
	if info == nil {
		info = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), suite, info, order)
}
func (c *Client) DelPersistentSuite(suite string) (bool, error) {
	return c.callBool(GetFuncName(), suite)
}
func (c *Client) SetPersistentFile(suite, fname string, info map[string]interface{}, order int) (bool, error) {
	if info == nil {
		info = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), suite, fname, info, order)
}
func (c *Client) DelPersistentFile(suite, fname string) (bool, error) {
	return c.callBool(GetFuncName(), suite, fname)
}
func (c *Client) GetGlobalVariable(varPath string) (interface{}, error) {
	return c.callChecked(GetFuncName(), varPath)
}
func (c *Client) SetGlobalVariable(varPath string, value interface{}) (bool, error) {
	return c.callBool(GetFuncName(), varPath, value)
}
func (c *Client) GetConfig(cfgPath, varPath string) (interface{}, error) {
	return c.callChecked(GetFuncName(), cfgPath, varPath)
}

// # # #  EP control  # # #

func (c *Client) ListEps() ([]string, error) {
	return c.callSliceString(GetFuncName())
}
func (c *Client) RegisteredEps(user string) ([]string, error) {
	return c.callSliceString(GetFuncName(), user)
}
func (c *Client) RegisterEps(eps []string) (bool, error) {
	list := make([]interface{}, 0, len(eps))
	for _, e := range eps {
		list = append(list, e)
	}
	return c.callBool(GetFuncName(), list)
}
func (c *Client) UnregisterEps(eps []string) (bool, error) {
	list := make([]interface{}, 0, len(eps))
	for _, e := range eps {
		list = append(list, e)
	}
	return c.callBool(GetFuncName(), list)
}
func (c *Client) StartEp(epname string) (interface{}, error) {
	return c.call(GetFuncName(), epname)
}
func (c *Client) StopEp(epname string) (interface{}, error) {
	return c.call(GetFuncName(), epname)
}
func (c *Client) GetEpStatus(epname string) (string, error) {
	return c.callString(GetFuncName(), epname)
}
func (c *Client) GetEpStatusAll() (string, error) {
	return c.callString(GetFuncName())
}
func (c *Client) SetEpStatus(epname string, status int, msg string) (string, error) {
	return c.callString(GetFuncName(), epname, status, msg)
}
func (c *Client) SetEpStatusAll(status int, msg string) (string, error) {
	return c.callString(GetFuncName(), status, msg)
}

// # # #  Runtime queue and statuses  # # #

func (c *Client) QueueFile(suite, fname string) (bool, error) {
	return c.callBool(GetFuncName(), suite, fname)
}
func (c *Client) DequeueFiles(data string) (interface{}, error) {
	return c.callChecked(GetFuncName(), data)
}
func (c *Client) GetFileStatusAll(epname, suite string) (interface{}, error) {
	return c.callChecked(GetFuncName(), epname, suite)
}
func (c *Client) SetFileStatus(epname, fileId string, status int, elapsed float64) (bool, error) {
	return c.callBool(GetFuncName(), epname, fileId, status, elapsed)
}
func (c *Client) SetFileStatusAll(epname string, status int) (bool, error) {
	return c.callBool(GetFuncName(), epname, status)
}

// # # #  Libraries and files  # # #

func (c *Client) ListLibraries(all bool) ([]string, error) {
	return c.callSliceString(GetFuncName(), all)
}

// DownloadLibrary returns the raw content for a root-level file, or
// the bytes of a gzipped tar archive for a directory or deep path.
func (c *Client) DownloadLibrary(name string) ([]byte, error) {
	s, err := c.callString(GetFuncName(), name)
	if err != nil {
		return nil, err
	}
	// Archives travel base64-encoded; raw files as-is.
	if data, derr := base64.StdEncoding.DecodeString(s); derr == nil && isGzip(data) {
		return data, nil
	}
	return []byte(s), nil
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func (c *Client) GetEpFiles(epname string) ([]string, error) {
	return c.callSliceString(GetFuncName(), epname)
}
func (c *Client) GetSuiteFiles(epname, suite string) ([]string, error) {
	return c.callSliceString(GetFuncName(), epname, suite)
}
func (c *Client) DownloadFile(epname, fileInfo string) (string, error) {
	return c.callString(GetFuncName(), epname, fileInfo)
}

// # # #  Plugins  # # #

func (c *Client) ListPlugins() ([]string, error) {
	return c.callSliceString(GetFuncName())
}
func (c *Client) RunPlugin(plugin string, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	return c.callChecked(GetFuncName(), plugin, args)
}

// # # #  Logs  # # #

func (c *Client) GetLogFile(read bool, fstart int, filename string) (interface{}, error) {
	return c.callChecked(GetFuncName(), read, fstart, filename)
}

// GetLogFileSize asks for the current size of a log, to tail it later.
func (c *Client) GetLogFileSize(filename string) (int, error) {
	return c.callInt("GetLogFile", false, 0, filename)
}
func (c *Client) LogMessage(logType, msg string) (bool, error) {
	return c.callBool(GetFuncName(), logType, msg)
}
func (c *Client) LogLive(epname, msg string) (bool, error) {
	return c.callBool(GetFuncName(), epname, msg)
}
func (c *Client) ResetLog(name string) (bool, error) {
	return c.callBool(GetFuncName(), name)
}
func (c *Client) ResetLogs() (bool, error) {
	return c.callBool(GetFuncName())
}

// # # #  Resources  # # #

func (c *Client) ListAllTbs() ([]interface{}, error) {
	return c.callSlice(GetFuncName())
}
func (c *Client) GetTb(query string) (map[string]interface{}, error) {
	return c.callMap(GetFuncName(), query)
}
func (c *Client) CreateNewTb(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) CreateComponentTb(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) UpdateMetaTb(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) SetTb(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) RenameTb(query, newName string) (bool, error) {
	return c.callBool(GetFuncName(), query, newName)
}
func (c *Client) DeleteTb(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) IsTbReserved(query string) (string, error) {
	return c.callString(GetFuncName(), query)
}
func (c *Client) ReserveTb(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) SaveReservedTb(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) SaveReleaseReservedTb(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) DiscardReleaseReservedTb(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}

func (c *Client) ListAllSuts() ([]interface{}, error) {
	return c.callSlice(GetFuncName())
}
func (c *Client) GetSut(query string) (map[string]interface{}, error) {
	return c.callMap(GetFuncName(), query)
}
func (c *Client) GetInfoSut(query string) (map[string]interface{}, error) {
	return c.callMap(GetFuncName(), query)
}
func (c *Client) CreateNewSut(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) CreateComponentSut(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) UpdateMetaSut(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) SetSut(name, parent string, props map[string]interface{}) (bool, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	return c.callBool(GetFuncName(), name, parent, props)
}
func (c *Client) RenameSut(query, newName string) (bool, error) {
	return c.callBool(GetFuncName(), query, newName)
}
func (c *Client) RenameMetaSut(query, newName string) (bool, error) {
	return c.callBool(GetFuncName(), query, newName)
}
func (c *Client) DeleteSut(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) DeleteComponentSut(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) IsSutReserved(query string) (string, error) {
	return c.callString(GetFuncName(), query)
}
func (c *Client) ReserveSut(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) SaveReservedSut(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) SaveReservedSutAs(name, query string) (bool, error) {
	return c.callBool(GetFuncName(), name, query)
}
func (c *Client) SaveReleaseReservedSut(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
func (c *Client) DiscardReleaseReservedSut(query string) (bool, error) {
	return c.callBool(GetFuncName(), query)
}
