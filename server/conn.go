// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ctgriffiths/twister"
	"github.com/ctgriffiths/twister/rpc"
)

type any interface{}

func newResponse(result any, err error, id int) *rpc.Response {
	if err != nil {
		return &rpc.Response{Error: err.Error(), Id: id}
	}
	return &rpc.Response{Result: result, Id: id}
}

// SrvConn services one accepted connection. The channel is full
// duplex: the remote issues requests on it, and the hub issues upcalls
// back over the same framing. One reader goroutine demultiplexes
// frames; inbound requests are executed in arrival order by a single
// dispatch worker so that a request may itself wait on an upcall
// without stalling the reader.
type SrvConn struct {
	net.Conn
	srv     *Srv
	addr    string
	enc     *json.Encoder
	dec     *json.Decoder
	sending *sync.Mutex

	pmu     sync.Mutex
	pending map[int]chan *rpc.Response
	nextId  int

	qmu   sync.Mutex
	qcond *sync.Cond
	queue []*rpc.Request
	done  bool

	closed    chan struct{}
	closeOnce sync.Once
}

//NewConn creates a new SrvConn and returns a reference to it.
func (s *Srv) NewConn(conn net.Conn) *SrvConn {
	c := &SrvConn{
		Conn:    conn,
		srv:     s,
		addr:    conn.RemoteAddr().String(),
		enc:     json.NewEncoder(conn),
		dec:     json.NewDecoder(conn),
		sending: new(sync.Mutex),
		pending: make(map[int]chan *rpc.Response),
		closed:  make(chan struct{}),
	}
	c.qcond = sync.NewCond(&c.qmu)
	return c
}

//Send an rpc response with appropriate data or an error
func (conn *SrvConn) sendResponse(resp *rpc.Response) error {
	conn.sending.Lock()
	err := conn.enc.Encode(&resp)
	conn.sending.Unlock()
	return err
}

func (conn *SrvConn) sendRequest(req *rpc.Request) error {
	conn.sending.Lock()
	err := conn.enc.Encode(&req)
	conn.sending.Unlock()
	return err
}

// Handle is the main loop for a connection. It registers the session,
// demultiplexes incoming frames, and on return tears the session down:
// the session's EPs leave the ownership ledger before the record is
// dropped.
func (conn *SrvConn) Handle() {
	conn.srv.registry.Insert(conn.addr, conn)

	disp := &Disp{
		srv: conn.srv,
		ctx: &twister.Context{
			Addr:   conn.addr,
			Config: conn.srv.Config,
			Dlog:   conn.srv.Dlog,
			Elog:   conn.srv.Elog,
			Wlog:   conn.srv.Wlog,
		},
	}

	go conn.dispatchLoop(disp)

	for {
		var frame rpc.Frame
		err := conn.dec.Decode(&frame)
		if err != nil {
			if err != io.EOF {
				conn.srv.LogError(err)
			}
			break
		}
		if frame.IsRequest() {
			conn.enqueue(&rpc.Request{Method: frame.Method, Args: frame.Args, Id: frame.Id})
		} else {
			conn.deliver(frame.Response())
		}
	}

	conn.shutdown()

	view, ok := conn.srv.registry.Remove(conn.addr)
	if ok {
		if view.Checked && view.User != "" {
			conn.srv.registry.unregisterEps(view, conn.srv.project.UnregisterEp)
		}
		hello := view.Hello
		if hello != "" {
			hello += " - "
		}
		conn.srv.Log("Disconnected from `%s%s`, after `%.2f` seconds.",
			hello, conn.addr, time.Since(view.ConnectedAt).Seconds())
	}
	conn.Close()
}

// shutdown wakes the dispatch worker and fails every in-flight upcall
// on this connection.
func (conn *SrvConn) shutdown() {
	conn.closeOnce.Do(func() { close(conn.closed) })
	conn.qmu.Lock()
	conn.done = true
	conn.qcond.Broadcast()
	conn.qmu.Unlock()
}

func (conn *SrvConn) enqueue(req *rpc.Request) {
	conn.qmu.Lock()
	conn.queue = append(conn.queue, req)
	conn.qcond.Signal()
	conn.qmu.Unlock()
}

// dispatchLoop executes inbound requests in arrival order. Disconnect
// cancels requests not yet started; results of calls already in flight
// elsewhere are discarded by the peers that issued them.
func (conn *SrvConn) dispatchLoop(disp *Disp) {
	for {
		conn.qmu.Lock()
		for len(conn.queue) == 0 && !conn.done {
			conn.qcond.Wait()
		}
		if conn.done {
			conn.qmu.Unlock()
			return
		}
		req := conn.queue[0]
		conn.queue = conn.queue[1:]
		conn.qmu.Unlock()

		result, err := conn.dispatch(disp, req.Method, req.Args)
		if err := conn.sendResponse(newResponse(result, err, req.Id)); err != nil {
			conn.Close()
			return
		}
	}
}

// deliver routes a response frame to the upcall waiting on it.
func (conn *SrvConn) deliver(resp *rpc.Response) {
	conn.pmu.Lock()
	ch, ok := conn.pending[resp.Id]
	if ok {
		delete(conn.pending, resp.Id)
	}
	conn.pmu.Unlock()
	if ok {
		ch <- resp
	}
}

// dispatch resolves and invokes one exposed method. Every failure mode
// is reported to the caller; a panic inside a delegate is caught here
// so the hub never crashes on a request.
func (conn *SrvConn) dispatch(
	disp *Disp,
	method string,
	args []interface{},
) (result any, err error) {

	m, ok := conn.srv.m[method]
	if !ok {
		return nil, &rpc.MethErr{Name: method}
	}

	defer func() {
		if r := recover(); r != nil {
			trace := debug.Stack()
			if len(trace) > 1024 {
				trace = trace[:1024]
			}
			conn.srv.Elog.Printf("Internal error in %s: %v\n%s", method, r, trace)
			result = rpc.Errorf("internal error in `%s`", method)
			err = nil
		}
	}()

	typ := m.Func.Type()

	//Number of args are equal?
	if len(args) != typ.NumIn()-1 {
		return nil, &rpc.ArgNErr{Method: method, Len: len(args), Elen: typ.NumIn() - 1}
	}

	//validate arguments
	//prepending the first argument *Disp
	vals := make([]reflect.Value, len(args)+1)
	vals[0] = reflect.ValueOf(disp)
	for i, v := range args {
		t1 := reflect.TypeOf(v)
		t2 := typ.In(i + 1)
		if t1 != t2 {
			if t1 == nil || !t1.ConvertibleTo(t2) {
				return nil, &rpc.ArgErr{Method: method, Farg: v, Typ: fmt.Sprintf("%T", v), Etyp: t2.Name()}
			}
			vals[i+1] = reflect.ValueOf(v).Convert(t2)
		} else {
			vals[i+1] = reflect.ValueOf(v)
		}
	}

	//call the function
	rets := m.Func.Call(vals)
	rerr, ok := rets[1].Interface().(error)
	if ok {
		return rets[0].Interface(), rerr
	}

	return rets[0].Interface(), nil
}

// Call issues an upcall on the peer's exposed interface and waits for
// its response, bounded by the configured deadline. It never runs
// under the registry lock.
func (conn *SrvConn) Call(method string, args ...interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}

	conn.pmu.Lock()
	conn.nextId++
	id := conn.nextId
	ch := make(chan *rpc.Response, 1)
	conn.pending[id] = ch
	conn.pmu.Unlock()

	drop := func() {
		conn.pmu.Lock()
		delete(conn.pending, id)
		conn.pmu.Unlock()
	}

	if err := conn.sendRequest(&rpc.Request{Method: method, Args: args, Id: id}); err != nil {
		drop()
		return nil, err
	}

	timeout := conn.srv.Config.UpcallTimeout
	if timeout == 0 {
		timeout = twister.DefaultUpcallTimeout
	}

	select {
	case resp := <-ch:
		if errStr, ok := resp.Error.(string); ok && errStr != "" {
			return resp.Result, fmt.Errorf("%s", errStr)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		drop()
		return nil, fmt.Errorf("upcall %s on `%s` timed out", method, conn.addr)
	case <-conn.closed:
		drop()
		return nil, fmt.Errorf("connection `%s` closed during upcall %s", conn.addr, method)
	}
}
