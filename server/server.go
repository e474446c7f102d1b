// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io/ioutil"
	"log"
	"log/syslog"
	"net"
	"reflect"
	"time"
	"unicode"

	"github.com/ctgriffiths/twister"
	"github.com/ctgriffiths/twister/common"
	"github.com/ctgriffiths/twister/project"
	"github.com/ctgriffiths/twister/resource"
)

type Srv struct {
	net.Listener
	m        map[string]reflect.Method
	registry *Registry
	project  project.Model
	tb       *resource.Tree
	sut      *resource.Tree
	Dlog     *log.Logger
	Elog     *log.Logger
	Wlog     *log.Logger
	Config   *twister.Config
}

// treeSaver adapts the project model's resource persistence to the
// reservation engine's Saver.
type treeSaver struct {
	project project.Model
}

func (s treeSaver) Save(kind string, root *resource.Node, user string) error {
	return s.project.SaveResources(kind, root, user)
}

func loadTree(p project.Model, kind, alias string, elog *log.Logger) *resource.Tree {
	root, err := p.LoadResources(kind)
	if err != nil {
		elog.Printf("cannot load %s resources: %s", kind, err)
		root = nil
	}
	return resource.NewTree(kind, alias, root, treeSaver{project: p}, elog)
}

func NewSrv(
	l net.Listener,
	p project.Model,
	config *twister.Config,
	elog *log.Logger,
) *Srv {
	dlog, err := twister.NewLogger(syslog.LOG_DEBUG|syslog.LOG_DAEMON, 0)
	if err != nil {
		elog.Println(err)
		dlog = log.New(ioutil.Discard, "", 0)
	}

	wlog, err := twister.NewLogger(syslog.LOG_WARNING|syslog.LOG_DAEMON, 0)
	if err != nil {
		elog.Println(err)
		wlog = log.New(ioutil.Discard, "", 0)
	}

	if config.UpcallTimeout == 0 {
		config.UpcallTimeout = twister.DefaultUpcallTimeout
	}

	s := &Srv{
		Listener: l,
		m:        make(map[string]reflect.Method),
		registry: NewRegistry(dlog, elog),
		project:  p,
		tb:       loadTree(p, "testbed", "tb", elog),
		sut:      loadTree(p, "sut", "sut", elog),
		Dlog:     dlog,
		Elog:     elog,
		Wlog:     wlog,
		Config:   config,
	}

	t := reflect.TypeOf(new(Disp))
	for m := 0; m < t.NumMethod(); m++ {
		meth := t.Method(m)
		ftype := meth.Func.Type()
		if unicode.IsLower(rune(meth.Name[0])) {
			//only exported methods
			continue
		}
		if ftype.NumOut() != 2 {
			//with 2 return values
			continue
		}
		if ftype.Out(1).Name() != "error" {
			//whose second return value is an error
			continue
		}

		s.m[meth.Name] = meth
	}
	return s
}

//Serve is the server main loop. It accepts connections and spawns a goroutine to handle that connection.
func (s *Srv) Serve() error {
	var err error
	for {
		conn, err := s.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Temporary() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			s.LogError(err)
			break
		}
		sconn := s.NewConn(conn)

		go sconn.Handle()
	}
	return err
}

// Registry exposes the connection table, mainly for tests and the
// reverse dispatcher.
func (s *Srv) Registry() *Registry {
	return s.registry
}

//Log is a common place to do debug logging so that the implementation may change in the future.
func (d *Srv) Log(fmt string, v ...interface{}) {
	if !common.LoggingIsEnabledAtLevel(common.LevelDebug) {
		return
	}
	d.Dlog.Printf(fmt, v...)
}

//LogError logs an error if the passed in value is non nil
func (d *Srv) LogError(err error) {
	if err != nil {
		d.Elog.Printf("%s", err)
	}
}

func (d *Srv) LogFatal(err error) {
	if err != nil {
		d.Elog.Fatal(err)
	}
}
