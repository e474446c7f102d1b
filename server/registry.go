// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io/ioutil"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Peer is the remote-exposed interface reachable over a live
// connection. Upcalls are issued through it with no registry lock
// held.
type Peer interface {
	Call(method string, args ...interface{}) (interface{}, error)
}

// Session is the record for one live connection. It is owned by the
// Registry; everything outside the registry works on SessionView
// copies.
type Session struct {
	addr        string
	hello       string
	user        string
	checked     bool
	eps         []string
	extra       map[string]interface{}
	connectedAt time.Time
	lastSeen    time.Time
	peer        Peer
}

// role returns the declared role: the hello string up to an optional
// ':' sub-qualifier.
func (s *Session) role() string {
	if i := strings.Index(s.hello, ":"); i >= 0 {
		return s.hello[:i]
	}
	return s.hello
}

func (s *Session) hasEp(name string) bool {
	for _, e := range s.eps {
		if e == name {
			return true
		}
	}
	return false
}

// SessionView is a stable copy of a Session, safe to use after the
// registry lock is dropped. The peer handle is shared by design: it is
// the snapshot the reverse dispatcher calls through.
type SessionView struct {
	Addr        string
	Hello       string
	User        string
	Checked     bool
	Eps         []string
	ConnectedAt time.Time
	Peer        Peer
}

func (v *SessionView) Role() string {
	if i := strings.Index(v.Hello, ":"); i >= 0 {
		return v.Hello[:i]
	}
	return v.Hello
}

func (v *SessionView) HasEp(name string) bool {
	for _, e := range v.Eps {
		if e == name {
			return true
		}
	}
	return false
}

func (s *Session) view() SessionView {
	eps := make([]string, len(s.eps))
	copy(eps, s.eps)
	return SessionView{
		Addr:        s.addr,
		Hello:       s.hello,
		User:        s.user,
		Checked:     s.checked,
		Eps:         eps,
		ConnectedAt: s.connectedAt,
		Peer:        s.peer,
	}
}

// Registry is a monitor over the table of live connections, keyed by
// transport address. All methods are protected by one mutex; critical
// sections are small and never perform upcalls.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Session
	Dlog  *log.Logger
	Elog  *log.Logger
}

func NewRegistry(dlog, elog *log.Logger) *Registry {
	if dlog == nil {
		dlog = log.New(ioutil.Discard, "", 0)
	}
	if elog == nil {
		elog = log.New(ioutil.Discard, "", 0)
	}
	return &Registry{
		conns: make(map[string]*Session),
		Dlog:  dlog,
		Elog:  elog,
	}
}

// Insert adds a fresh, unauthenticated record for an accepted
// connection.
func (r *Registry) Insert(addr string, peer Peer) {
	now := time.Now()
	r.mu.Lock()
	r.conns[addr] = &Session{
		addr:        addr,
		extra:       make(map[string]interface{}),
		connectedAt: now,
		lastSeen:    now,
		peer:        peer,
	}
	r.mu.Unlock()
	r.Dlog.Printf("Connected from `%s`.", addr)
}

// Remove snapshots and deletes the record in a single lock scope, so
// disconnect cleanup never races a concurrent mutation of the same
// record.
func (r *Registry) Remove(addr string) (SessionView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[addr]
	if !ok {
		return SessionView{}, false
	}
	v := s.view()
	delete(r.conns, addr)
	return v, true
}

// Get returns a stable copy of one record.
func (r *Registry) Get(addr string) (SessionView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[addr]
	if !ok {
		return SessionView{}, false
	}
	return s.view(), true
}

// User returns the authenticated user of a connection, or the empty
// string when the session is missing or not authenticated.
func (r *Registry) User(addr string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[addr]
	if !ok || !s.checked || s.user == "" {
		return ""
	}
	s.lastSeen = time.Now()
	return s.user
}

// SetHello merges the declared role and extra metadata into a record.
// The reserved keys are stripped so a peer can never forge identity or
// ownership state through hello.
func (r *Registry) SetHello(addr, hello string, extra map[string]interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[addr]
	if !ok {
		return false
	}
	for k, v := range extra {
		switch k {
		case "peer", "user", "authenticated", "checked", "eps":
			continue
		}
		s.extra[k] = v
	}
	s.hello = hello
	s.lastSeen = time.Now()
	return true
}

// SetLogin records the outcome of an authentication attempt.
func (r *Registry) SetLogin(addr, user string, checked bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[addr]
	if !ok {
		return false
	}
	s.user = user
	s.checked = checked
	s.lastSeen = time.Now()
	return true
}

// Snapshot returns stable copies of every record for safe iteration
// without holding the lock for the duration of a dispatch.
func (r *Registry) Snapshot() []SessionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionView, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// FindFirst returns the first snapshot entry matching the predicate.
func (r *Registry) FindFirst(pred func(*SessionView) bool) (SessionView, bool) {
	for _, v := range r.Snapshot() {
		if pred(&v) {
			return v, true
		}
	}
	return SessionView{}, false
}

// Len is used by tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
