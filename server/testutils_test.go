// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io/ioutil"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ctgriffiths/twister"
	"github.com/ctgriffiths/twister/client"
	"github.com/ctgriffiths/twister/project"
	"github.com/ctgriffiths/twister/resource"
)

// fakeProject is the project model used by the server tests: the Local
// model with authentication, home resolution and EP registration under
// test control.
type fakeProject struct {
	*project.Local

	mu           sync.Mutex
	homes        string
	passwords    map[string]string
	refuseEps    bool
	registered   map[string]int
	unregistered map[string]int
	resources    map[string]*resource.Node
}

func newFakeProject(t *testing.T) *fakeProject {
	t.Helper()
	dir := t.TempDir()
	fp := &fakeProject{
		Local:        project.NewLocal(dir),
		homes:        filepath.Join(dir, "homes"),
		passwords:    map[string]string{"alice": "pw", "bob": "pw2"},
		registered:   make(map[string]int),
		unregistered: make(map[string]int),
		resources:    make(map[string]*resource.Node),
	}
	fp.Local.HomeLookup = fp.UserHome
	return fp
}

func (p *fakeProject) CheckPasswd(user, passwd string) bool {
	want, ok := p.passwords[user]
	return ok && want == passwd
}

func (p *fakeProject) UserHome(user string) string {
	return filepath.Join(p.homes, user)
}

// addUser creates the per-user twister layout required by Login.
func (p *fakeProject) addUser(t *testing.T, user string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(p.UserHome(user), "twister"), 0755); err != nil {
		t.Fatal(err)
	}
}

func (p *fakeProject) RegisterEp(user, ep string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuseEps {
		return false
	}
	p.registered[user+"/"+ep]++
	p.Local.RegisterEp(user, ep)
	return true
}

func (p *fakeProject) UnregisterEp(user, ep string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregistered[user+"/"+ep]++
	return p.Local.UnregisterEp(user, ep)
}

func (p *fakeProject) LoadResources(kind string) (*resource.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resources[kind], nil
}

func (p *fakeProject) SaveResources(kind string, root *resource.Node, user string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[kind] = root
	return nil
}

// newTestSrv starts a hub on an ephemeral port and returns it together
// with its address and project model.
func newTestSrv(t *testing.T) (*Srv, string, *fakeProject) {
	t.Helper()

	fp := newFakeProject(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	config := &twister.Config{
		TwisterPath:   fp.Local.TwisterPath(),
		Listen:        l.Addr().String(),
		UpcallTimeout: 2 * time.Second,
	}

	elog := log.New(ioutil.Discard, "", 0)
	srv := NewSrv(l, fp, config, elog)
	go srv.Serve()
	t.Cleanup(func() { l.Close() })

	return srv, l.Addr().String(), fp
}

func dialClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

// loginClient dials, declares the client role, and authenticates.
func loginClient(t *testing.T, addr, hello, user, passwd string) *client.Client {
	t.Helper()
	c := dialClient(t, addr)
	if _, err := c.Hello(hello, nil); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Login(user, passwd)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("login failed for %s", user)
	}
	return c
}

// waitFor polls until the condition holds or the deadline passes;
// used where the effect of a disconnect lands asynchronously.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
