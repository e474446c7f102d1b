// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"testing"
)

func okReg(user, ep string) bool { return true }
func noReg(user, ep string) bool { return false }

func newTestRegistry() *Registry {
	return NewRegistry(nil, nil)
}

func addSession(r *Registry, addr, hello, user string, checked bool) {
	r.Insert(addr, nil)
	r.SetHello(addr, hello, nil)
	r.SetLogin(addr, user, checked)
}

// ownershipCount counts how many sessions contain (user, ep) in their
// eps set.
func ownershipCount(r *Registry, user, ep string) int {
	n := 0
	for _, v := range r.Snapshot() {
		if v.User == user && v.HasEp(ep) {
			n++
		}
	}
	return n
}

func TestRegistryInsertRemove(t *testing.T) {
	r := newTestRegistry()
	r.Insert("10.0.0.7:51000", nil)

	if _, ok := r.Get("10.0.0.7:51000"); !ok {
		t.Fatal("inserted session not found")
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected registry size %d", r.Len())
	}

	v, ok := r.Remove("10.0.0.7:51000")
	if !ok || v.Addr != "10.0.0.7:51000" {
		t.Fatalf("remove returned %v, %v", v, ok)
	}
	if _, ok := r.Get("10.0.0.7:51000"); ok {
		t.Fatal("session still present after remove")
	}
	if _, ok := r.Remove("10.0.0.7:51000"); ok {
		t.Fatal("second remove unexpectedly succeeded")
	}
}

func TestHelloStripsReservedKeys(t *testing.T) {
	r := newTestRegistry()
	r.Insert("10.0.0.7:51000", nil)

	r.SetHello("10.0.0.7:51000", "client:manager", map[string]interface{}{
		"user":    "mallory",
		"checked": true,
		"eps":     []interface{}{"stolen"},
		"version": "3.0",
	})

	v, _ := r.Get("10.0.0.7:51000")
	if v.User != "" || v.Checked {
		t.Fatalf("hello forged identity: %+v", v)
	}
	if len(v.Eps) != 0 {
		t.Fatalf("hello forged eps: %v", v.Eps)
	}
	if v.Role() != "client" {
		t.Fatalf("unexpected role %q", v.Role())
	}
}

func TestRegisterEpsRequiresLogin(t *testing.T) {
	r := newTestRegistry()
	r.Insert("10.0.0.7:51000", nil)

	err := r.RegisterEps("10.0.0.7:51000", []string{"ep-1"}, okReg)
	if err == nil {
		t.Fatal("registration without login unexpectedly succeeded")
	}
}

func TestRegisterEpsAllRefused(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)

	err := r.RegisterEps("10.0.0.7:51000", []string{"ep-1", "ep-2"}, noReg)
	if err == nil {
		t.Fatal("registration with every EP refused unexpectedly succeeded")
	}
}

func TestOwnershipUniqueness(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)
	addSession(r, "10.0.0.8:51000", "client", "alice", true)
	addSession(r, "10.0.0.9:51000", "client", "bob", true)

	ops := []struct {
		addr string
		eps  []string
	}{
		{"10.0.0.7:51000", []string{"ep-a", "ep-b"}},
		{"10.0.0.8:51000", []string{"ep-b", "ep-c"}},
		{"10.0.0.9:51000", []string{"ep-a"}},
		{"10.0.0.7:51000", []string{"ep-c"}},
	}
	for _, op := range ops {
		if err := r.RegisterEps(op.addr, op.eps, okReg); err != nil {
			t.Fatalf("register %v on %s: %v", op.eps, op.addr, err)
		}
	}

	for _, user := range []string{"alice", "bob"} {
		for _, ep := range []string{"ep-a", "ep-b", "ep-c"} {
			if n := ownershipCount(r, user, ep); n > 1 {
				t.Errorf("(%s, %s) owned by %d sessions", user, ep, n)
			}
		}
	}
}

func TestOwnershipTransfer(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)
	addSession(r, "10.0.0.8:51000", "client", "alice", true)

	if err := r.RegisterEps("10.0.0.7:51000", []string{"ep-x"}, okReg); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterEps("10.0.0.8:51000", []string{"ep-x"}, okReg); err != nil {
		t.Fatal(err)
	}

	a, _ := r.Get("10.0.0.7:51000")
	b, _ := r.Get("10.0.0.8:51000")
	if a.HasEp("ep-x") {
		t.Error("ep-x still owned by the first session")
	}
	if !b.HasEp("ep-x") {
		t.Error("ep-x not owned by the second session")
	}

	addr, ok := r.FindOwner("alice", "ep-x")
	if !ok || addr != "10.0.0.8:51000" {
		t.Errorf("FindOwner returned %q, %v", addr, ok)
	}
}

func TestFindOwnerScoping(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)
	addSession(r, "10.0.0.8:51000", "client", "bob", true)

	if err := r.RegisterEps("10.0.0.7:51000", []string{"ep-x"}, okReg); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterEps("10.0.0.8:51000", []string{"ep-x"}, okReg); err != nil {
		t.Fatal(err)
	}

	// Same EP name under two users is two independent ownerships.
	if addr, _ := r.FindOwner("alice", "ep-x"); addr != "10.0.0.7:51000" {
		t.Errorf("alice's ep-x resolved to %q", addr)
	}
	if addr, _ := r.FindOwner("bob", "ep-x"); addr != "10.0.0.8:51000" {
		t.Errorf("bob's ep-x resolved to %q", addr)
	}
	if _, ok := r.FindOwner("carol", "ep-x"); ok {
		t.Error("unknown user unexpectedly resolved")
	}
}

func TestRegisteredEpsRoleFilter(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)
	addSession(r, "10.0.0.8:51000", "client:manager", "alice", true)
	addSession(r, "10.0.0.9:51000", "ep", "alice", true)

	r.RegisterEps("10.0.0.7:51000", []string{"ep-a"}, okReg)
	r.RegisterEps("10.0.0.8:51000", []string{"ep-b"}, okReg)

	// The ep-role session never owns EPs, but force the shape anyway
	// to prove the role filter, not just the empty set.
	r.mu.Lock()
	r.conns["10.0.0.9:51000"].eps = []string{"ep-c"}
	r.mu.Unlock()

	got := r.RegisteredEps("alice")
	want := []string{"ep-a", "ep-b"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("RegisteredEps = %v, want %v", got, want)
	}
}

func TestUnregisterEpsBatchContinues(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)
	r.RegisterEps("10.0.0.7:51000", []string{"ep-a", "ep-b"}, okReg)

	failing := func(user, ep string) error {
		if ep == "ep-a" {
			return errors.New("backend refused")
		}
		return nil
	}
	if err := r.UnregisterEps("10.0.0.7:51000", []string{"ep-a", "ep-b"}, failing); err != nil {
		t.Fatal(err)
	}

	v, _ := r.Get("10.0.0.7:51000")
	if len(v.Eps) != 0 {
		t.Errorf("eps left after batch unregister: %v", v.Eps)
	}
}

func TestDisconnectCleanup(t *testing.T) {
	r := newTestRegistry()
	addSession(r, "10.0.0.7:51000", "client", "alice", true)
	r.RegisterEps("10.0.0.7:51000", []string{"ep-a", "ep-b"}, okReg)

	v, ok := r.Remove("10.0.0.7:51000")
	if !ok {
		t.Fatal("remove failed")
	}
	unregistered := []string{}
	r.unregisterEps(v, func(user, ep string) error {
		unregistered = append(unregistered, user+"/"+ep)
		return nil
	})

	if len(unregistered) != 2 {
		t.Errorf("unregistered %v, want both EPs", unregistered)
	}
	if _, ok := r.FindOwner("alice", "ep-a"); ok {
		t.Error("ep-a still owned after disconnect")
	}
	if r.Len() != 0 {
		t.Errorf("registry size %d after disconnect", r.Len())
	}
}
