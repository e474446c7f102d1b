// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"sort"
)

// EP ownership ledger. Ownership of a (user, ep-name) pair is the
// presence of the name in exactly one session's eps set; these methods
// keep that invariant under the registry lock.

// RegisterEps makes the session at addr the owner of the given EP
// names. Each name is first registered with the project model through
// reg; if every name is refused the whole batch fails. Names owned by
// other sessions of the same user are transferred here atomically.
func (r *Registry) RegisterEps(addr string, eps []string, reg func(user, ep string) bool) error {
	eps = sortedUnique(eps)
	if len(eps) == 0 {
		return fmt.Errorf("can only register a list of EP names")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.conns[addr]
	if !ok {
		return fmt.Errorf("cannot identify the remote address")
	}
	if !s.checked || s.user == "" {
		return fmt.Errorf("session `%s` is not logged in", addr)
	}

	registered := 0
	for _, ep := range eps {
		if reg(s.user, ep) {
			registered++
		}
	}
	if registered == 0 {
		return fmt.Errorf("the EPs were not registered")
	}

	// Transfer ownership away from every other session of this user.
	for caddr, c := range r.conns {
		if caddr == addr || c.user != s.user || !c.checked || len(c.eps) == 0 {
			continue
		}
		kept := c.eps[:0]
		var moved []string
		for _, e := range c.eps {
			if contains(eps, e) {
				moved = append(moved, e)
			} else {
				kept = append(kept, e)
			}
		}
		if len(moved) > 0 {
			c.eps = kept
			r.Dlog.Printf("Un-register EP list %v from `%s` and register them on `%s`.",
				moved, caddr, addr)
		}
	}

	s.eps = eps
	r.Dlog.Printf("Registered client manager for user `%s` -> Client from `%s` ++ %v.",
		s.user, addr, eps)
	return nil
}

// UnregisterEps removes the given names (all owned names when the list
// is empty) from the session at addr. Individual project-model
// failures are logged and do not abort the batch.
func (r *Registry) UnregisterEps(addr string, eps []string, unreg func(user, ep string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.conns[addr]
	if !ok {
		return fmt.Errorf("cannot identify the remote address")
	}
	if !s.checked || s.user == "" {
		return fmt.Errorf("session `%s` is not logged in", addr)
	}
	if len(eps) == 0 {
		eps = s.eps
	}
	r.unregisterLocked(s, sortedUnique(eps), unreg)
	return nil
}

// unregisterEps is the disconnect-path variant, fed from the snapshot
// taken when the record was removed.
func (r *Registry) unregisterEps(v SessionView, unreg func(user, ep string) error) {
	for _, ep := range v.Eps {
		if err := unreg(v.User, ep); err != nil {
			r.Elog.Printf("Error un-register EP `%s`: %s", ep, err)
		}
	}
	if len(v.Eps) > 0 {
		r.Dlog.Printf("Un-registered EPs for user `%s` -> Client from `%s` -- %v.",
			v.User, v.Addr, v.Eps)
	}
}

func (r *Registry) unregisterLocked(s *Session, eps []string, unreg func(user, ep string) error) {
	for _, ep := range eps {
		if err := unreg(s.user, ep); err != nil {
			r.Elog.Printf("Error un-register EP `%s`: %s", ep, err)
		}
	}
	kept := s.eps[:0]
	for _, e := range s.eps {
		if !contains(eps, e) {
			kept = append(kept, e)
		}
	}
	s.eps = kept
	r.Dlog.Printf("Un-registered EPs for user `%s` -> Client from `%s` -- %v.",
		s.user, s.addr, eps)
}

// FindOwner locates the session currently owning (user, ep).
func (r *Registry) FindOwner(user, ep string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, s := range r.conns {
		if s.user == user && s.checked && s.hasEp(ep) {
			return addr, true
		}
	}
	return "", false
}

// RegisteredEps returns the union of EP names owned by the user's
// authenticated client sessions.
func (r *Registry) RegisteredEps(user string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, s := range r.conns {
		if s.user != user || !s.checked || s.role() != "client" {
			continue
		}
		for _, e := range s.eps {
			seen[e] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, elem string) bool {
	for _, v := range list {
		if v == elem {
			return true
		}
	}
	return false
}
