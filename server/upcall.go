// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"strings"
)

// Reverse dispatcher: given a logical target (user, role, optional
// address hint, optional EP name), select a live session from the
// registry snapshot and issue an upcall on its peer-exposed interface.
// The upcall itself always runs with no locks held; a concurrent
// disconnect of the target surfaces as a failed upcall and is
// reported, never retried.

// findConnection returns the first snapshot entry for the user that
// matches every non-empty filter. The role matches the exact hello or
// its prefix before ':'; the address hint matches on host only; the EP
// name must be owned by the session.
func (s *Srv) findConnection(user, role string, addr []string, epname string) (SessionView, bool) {
	return s.registry.FindFirst(func(v *SessionView) bool {
		// Skip invalid connections, without log-in, or without hello
		if v.User == "" || !v.Checked || v.Hello == "" {
			return false
		}
		if v.User != user {
			return false
		}
		if role != "" && v.Role() != role && v.Hello != role {
			return false
		}
		if len(addr) > 0 {
			host := v.Addr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			if !contains(addr, host) {
				return false
			}
		}
		if epname != "" && !v.HasEp(epname) {
			return false
		}
		return true
	})
}

// StartEpForUser routes a start command to the client owning the EP.
// It also serves callers that have no session of their own, which is
// why the user arrives as an explicit parameter.
func (s *Srv) StartEpForUser(user, epname string) (interface{}, error) {
	if user == "" {
		return false, nil
	}
	view, ok := s.findConnection(user, "client", nil, epname)
	if !ok || view.Peer == nil {
		s.Elog.Printf("Unknown Execution Process: `%s`! The project will not run.", epname)
		return false, nil
	}
	result, err := view.Peer.Call("StartEp", epname)
	if err != nil {
		s.Elog.Printf("Error: Start EP error: %s", err)
		return false, nil
	}
	s.Dlog.Printf("Starting `%s:%s`..... %v !", user, epname, result)
	return result, nil
}

// StopEpForUser routes a stop command to the client owning the EP.
func (s *Srv) StopEpForUser(user, epname string) (interface{}, error) {
	if user == "" {
		return false, nil
	}
	view, ok := s.findConnection(user, "client", nil, epname)
	if !ok || view.Peer == nil {
		s.Elog.Printf("Unknown Execution Process: `%s`! Cannot stop the EP.", epname)
		return false, nil
	}
	result, err := view.Peer.Call("StopEp", epname)
	if err != nil {
		s.Elog.Printf("Error: Stop EP error: %s", err)
		return false, nil
	}
	s.Dlog.Printf("Stopping `%s:%s`..... %v !", user, epname, result)
	return result, nil
}

//Start EP for client.
func (d *Disp) StartEp(epname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.srv.StartEpForUser(user, epname)
}

//Stop EP for client.
func (d *Disp) StopEp(epname string) (interface{}, error) {
	user := d.checkLogin()
	if user == "" {
		return denied()
	}
	return d.srv.StopEpForUser(user, epname)
}
