// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"os"
	"path/filepath"
)

// Authentication gate. Identity is established at the application
// layer: a session stays anonymous until a successful Login, and every
// exposed operation re-checks through checkLogin. Denials surface as
// the protocol-level `false`, never as a crash.

// Login verifies the credentials against the project model and flips
// the caller's session to authenticated. A user without a twister
// layout under their home directory cannot log in.
func (d *Disp) Login(user, passwd string) (interface{}, error) {
	resp := d.srv.project.CheckPasswd(user, passwd)

	home := d.srv.project.UserHome(user)
	if _, err := os.Stat(filepath.Join(home, "twister")); err != nil {
		d.ctx.Elog.Printf("Cannot find Twister for user `%s`, in path `%s/twister`!", user, home)
		d.srv.registry.SetLogin(d.ctx.Addr, "", false)
		return false, nil
	}

	// An unauthenticated session never carries a user name.
	if resp {
		d.srv.registry.SetLogin(d.ctx.Addr, user, true)
	} else {
		d.srv.registry.SetLogin(d.ctx.Addr, "", false)
	}

	outcome := "failure"
	if resp {
		outcome = "success"
	}
	d.ctx.Dlog.Printf("User login: `%s`: %s.", user, outcome)
	return resp, nil
}

// checkLogin resolves the caller's user from the session bound to the
// transport address. It returns the empty string for a missing or
// unauthenticated session; callers translate that to the denial
// sentinel.
func (d *Disp) checkLogin() string {
	return d.srv.registry.User(d.ctx.Addr)
}
