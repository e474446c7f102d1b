// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Per-user log access. Logs live in the user's home directory; when
// the hub runs privileged, reads and writes happen in a short process
// started in the name of the user, so the files keep belonging to
// them. This is done by execing cat/tee, avoiding the need to use
// LockOSThread() / UnlockOSThread() and adjust the effective UID.

// newCommandAsUser builds a command that runs with the credentials of
// the given user when the hub itself is privileged enough to switch.
func newCommandAsUser(user string, argv []string) (*exec.Cmd, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if os.Getuid() != 0 {
		return cmd, nil
	}
	u, err := osuser.Lookup(user)
	if err != nil {
		return nil, err
	}
	uid, _ := strconv.ParseUint(u.Uid, 10, 32)
	gid, _ := strconv.ParseUint(u.Gid, 10, 32)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	return cmd, nil
}

// Implements the ReadCloser interface around the stdout stream of a
// process executed as the given user.
type userProcessReader struct {
	stdout_r *io.PipeReader
	stdout_w *io.PipeWriter
	stderr   bytes.Buffer
	cmd      *exec.Cmd
}

func newUserFileReader(user, file string) (*userProcessReader, error) {
	cmd, err := newCommandAsUser(user, []string{"cat", file})
	if err != nil {
		return nil, err
	}
	r := &userProcessReader{cmd: cmd}
	r.stdout_r, r.stdout_w = io.Pipe()
	r.cmd.Stdout = r.stdout_w
	r.cmd.Stderr = &r.stderr
	return r, nil
}

func (r *userProcessReader) run() error {
	if r.cmd.Process != nil {
		// Already running
		return nil
	}

	err := r.cmd.Start()
	if err != nil {
		return err
	}

	// Wait for the process to exit in a separate goroutine, then close
	// the pipe so the reader doesn't block forever. A process failure
	// closes the write side with a representation of the error instead
	// of io.EOF, making the reader aware something went wrong.
	go func() {
		err := r.cmd.Wait()
		if err != nil && r.stderr.Len() > 0 {
			err = fmt.Errorf("%s", strings.TrimSpace(r.stderr.String()))
		}
		r.stdout_w.CloseWithError(err)
	}()

	return nil
}

func (r *userProcessReader) Read(buf []byte) (int, error) {
	if err := r.run(); err != nil {
		return 0, err
	}

	return r.stdout_r.Read(buf)
}

func (r *userProcessReader) Close() error {
	if r.cmd.Process != nil {
		r.cmd.Process.Kill()
	}
	r.stdout_r.Close()
	r.stdout_w.Close()
	return nil
}

// readLogFile reads a user log from offset fstart, in the name of the
// user. When read is false it returns the size instead of the content.
func (d *Disp) readLogFile(user string, read bool, fstart int, filename string) (interface{}, error) {
	path, err := d.srv.project.LogPath(user, filename)
	if err != nil {
		return errResult(err)
	}

	r, err := newUserFileReader(user, path)
	if err != nil {
		return errResult(err)
	}
	defer r.Close()

	data, err := ioutil.ReadAll(r)
	if err != nil {
		return errResult(err)
	}
	if fstart > 0 {
		if fstart >= len(data) {
			return "", nil
		}
		data = data[fstart:]
	}
	if !read {
		// Caller only wants the current size, to tail the file later.
		return fstart + len(data), nil
	}
	return string(data), nil
}

// writeLogMessage appends a message to a user log in the name of the
// user.
func (d *Disp) writeLogMessage(user, logType, msg string) (interface{}, error) {
	path, err := d.srv.project.LogPath(user, logType)
	if err != nil {
		return errResult(err)
	}

	// Create the log directory as the user, so it belongs to them.
	mkdir, err := newCommandAsUser(user, []string{"mkdir", "-p", filepath.Dir(path)})
	if err != nil {
		return errResult(err)
	}
	if out, err := mkdir.CombinedOutput(); err != nil {
		if len(out) > 0 {
			return errResult(fmt.Errorf("%s", strings.TrimSpace(string(out))))
		}
		return errResult(err)
	}

	cmd, err := newCommandAsUser(user, []string{"tee", "-a", path})
	if err != nil {
		return errResult(err)
	}
	cmd.Stdin = strings.NewReader(msg)
	cmd.Stdout = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return errResult(fmt.Errorf("%s", strings.TrimSpace(stderr.String())))
		}
		return errResult(err)
	}
	return true, nil
}
