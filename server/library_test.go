// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctgriffiths/twister/client"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// untar extracts entry name -> content from a gzipped tar archive.
func untar(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]string)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = buf.String()
	}
	return out
}

// Scenario: library download with a deep path falls through to the
// global root and comes back as a gzipped archive of the subtree.
func TestDownloadLibraryDeepGlobalPath(t *testing.T) {
	srv, addr, fp := newTestSrv(t)
	fp.addUser(t, "alice")

	writeFile(t, filepath.Join(srv.Config.TwisterPath, "lib", "net", "utils", "x.py"), "CONTENT-X")

	c := loginClient(t, addr, "client", "alice", "pw")
	data, err := c.DownloadLibrary("net/utils/x.py")
	if err != nil {
		t.Fatal(err)
	}
	entries := untar(t, data)
	if entries["net/utils/x.py"] != "CONTENT-X" {
		t.Fatalf("archive entries = %v", entries)
	}
}

// A root-level global file is returned raw.
func TestDownloadLibraryGlobalFileRaw(t *testing.T) {
	srv, addr, fp := newTestSrv(t)
	fp.addUser(t, "alice")

	writeFile(t, filepath.Join(srv.Config.TwisterPath, "lib", "top.py"), "TOP-LIB")

	c := loginClient(t, addr, "client", "alice", "pw")
	data, err := c.DownloadLibrary("top.py")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "TOP-LIB" {
		t.Fatalf("content = %q", data)
	}
}

// A user-local root file wins over the global root.
func TestDownloadLibraryUserRootFirst(t *testing.T) {
	srv, addr, fp := newTestSrv(t)
	fp.addUser(t, "alice")

	writeFile(t, filepath.Join(srv.Config.TwisterPath, "lib", "dual.py"), "GLOBAL")
	writeFile(t, filepath.Join(fp.UserHome("alice"), "twister", "lib", "dual.py"), "USER")

	c := loginClient(t, addr, "client", "alice", "pw")
	data, err := c.DownloadLibrary("dual.py")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "USER" {
		t.Fatalf("content = %q", data)
	}
}

// A path missing from every root is the invalid-path error.
func TestDownloadLibraryMissing(t *testing.T) {
	_, addr, fp := newTestSrv(t)
	fp.addUser(t, "alice")

	c := loginClient(t, addr, "client", "alice", "pw")
	_, err := c.DownloadLibrary("net/utils/missing.py")
	if err == nil {
		t.Fatal("missing library download succeeded")
	}
	if !strings.HasPrefix(err.Error(), "*ERROR*") ||
		!strings.Contains(strings.ToLower(err.Error()), "invalid path") {
		t.Fatalf("error = %q", err)
	}
}

// Test files resolve against the user's tests root; unknown EPs are
// denied.
func TestDownloadFile(t *testing.T) {
	_, addr, fp := newTestSrv(t)
	fp.addUser(t, "alice")

	writeFile(t, filepath.Join(fp.UserHome("alice"), "twister", "tests", "t1.py"), "TEST-1")

	c := loginClient(t, addr, "client", "alice", "pw")
	if ok, err := c.RegisterEps([]string{"ep1"}); err != nil || !ok {
		t.Fatalf("RegisterEps = %v, %v", ok, err)
	}

	content, err := c.DownloadFile("ep1", "t1.py")
	if err != nil {
		t.Fatal(err)
	}
	if content != "TEST-1" {
		t.Fatalf("content = %q", content)
	}

	if _, err := c.DownloadFile("ep-ghost", "t1.py"); !errors.Is(err, client.ErrDenied) {
		t.Fatalf("unknown EP error = %v", err)
	}
}

// Log messages land in the user's log directory and read back through
// get_log_file.
func TestLogMessageRoundTrip(t *testing.T) {
	_, addr, fp := newTestSrv(t)
	fp.addUser(t, "alice")

	c := loginClient(t, addr, "client", "alice", "pw")
	if ok, err := c.LogMessage("run.log", "hello log\n"); err != nil || !ok {
		t.Fatalf("LogMessage = %v, %v", ok, err)
	}

	v, err := c.GetLogFile(true, 0, "run.log")
	if err != nil {
		t.Fatal(err)
	}
	if v != "hello log\n" {
		t.Fatalf("GetLogFile = %#v", v)
	}
}
