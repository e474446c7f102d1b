// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package twister

import (
	"fmt"
	"log"
	"log/syslog"
	"os"
	"path/filepath"
	"time"
)

// Context carries the per-connection identity and the process-wide
// handles every dispatcher needs. One Context exists per accepted
// connection; authentication state lives in the connection registry,
// not here.
type Context struct {
	// Addr is the transport-level identifier of the remote peer,
	// unique for the lifetime of the connection.
	Addr   string
	Config *Config
	Dlog   *log.Logger
	Elog   *log.Logger
	Wlog   *log.Logger
}

// Config holds the daemon configuration assembled from flags and the
// optional config file.
type Config struct {
	// TwisterPath is the installation root, taken from $TWISTER_PATH.
	TwisterPath string
	// Listen is the host:port the hub accepts connections on. It is
	// also the address handed to peers as the hub back-channel.
	Listen  string
	Logfile string
	Pidfile string
	// UpcallTimeout bounds every hub-initiated call on a peer
	// connection.
	UpcallTimeout time.Duration
}

const DefaultUpcallTimeout = 30 * time.Second

// TwisterPathFromEnv reads the mandatory installation root. A missing
// or empty $TWISTER_PATH is a fatal start-up condition for the daemon.
func TwisterPathFromEnv() (string, error) {
	path := os.Getenv("TWISTER_PATH")
	if path == "" {
		return "", fmt.Errorf("$TWISTER_PATH environment variable is not set")
	}
	return filepath.Clean(path), nil
}

//version of syslog.NewLogger which uses base program name as logging tag
func NewLogger(p syslog.Priority, logFlag int) (*log.Logger, error) {
	var tag string

	tag = filepath.Base(os.Args[0])
	s, err := syslog.New(p, tag)
	if err != nil {
		return nil, err
	}
	return log.New(s, "", logFlag), nil
}
