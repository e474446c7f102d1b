// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

/*
centrald is the central engine RPC hub of the Twister test
orchestration platform. Clients, execution processes and libraries
keep long-lived bidirectional RPC sessions to it; through those
sessions clients drive EPs, EPs pull work, and both sides mutate the
per-user project model and the shared resource trees.

Usage:
	-listen=<host:port>
		Address the hub accepts connections on (default :8010).

	-config=<filename>
		Optional INI configuration file; flag values win over file
		values.

	-logfile=<filename>
		When defined centrald will redirect its stdout and stderr to
		the defined file.

	-pidfile=<filename>
		Specify file for the daemon to write pid in.

The $TWISTER_PATH environment variable must point at the installation
root; starting without it is a fatal error.
*/
package main

import (
	"flag"
	"fmt"
	"log"
	"log/syslog"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/activation"
	"github.com/go-ini/ini"

	"github.com/ctgriffiths/twister"
	"github.com/ctgriffiths/twister/project"
	"github.com/ctgriffiths/twister/server"
)

var basepath string = "/run/centrald"
var elog *log.Logger

/* Command line options */
var listen *string = flag.String("listen",
	":8010",
	"Address to accept hub connections on.")

var configfile *string = flag.String("config",
	"",
	"Optional INI configuration file.")

var logfile *string = flag.String("logfile",
	"",
	"Redirect std{out,err} to supplied file.")

var pidfile *string = flag.String("pidfile",
	basepath+"/centrald.pid",
	"Write pid to supplied file.")

var upcallTimeout *time.Duration = flag.Duration("upcall-timeout",
	twister.DefaultUpcallTimeout,
	"Deadline for hub-initiated calls on peer connections.")

func fatal(err error) {
	if err != nil {
		log.Println(err)
		elog.Fatal(err)
	}
}

func openLogfile() {
	if logfile == nil || *logfile == "" {
		return
	}
	f, e := os.OpenFile(*logfile, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0640)
	if e != nil {
		fmt.Fprintf(os.Stderr, "%s\n", e)
		return
	}
	defer f.Close()
	syscall.Dup2(int(f.Fd()), 1)
	syscall.Dup2(int(f.Fd()), 2)
}

func writePid() {
	if pidfile == nil || *pidfile == "" {
		return
	}
	f, e := os.OpenFile(*pidfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if e != nil {
		fmt.Fprintf(os.Stderr, "%s\n", e)
		return
	}
	defer f.Close()
	pid := os.Getpid()
	fmt.Fprintf(f, "%d\n", pid)
}

func initialiseLogging() {
	var err error

	openLogfile()

	if logfile == nil || *logfile == "" {
		// log to stderr
		elog = log.New(os.Stderr, "", 0)
	} else {
		//rsyslog may not be up even though it returns to the init system so we
		//have to do this mess to ensure that logging works.
		for i := 0; i < 5; i++ {
			elog, err = twister.NewLogger(syslog.LOG_ERR|syslog.LOG_DAEMON, 0)

			if err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			//give up and log to stderr (mapped to centrald.log)
			elog = log.New(os.Stderr, "", 0)
		}
	}
}

// mergeConfigFile fills unset flags from the [centrald] section of the
// config file.
func mergeConfigFile() {
	if *configfile == "" {
		return
	}
	cfg, err := ini.Load(*configfile)
	fatal(err)

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	section := cfg.Section("centrald")
	if !set["listen"] && section.HasKey("listen") {
		*listen = section.Key("listen").String()
	}
	if !set["logfile"] && section.HasKey("logfile") {
		*logfile = section.Key("logfile").String()
	}
	if !set["pidfile"] && section.HasKey("pidfile") {
		*pidfile = section.Key("pidfile").String()
	}
	if !set["upcall-timeout"] && section.HasKey("upcall_timeout") {
		d, err := time.ParseDuration(section.Key("upcall_timeout").String())
		fatal(err)
		*upcallTimeout = d
	}
}

func getListener() net.Listener {
	listeners, err := activation.Listeners(true)
	fatal(err)
	if len(listeners) == 0 {
		fmt.Println("No systemd listeners")
		l, err := net.Listen("tcp", *listen)
		fatal(err)
		listeners = append(listeners, l)
	}
	return listeners[0]
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	initialiseLogging()
	mergeConfigFile()

	twisterPath, err := twister.TwisterPathFromEnv()
	fatal(err)

	fatal(os.MkdirAll(basepath, 0755))

	l := getListener()

	config := &twister.Config{
		TwisterPath:   twisterPath,
		Listen:        l.Addr().String(),
		Logfile:       *logfile,
		Pidfile:       *pidfile,
		UpcallTimeout: *upcallTimeout,
	}

	srv := server.NewSrv(l, project.NewLocal(twisterPath), config, elog)

	writePid()

	fatal(srv.Serve())
}
