// Copyright (c) 2024, Twister project. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// cecall invokes one hub method, for debugging. Arguments are JSON
// values; bare words are taken as strings.
//
//	cecall -addr localhost:8010 Echo '"ping"'
//	cecall -addr localhost:8010 -user alice -passwd pw RegisterEps '["ep-linux"]'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	client "github.com/ctgriffiths/twister/client"
)

var addr = flag.String("addr", "localhost:8010", "hub address")
var user = flag.String("user", "", "log in as this user before the call")
var passwd = flag.String("passwd", "", "password for -user")

func handleError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(2)
}

func showUsageAndExit() {
	fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "    %s [flags] <method> [<json-arg> ...]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(1)
}

func parseArg(raw string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// Bare word; treat as a string.
		return raw
	}
	return v
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		showUsageAndExit()
	}

	method := flag.Arg(0)
	args := make([]interface{}, 0, flag.NArg()-1)
	for _, raw := range flag.Args()[1:] {
		args = append(args, parseArg(raw))
	}

	cl, err := client.Dial("tcp", *addr)
	handleError(err)
	defer cl.Close()

	if *user != "" {
		ok, err := cl.Login(*user, *passwd)
		handleError(err)
		if !ok {
			handleError(fmt.Errorf("login failed for `%s`", *user))
		}
	}

	result, err := cl.Call(method, args...)
	handleError(err)

	out, err := json.MarshalIndent(result, "", "  ")
	handleError(err)
	fmt.Println(string(out))
	os.Exit(0)
}
