// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/opendatacube/WOFLs-orchestration/lib/cmd"
	"github.com/opendatacube/WOFLs-orchestration/lib/dispatch"
	"github.com/opendatacube/WOFLs-orchestration/lib/enqueue"
)

var (
	version = "dev"
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version(version),
		"-version":  cmd.Version(version),
		"--version": cmd.Version(version),

		"dispatch": dispatch.Command,
		"enqueue":  enqueue.AddCommand,
		"redrive":  enqueue.RedriveCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
