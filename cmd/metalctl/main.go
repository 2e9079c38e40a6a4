// Package main is the entry point for the metalctl CLI.
//
// metalctl talks to a metal conductor over its REST API. It enrolls nodes,
// ports and chassis, drives nodes through the provisioning lifecycle and
// shows a live view of the fleet.
//
// For detailed usage information, run:
//
//	metalctl --help
package main

import (
	"fmt"
	"os"

	"github.com/imamik/metalconductor/cmd/metalctl/commands"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
