// Package main is the entry point for the deskpal voice assistant CLI.
//
// Usage:
//
//	deskpal [flags] <command> [args]
//
// Commands:
//
//	chat       - Interactive chat session against the agent gateway
//	run        - Send a single message and print the reply
//	task       - Inspect persisted deferred task records
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/deskpal/deskpal/cmd/deskpal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
