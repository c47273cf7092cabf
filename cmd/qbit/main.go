// Package main provides the entry point for the Qbit CLI.
package main

import (
	"fmt"
	"os"

	"github.com/qbit-ai/qbit/cmd/qbit/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
