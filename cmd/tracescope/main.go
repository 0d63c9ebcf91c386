// Package main provides the TraceScope command-line tool.
package main

import (
	"os"

	"github.com/tracescope-labs/tracescope/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
