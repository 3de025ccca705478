// Package main is the offsync command.
package main

import (
	"fmt"
	"os"

	"github.com/salvacell/offsync/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	root := cli.NewRootCommand()
	root.Version = Version
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "offsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
