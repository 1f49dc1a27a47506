// Command linecheck runs an inline completeness inspection station.
package main

import (
	"fmt"
	"os"

	"github.com/linecheck/linecheck/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cmd := cli.NewRootCommand(version)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
