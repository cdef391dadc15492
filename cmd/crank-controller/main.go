// Command crank-controller is the controller's single executable entrypoint.
// Grounded on the teacher's cmd/queue/main.go: panic recovery, ldflags
// version injection, stderr error printing with a non-zero exit.
package main

import (
	"fmt"
	"os"

	"github.com/cranklabs/crank-controller/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	root := cli.BuildCLI()
	root.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
