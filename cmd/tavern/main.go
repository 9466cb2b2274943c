// Command tavern runs the tavern customer service simulation.
package main

import (
	"fmt"
	"os"

	"github.com/talgya/tavern/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
