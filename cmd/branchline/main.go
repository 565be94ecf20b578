// Command branchline runs stream forking jobs and inspects their committed
// watermarks.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/branchline/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
