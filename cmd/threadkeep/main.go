// Command threadkeep is the CLI for the thread ledger, the approval gate
// and agent memory.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/threadkeep/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "threadkeep:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
