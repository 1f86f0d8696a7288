// Command crmsync reads, writes and watches CRM records in a shared local
// store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/crmsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
