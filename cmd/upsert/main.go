// Command upsert runs keyed set/delete scenarios through the upsert
// reconciliation operator.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/upsert/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
