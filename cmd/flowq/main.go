// Command flowq runs the query server and its client tools.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/flowq/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
