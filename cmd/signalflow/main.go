// Command signalflow runs the edge traffic signal coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/signalflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
