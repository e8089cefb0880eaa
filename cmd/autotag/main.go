// Command autotag runs the tag engines and their tooling.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/autotag/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
