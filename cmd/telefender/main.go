// Command telefender runs the contact and call-log sync client.
package main

import (
	"fmt"
	"os"

	"github.com/alx-kng/telefender/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		if !cli.IsReported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
