// Command supervisor drives a queued assistant session to completion across
// transient failures, provider usage-limit windows, and session crashes.
package main

import (
	"errors"
	"fmt"
	"os"

	"oss.nandlabs.io/supervisor/cmd"
)

func main() {
	app := cmd.Build()
	if err := app.Execute(); err != nil {
		var ee *cmd.ExitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.Unwrap())
			os.Exit(ee.Code())
			return
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cmd.ExitGeneralError)
	}
}
