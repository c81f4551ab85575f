package main

import (
	"fmt"
	"os"

	"github.com/blackwell-systems/devstack/internal/app"
	"github.com/blackwell-systems/devstack/internal/ui"
)

func main() {
	if err := app.Execute(); err != nil {
		if !app.Quiet(err) {
			fmt.Fprint(os.Stderr, ui.FormatError(err))
		}
		os.Exit(app.ExitCode(err))
	}
}
