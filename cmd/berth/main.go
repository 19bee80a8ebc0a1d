package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/RevCBH/berth/internal/cli"
	"github.com/RevCBH/berth/internal/session"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := cli.New()
	app.SetVersion(version, commit, date)

	err := app.Execute()
	var exitErr *session.ExitCodeError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "berth: %v\n", err)
	}
	os.Exit(session.ExitCode(err))
}
