package main

import (
	"fmt"
	"os"

	"github.com/hugo-lorenzo-mato/crashwatch/cmd/crashwatch/cmd"
)

// Version information - set by goreleaser at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)

	if err := cmd.Execute(); err != nil {
		code := cmd.ExitCode(err)
		if !cmd.IsSilent(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(code)
	}
}
