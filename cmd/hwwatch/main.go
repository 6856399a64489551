package main

import (
	"os"

	"github.com/go-delve/hwwatch/cmd/hwwatch/cmds"
	"github.com/go-delve/hwwatch/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.HwwatchVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
