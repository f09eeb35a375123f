package main

import (
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/urfave/cli/v2"
)

var (
	GitCommit string
	GitTag    string
)

func newCmd_Version() *cli.Command {
	return &cli.Command{
		Name:        "version",
		Usage:       "Print version information of this binary.",
		Description: "Print version information of this binary.",
		Action: func(c *cli.Context) error {
			fmt.Println("MIGRATION SIM")
			fmt.Printf("Tag/Branch: %s\n", GitTag)
			fmt.Printf("Commit: %s\n", GitCommit)
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Printf("Go: %s\n", info.GoVersion)
				for _, setting := range info.Settings {
					if slices.Contains(buildSettings, setting.Key) {
						fmt.Printf("  %s: %s\n", setting.Key, setting.Value)
					}
				}
			}
			return nil
		},
	}
}

var buildSettings = []string{
	"GOARCH",
	"GOOS",
	"vcs.revision",
	"vcs.time",
	"vcs.modified",
}
