package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

const envPrefix = "MIGSIM_"

func envVar(flagName string) []string {
	return []string{envPrefix + strings.ToUpper(flagName)}
}

// NewKlogFlagSet exposes klog's flags as global cli flags.
func NewKlogFlagSet() []cli.Flag {
	fs := flag.NewFlagSet("klog", flag.PanicOnError)
	klog.InitFlags(fs)

	fs.Set("v", "2")
	fs.Set("log_file_max_size", "1800")
	fs.Set("logtostderr", "true")

	setString := func(name string) func(*cli.Context, string) error {
		return func(cctx *cli.Context, v string) error {
			if v != "" {
				fs.Set(name, v)
			}
			return nil
		}
	}
	setBool := func(name string) func(*cli.Context, bool) error {
		return func(cctx *cli.Context, v bool) error {
			fs.Set(name, fmt.Sprint(v))
			return nil
		}
	}

	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log_dir",
			Usage:   "If non-empty, write log files in this directory (no effect when -logtostderr=true)",
			EnvVars: envVar("log_dir"),
			Action:  setString("log_dir"),
		},
		&cli.StringFlag{
			Name:    "log_file",
			Usage:   "If non-empty, use this log file (no effect when -logtostderr=true)",
			EnvVars: envVar("log_file"),
			Action:  setString("log_file"),
		},
		&cli.Uint64Flag{
			Name:        "log_file_max_size",
			Usage:       "Defines the maximum size a log file can grow to (no effect when -logtostderr=true). Unit is megabytes. If the value is 0, the maximum file size is unlimited.",
			EnvVars:     envVar("log_file_max_size"),
			DefaultText: "1800",
			Action: func(cctx *cli.Context, v uint64) error {
				fs.Set("log_file_max_size", fmt.Sprint(v))
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "logtostderr",
			Usage:       "log to standard error instead of files",
			EnvVars:     envVar("logtostderr"),
			DefaultText: "true",
			Action:      setBool("logtostderr"),
		},
		&cli.BoolFlag{
			Name:        "alsologtostderr",
			Usage:       "log to standard error as well as files (no effect when -logtostderr=true)",
			EnvVars:     envVar("alsologtostderr"),
			DefaultText: "false",
			Action:      setBool("alsologtostderr"),
		},
		&cli.IntFlag{
			Name:    "v",
			Usage:   "number for the log level verbosity; 4 logs every failed transfer",
			EnvVars: envVar("v"),
			Value:   2,
			Action: func(cctx *cli.Context, v int) error {
				fs.Set("v", fmt.Sprint(v))
				return nil
			},
		},
		&cli.BoolFlag{
			Name:    "skip_headers",
			Usage:   "If true, avoid header prefixes in the log messages",
			EnvVars: envVar("skip_headers"),
			Action:  setBool("skip_headers"),
		},
		&cli.StringFlag{
			Name:    "vmodule",
			Usage:   "comma-separated list of pattern=N settings for file-filtered logging",
			EnvVars: envVar("vmodule"),
			Action:  setString("vmodule"),
		},
	}
}
