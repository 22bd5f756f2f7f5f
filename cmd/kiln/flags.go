package main

import "github.com/urfave/cli/v3"

var (
	deviceName    string
	cacheCapacity int64
	artifactDir   string
	logLevel      string
	logFormat     string
	debug         bool
)

func commonDeviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "execution device (host, webgpu, cuda)",
			Value:       "host",
			Destination: &deviceName,
		},
		&cli.Int64Flag{
			Name:        "cache-capacity",
			Usage:       "max cached kernel specializations",
			Value:       128,
			Destination: &cacheCapacity,
		},
		&cli.StringFlag{
			Name:        "artifact-dir",
			Usage:       "directory for persisted compiled binaries (empty disables)",
			Destination: &artifactDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
