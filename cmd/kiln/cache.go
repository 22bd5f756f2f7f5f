package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/artifact"
	"github.com/samcharles93/kiln/internal/device/hostsim"
	"github.com/samcharles93/kiln/internal/logger"
)

func cacheCmd() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect and manage the on-disk artifact cache",
		Commands: []*cli.Command{
			cacheListCmd(),
			cacheClearCmd(),
		},
	}
}

func artifactDirFlag() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "artifact-dir",
			Usage:       "directory holding persisted compiled binaries",
			Destination: &artifactDir,
		},
	}
}

// openStore opens the artifact directory for maintenance. The wrapped
// backend is never compiled against here, so the host simulator stands in.
func openStore(log logger.Logger) (*artifact.Store, error) {
	if artifactDir == "" {
		cfg := LoadConfig()
		if cfg.ArtifactDir == "" {
			return nil, fmt.Errorf("no artifact directory (set --artifact-dir or artifact_dir in config)")
		}
		artifactDir = cfg.ArtifactDir
	}
	return artifact.Open(artifactDir, hostsim.NewCompiler(), artifact.WithLogger(log))
}

func cacheListCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List persisted kernel binaries",
		Flags: artifactDirFlag(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(logger.FromContext(ctx))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			artifacts := store.Artifacts()
			if len(artifacts) == 0 {
				fmt.Println("no artifacts")
				return nil
			}
			for _, a := range artifacts {
				fmt.Printf("%s  %-24s %s\n", a.CreatedAt.Format(time.RFC3339), a.Kernel, a.File)
			}
			fmt.Printf("\n%d artifact(s) in %s\n", len(artifacts), artifactDir)
			return nil
		},
	}
}

func cacheClearCmd() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Delete all persisted kernel binaries",
		Flags: artifactDirFlag(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			store, err := openStore(logger.FromContext(ctx))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			n := store.Len()
			if err := store.Clear(); err != nil {
				return cli.Exit(fmt.Sprintf("error: clear: %v", err), 1)
			}
			fmt.Printf("removed %d artifact(s) from %s\n", n, artifactDir)
			return nil
		},
	}
}
