package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/logger"
)

// kernelManifest is the YAML file handed to --kernels. Each entry names a
// kernel and carries its source inline or by file path.
type kernelManifest struct {
	Kernels []struct {
		Name       string `yaml:"name"`
		Entry      string `yaml:"entry"`
		Source     string `yaml:"source"`
		SourceFile string `yaml:"source_file"`
	} `yaml:"kernels"`
}

func serveCmd() *cli.Command {
	var (
		addr         string
		readTimeout  time.Duration
		kernelsPath string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the kernel launch REST API",
		Flags: append(commonDeviceFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "kernels",
				Aliases:     []string{"k"},
				Usage:       "path to a YAML kernel manifest loaded at startup",
				Destination: &kernelsPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			rt, cleanup, err := buildRuntime(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build runtime: %v", err), 1)
			}
			defer cleanup()
			defer func() { _ = rt.Close() }()

			server := api.NewServer(rt, log)
			if kernelsPath != "" {
				defs, err := loadKernelManifest(kernelsPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: load kernels: %v", err), 1)
				}
				for _, def := range defs {
					server.RegisterKernel(def)
					log.Info("kernel registered", "kernel", def.Name, "entry", def.EntrySymbol())
				}
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "device", deviceName)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func loadKernelManifest(path string) ([]kernel.Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest kernelManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defs := make([]kernel.Def, 0, len(manifest.Kernels))
	for i, k := range manifest.Kernels {
		if k.Name == "" {
			return nil, fmt.Errorf("%s: kernels[%d] has no name", path, i)
		}
		source := k.Source
		if k.SourceFile != "" {
			raw, err := os.ReadFile(resolveSourcePath(path, k.SourceFile))
			if err != nil {
				return nil, fmt.Errorf("kernel %q: %w", k.Name, err)
			}
			source = string(raw)
		}
		if source == "" {
			return nil, fmt.Errorf("kernel %q has neither source nor source_file", k.Name)
		}
		defs = append(defs, kernel.Def{Name: k.Name, Source: source, Entry: k.Entry})
	}
	return defs, nil
}

// resolveSourcePath resolves source_file entries relative to the manifest.
func resolveSourcePath(manifestPath, sourceFile string) string {
	if filepath.IsAbs(sourceFile) {
		return sourceFile
	}
	return filepath.Join(filepath.Dir(manifestPath), sourceFile)
}
