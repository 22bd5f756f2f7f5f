package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/launch"
	"github.com/samcharles93/kiln/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		launches   int64
		pointers   int64
		blockSize  int64
	)

	flags := append([]cli.Flag{}, commonDeviceFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "launches",
			Aliases:     []string{"n"},
			Usage:       "launches per run",
			Value:       100000,
			Destination: &launches,
		},
		&cli.Int64Flag{
			Name:        "pointers",
			Usage:       "pointer arguments per launch",
			Value:       40,
			Destination: &pointers,
		},
		&cli.Int64Flag{
			Name:        "block",
			Usage:       "block width in threads",
			Value:       128,
			Destination: &blockSize,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure steady-state launch overhead",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDeviceConfig(cmd, LoadConfig())

			rt, cleanup, err := buildRuntime(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build runtime: %v", err), 1)
			}
			defer cleanup()
			defer func() { _ = rt.Close() }()

			def := kernel.Def{Name: "bench_noop", Source: "kernel bench_noop"}
			args := make([]kernel.Arg, 0, pointers+2)
			for i := range int(pointers) {
				args = append(args, kernel.Pointer(uint64(0x10000+i*16)))
			}
			args = append(args, kernel.Float32Arg(1.0), kernel.Int32Arg(int32(launches)))
			consts := []int64{blockSize}
			block := kernel.Dims{X: int(blockSize)}
			problem := int(blockSize) * 1024

			fmt.Println("=== Kiln Launch Benchmark ===")
			fmt.Printf("Device:   %s\n", deviceName)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Args:     %d pointers + 2 scalars\n", pointers)
			fmt.Printf("Launches: %d per run\n", launches)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			run := func() (time.Duration, error) {
				start := time.Now()
				for range int(launches) {
					if _, err := rt.Invoke(ctx, def, args, consts, launch.GridFor(problem), block, device.DefaultStream); err != nil {
						return 0, err
					}
				}
				if err := rt.Synchronize(device.DefaultStream); err != nil {
					return 0, err
				}
				return time.Since(start), nil
			}

			for i := range int(warmupRuns) {
				if _, err := run(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			var total, best time.Duration
			for i := range int(benchRuns) {
				elapsed, err := run()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: run %d: %v", i+1, err), 1)
				}
				perLaunch := elapsed / time.Duration(launches)
				fmt.Printf("run %d: %s total, %s/launch\n", i+1, elapsed.Round(time.Millisecond), perLaunch)
				total += elapsed
				if best == 0 || elapsed < best {
					best = elapsed
				}
			}

			stats := rt.CacheStats()
			avg := total / time.Duration(benchRuns)
			fmt.Println()
			fmt.Printf("avg:  %s/launch\n", avg/time.Duration(launches))
			fmt.Printf("best: %s/launch\n", best/time.Duration(launches))
			fmt.Printf("cache: %d hits, %d misses, %d entries\n", stats.Hits, stats.Misses, stats.Entries)
			return nil
		},
	}
}
