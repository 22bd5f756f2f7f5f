package main

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/artifact"
	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/device/hostsim"
	"github.com/samcharles93/kiln/internal/device/webgpu"
	"github.com/samcharles93/kiln/internal/launch"
	"github.com/samcharles93/kiln/internal/logger"
)

// buildRuntime assembles the backend and device named by --device, wraps
// the backend with the artifact store when --artifact-dir is set, and
// returns the runtime plus a teardown for the device resources.
func buildRuntime(log logger.Logger) (*launch.Runtime, func(), error) {
	backend, dev, cleanup, err := buildDevice(log)
	if err != nil {
		return nil, nil, err
	}
	if artifactDir != "" {
		store, err := artifact.Open(artifactDir, backend, artifact.WithLogger(log))
		if err != nil {
			log.Warn("artifact store disabled", "dir", artifactDir, "error", err)
		} else {
			backend = store
		}
	}
	rt, err := launch.New(launch.Config{
		Backend:       backend,
		Device:        dev,
		CacheCapacity: int(cacheCapacity),
		Logger:        log,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return rt, cleanup, nil
}

func buildDevice(log logger.Logger) (compile.Backend, device.Device, func(), error) {
	switch deviceName {
	case "host":
		return hostsim.NewCompiler(), hostsim.NewDevice(hostsim.WithTracking()), func() {}, nil
	case "webgpu":
		adapter, err := webgpu.New()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("webgpu device: %w", err)
		}
		return adapter, adapter, adapter.Close, nil
	case "cuda":
		return buildCUDA(log)
	}
	return nil, nil, nil, fmt.Errorf("unknown device %q (want host, webgpu, or cuda)", deviceName)
}
