//go:build cuda

package main

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/device/cuda"
	"github.com/samcharles93/kiln/internal/logger"
)

func buildCUDA(log logger.Logger) (compile.Backend, device.Device, func(), error) {
	adapter, err := cuda.New(0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cuda device: %w", err)
	}
	return adapter, adapter, func() {
		if err := adapter.Close(); err != nil {
			log.Warn("cuda teardown failed", "error", err)
		}
	}, nil
}
