//go:build !cuda

package main

import (
	"fmt"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/logger"
)

func buildCUDA(logger.Logger) (compile.Backend, device.Device, func(), error) {
	return nil, nil, nil, fmt.Errorf("cuda support not compiled in (build with -tags cuda)")
}
