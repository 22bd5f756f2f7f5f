// Package api exposes the launch runtime over HTTP. Kernels are registered
// by name, launches reference them, and the cache surface is read-only.
package api

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/device"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/launch"
	"github.com/samcharles93/kiln/internal/logger"
)

// Server serves the kernel launch API over a launch.Runtime.
type Server struct {
	rt  *launch.Runtime
	log logger.Logger

	mu      sync.RWMutex
	kernels map[string]kernel.Def
}

// NewServer wires a Server around the runtime.
func NewServer(rt *launch.Runtime, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		rt:      rt,
		log:     log,
		kernels: make(map[string]kernel.Def),
	}
}

// RegisterKernel makes a kernel definition launchable by name. Later
// registrations under the same name replace earlier ones.
func (s *Server) RegisterKernel(def kernel.Def) {
	s.mu.Lock()
	s.kernels[def.Name] = def
	s.mu.Unlock()
}

// Register mounts the API routes on the echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/kernels", s.handleRegisterKernel)
	e.GET("/v1/kernels", s.handleListKernels)
	e.POST("/v1/kernels/launch", s.handleLaunch)
	e.POST("/v1/streams/:id/synchronize", s.handleSynchronize)
	e.GET("/v1/cache/stats", s.handleCacheStats)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleRegisterKernel(c *echo.Context) error {
	req, err := decodeJSON[RegisterKernelRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Name == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "kernel name is required", "name", "")
	}
	if req.Source == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "kernel source is required", "source", "")
	}
	def := kernel.Def{Name: req.Name, Source: req.Source, Entry: req.Entry}
	s.RegisterKernel(def)
	s.log.Info("kernel registered", "kernel", def.Name, "entry", def.EntrySymbol())
	return c.JSON(http.StatusCreated, KernelInfo{Name: def.Name, Entry: def.EntrySymbol()})
}

func (s *Server) handleListKernels(c *echo.Context) error {
	s.mu.RLock()
	infos := make([]KernelInfo, 0, len(s.kernels))
	for _, def := range s.kernels {
		infos = append(infos, KernelInfo{Name: def.Name, Entry: def.EntrySymbol()})
	}
	s.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return c.JSON(http.StatusOK, map[string]any{"kernels": infos})
}

func (s *Server) handleLaunch(c *echo.Context) error {
	req, err := decodeJSON[LaunchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	s.mu.RLock()
	def, ok := s.kernels[req.Kernel]
	s.mu.RUnlock()
	if !ok {
		return writeNotFound(c, "unknown kernel "+strconv.Quote(req.Kernel))
	}
	if req.Grid != nil && req.Problem > 0 {
		return writeBadRequest(c, "grid and problem are mutually exclusive")
	}
	if req.Grid == nil && req.Problem <= 0 {
		return writeBadRequest(c, "either grid or problem is required")
	}

	args, err := convertArgs(req.Args)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "args", "")
	}
	grid := launch.GridFor(req.Problem)
	if req.Grid != nil {
		d := req.Grid.dims()
		grid = launch.GridDims(d.X, d.Y, d.Z)
	}

	handle, err := s.rt.Invoke(c.Request().Context(), def, args, req.Constexpr, grid, req.Block.dims(), device.Stream(req.Stream))
	if err != nil {
		s.log.Warn("launch rejected", "kernel", def.Name, "error", err)
		return writeLaunchError(c, err)
	}
	if req.Synchronize {
		if err := s.rt.Synchronize(device.Stream(req.Stream)); err != nil {
			return writeLaunchError(c, err)
		}
	}
	return c.JSON(http.StatusOK, LaunchResponse{
		ID:     "launch_" + uuid.NewString(),
		Stream: uint64(handle.Stream),
		Seq:    handle.Seq,
		Synced: req.Synchronize,
	})
}

func (s *Server) handleSynchronize(c *echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return writeBadRequest(c, "stream id must be an unsigned integer")
	}
	if err := s.rt.Synchronize(device.Stream(id)); err != nil {
		return writeLaunchError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"stream": id, "synced": true})
}

func (s *Server) handleCacheStats(c *echo.Context) error {
	stats := s.rt.CacheStats()
	return c.JSON(http.StatusOK, StatsResponse{
		Hits:      stats.Hits,
		Misses:    stats.Misses,
		Evictions: stats.Evictions,
		Failures:  stats.Failures,
		Entries:   stats.Entries,
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
