package api

import "encoding/json"

// RegisterKernelRequest is the body for POST /v1/kernels.
type RegisterKernelRequest struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Entry  string `json:"entry,omitempty"`
}

// ArgSpec is one launch argument on the wire. Kind is "ptr" for device
// pointers (Addr carries the address) or a scalar kind ("i32", "i64",
// "u32", "u64", "f32", "f64") with the value in Value. Value is kept as
// json.Number so 64-bit integers survive decoding.
type ArgSpec struct {
	Kind  string      `json:"kind"`
	Value json.Number `json:"value,omitempty"`
	Addr  uint64      `json:"addr,omitempty"`
}

// DimsSpec is a grid or block extent. Omitted axes default to 1.
type DimsSpec struct {
	X int `json:"x"`
	Y int `json:"y,omitempty"`
	Z int `json:"z,omitempty"`
}

// LaunchRequest is the body for POST /v1/kernels/launch. Exactly one of
// Grid and Problem selects the grid: Grid gives literal dimensions, Problem
// gives a flat element count divided by the block width.
type LaunchRequest struct {
	Kernel      string    `json:"kernel"`
	Args        []ArgSpec `json:"args"`
	Constexpr   []int64   `json:"constexpr,omitempty"`
	Grid        *DimsSpec `json:"grid,omitempty"`
	Problem     int       `json:"problem,omitempty"`
	Block       DimsSpec  `json:"block"`
	Stream      uint64    `json:"stream,omitempty"`
	Synchronize bool      `json:"synchronize,omitempty"`
}

// LaunchResponse acknowledges an enqueued launch.
type LaunchResponse struct {
	ID     string `json:"id"`
	Stream uint64 `json:"stream"`
	Seq    uint64 `json:"seq"`
	Synced bool   `json:"synced"`
}

// StatsResponse is the body for GET /v1/cache/stats.
type StatsResponse struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Failures  int64 `json:"failures"`
	Entries   int   `json:"entries"`
}

// KernelInfo describes a registered kernel in GET /v1/kernels.
type KernelInfo struct {
	Name  string `json:"name"`
	Entry string `json:"entry"`
}

// APIError is the error payload nested under "error" in failure responses.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
