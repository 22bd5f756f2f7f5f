package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/compile"
	"github.com/samcharles93/kiln/internal/kernel"
	"github.com/samcharles93/kiln/internal/launch"
	"github.com/samcharles93/kiln/internal/signature"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": APIError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeLaunchError maps runtime failures onto the error envelope. Invalid
// arguments and launch rejections are the caller's fault; compilation and
// stale-entry failures are reported as upstream conditions.
func writeLaunchError(c *echo.Context, err error) error {
	var compileErr *compile.Error
	var launchErr *launch.Error
	switch {
	case errors.Is(err, signature.ErrInvalidArgument):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "args", "invalid_argument")
	case errors.As(err, &compileErr):
		return writeError(c, http.StatusBadGateway, "compilation_error", err.Error(), "", "")
	case errors.Is(err, launch.ErrStaleEntry):
		return writeError(c, http.StatusConflict, "launch_error", err.Error(), "", "stale_entry")
	case errors.As(err, &launchErr):
		return writeError(c, http.StatusUnprocessableEntity, "launch_error", err.Error(), "", "")
	case errors.Is(err, launch.ErrClosed):
		return writeError(c, http.StatusServiceUnavailable, "server_error", err.Error(), "", "closed")
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func (d DimsSpec) dims() kernel.Dims {
	return kernel.Dims{X: max(d.X, 1), Y: max(d.Y, 1), Z: max(d.Z, 1)}
}

func (a ArgSpec) arg(index int) (kernel.Arg, error) {
	if a.Kind == "ptr" {
		return kernel.Pointer(a.Addr), nil
	}
	kind := kernel.ParseScalarKind(a.Kind)
	if kind == kernel.ScalarInvalid {
		return kernel.Arg{}, fmt.Errorf("args[%d]: unknown kind %q", index, a.Kind)
	}
	switch kind {
	case kernel.Int32:
		v, err := strconv.ParseInt(a.Value.String(), 10, 32)
		if err != nil {
			return kernel.Arg{}, fmt.Errorf("args[%d]: %w", index, err)
		}
		return kernel.Int32Arg(int32(v)), nil
	case kernel.Int64:
		v, err := strconv.ParseInt(a.Value.String(), 10, 64)
		if err != nil {
			return kernel.Arg{}, fmt.Errorf("args[%d]: %w", index, err)
		}
		return kernel.Int64Arg(v), nil
	case kernel.Uint32:
		v, err := strconv.ParseUint(a.Value.String(), 10, 32)
		if err != nil {
			return kernel.Arg{}, fmt.Errorf("args[%d]: %w", index, err)
		}
		return kernel.Uint32Arg(uint32(v)), nil
	case kernel.Uint64:
		v, err := strconv.ParseUint(a.Value.String(), 10, 64)
		if err != nil {
			return kernel.Arg{}, fmt.Errorf("args[%d]: %w", index, err)
		}
		return kernel.Uint64Arg(v), nil
	case kernel.Float32:
		v, err := a.Value.Float64()
		if err != nil {
			return kernel.Arg{}, fmt.Errorf("args[%d]: %w", index, err)
		}
		return kernel.Float32Arg(float32(v)), nil
	case kernel.Float64:
		v, err := a.Value.Float64()
		if err != nil {
			return kernel.Arg{}, fmt.Errorf("args[%d]: %w", index, err)
		}
		return kernel.Float64Arg(v), nil
	}
	return kernel.Arg{}, fmt.Errorf("args[%d]: unsupported kind %q", index, a.Kind)
}

func convertArgs(specs []ArgSpec) ([]kernel.Arg, error) {
	args := make([]kernel.Arg, len(specs))
	for i, spec := range specs {
		arg, err := spec.arg(i)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}
	return args, nil
}
