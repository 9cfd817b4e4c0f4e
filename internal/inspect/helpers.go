package inspect

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/canaan-creative/kpu-runtime/device"
)

func parseHandle(raw string) (device.Handle, error) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("handle %q is not a valid integer", raw)
	}
	return device.Handle(n), nil
}

// errorResponse is the JSON error envelope, matching the teacher's
// api.ResponseError shape narrowed to the two fields this surface
// needs.
type errorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeJSON encodes v with goccy/go-json rather than echo's default
// encoding/json-backed c.JSON, since this surface is a hot introspection
// path that benefits from goccy's faster encoder.
func writeJSON(c *echo.Context, status int, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Blob(status, "application/json", buf)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return writeJSON(c, status, map[string]any{"error": errorResponse{Type: errType, Message: msg}})
}
