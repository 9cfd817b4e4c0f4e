// Package inspect is the read-only HTTP introspection surface spec.md
// §6 leaves unspecified but a deployable device needs: a model's
// header/layer/output summary and a health check, for a sidecar or
// operator to query without driving an inference.
//
// Grounded on the teacher's internal/api Echo-handler conventions
// (typed response DTOs, errors.go mapping domain errors to HTTP
// status) narrowed from a full chat-completions surface to two
// read-only routes.
package inspect

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/canaan-creative/kpu-runtime/device"
	"github.com/canaan-creative/kpu-runtime/internal/logger"
)

// Server exposes a Device's loaded model over HTTP.
type Server struct {
	Device *device.Device
	Log    logger.Logger

	// Limiter bounds request rate across all routes; nil disables
	// limiting.
	Limiter *rate.Limiter
}

// NewServer builds a Server with a default 50 req/s, burst-10 limiter,
// matching the teacher's default middleware stack shape (request
// logger + recover) but adding rate limiting since this surface has no
// auth in front of it.
func NewServer(d *device.Device, log logger.Logger) *Server {
	return &Server{
		Device:  d,
		Log:     log,
		Limiter: rate.NewLimiter(rate.Limit(50), 10),
	}
}

// Register attaches this server's routes and middleware to e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestIDMiddleware)
	if s.Limiter != nil {
		e.Use(s.rateLimitMiddleware)
	}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/models/:handle", s.handleModelSummary)
}

func (s *Server) requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := uuid.NewString()
		c.Response().Header().Set("X-Request-Id", id)
		if s.Log != nil {
			s.Log.Debug("request", "id", id, "method", c.Request().Method, "path", c.Request().URL.Path)
		}
		return next(c)
	}
}

func (s *Server) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if !s.Limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		}
		return next(c)
	}
}

func (s *Server) handleHealthz(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

// ModelSummary is the JSON shape returned by GET /models/:handle.
type ModelSummary struct {
	Handle      uint64       `json:"handle"`
	LayerCount  int          `json:"layer_count"`
	OutputCount int          `json:"output_count"`
	Layers      []LayerEntry `json:"layers"`
	Outputs     []Region     `json:"outputs"`
}

// LayerEntry names one layer's type tag and body size.
type LayerEntry struct {
	Index    int    `json:"index"`
	Type     string `json:"type"`
	BodySize uint32 `json:"body_size"`
}

// Region is a byte range inside the scratch buffer.
type Region struct {
	Offset int `json:"offset"`
	Size   int `json:"size"`
}

func (s *Server) handleModelSummary(c *echo.Context) error {
	raw := c.Param("handle")
	h, err := parseHandle(raw)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_handle", err.Error())
	}

	container, err := s.Device.Container(h)
	if err != nil {
		return writeError(c, http.StatusNotFound, "not_found", err.Error())
	}

	summary := ModelSummary{
		Handle:      uint64(h),
		LayerCount:  container.LayerCount(),
		OutputCount: container.OutputCount(),
	}
	for i := 0; i < container.LayerCount(); i++ {
		lh := container.LayerHeaderAt(i)
		summary.Layers = append(summary.Layers, LayerEntry{
			Index:    i,
			Type:     lh.Type.String(),
			BodySize: lh.BodySize,
		})
	}
	for i := 0; i < container.OutputCount(); i++ {
		region, err := container.Output(i)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		summary.Outputs = append(summary.Outputs, Region{Offset: region.Offset, Size: region.Size})
	}

	return writeJSON(c, http.StatusOK, summary)
}
