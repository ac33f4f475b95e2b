package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// Status reports the relay's runtime counters.
type Status struct {
	Subscribers         int `json:"subscribers"`
	ActiveMarkers       int `json:"active_markers"`
	PollIntervalSeconds int `json:"poll_interval_seconds"`
}

// StatusFunc supplies the current Status.
type StatusFunc func() Status

// NewServer builds the HTTP handler: health and status endpoints plus the
// websocket entry point, all behind the global request governor.
func NewServer(wsHandler http.Handler, status StatusFunc, limiter *rate.Limiter) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(governor(limiter))

	cfg := huma.DefaultConfig("rclaim API", "1.0.0")
	api := humachi.New(router, cfg)

	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body Status
	}
	huma.Register(api, huma.Operation{OperationID: "status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Relay status", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: status()}, nil
		})

	router.Method(http.MethodGet, "/ws", wsHandler)

	return router
}
