// Copyright 2025 The Warden Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/manager"
	"github.com/warden-dev/warden/pkg/observability"
	"github.com/warden-dev/warden/pkg/runtime"
)

// ServeCmd runs a manager hosting the built-in echo agent behind a small
// HTTP API, with the Prometheus scrape endpoint on its own port.
type ServeCmd struct {
	Port int `help:"Port to listen on." default:"8080"`
}

// echoAgent is the demo module served by `warden serve`. It counts events
// and echoes each payload back as an output, which is enough to exercise
// cold starts, hibernation and thawing end to end.
type echoAgent struct{}

func (echoAgent) Name() string { return "Echo" }

func (echoAgent) Init(_ context.Context, _ string, state *agent.State) (*agent.State, error) {
	return state, nil
}

func (echoAgent) Step(_ context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error) {
	next := state.Clone()
	var n int64
	if v, ok := next.Get("echoes"); ok {
		switch c := v.(type) {
		case int64:
			n = c
		case uint64:
			n = int64(c)
		}
	}
	next.Set("echoes", n+1)
	next.Set("last", ev.Payload)
	return &agent.StepResult{
		State:   next,
		Outputs: []*agent.Event{agent.NewEvent("echoed", ev.Payload)},
	}, nil
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	st, err := cfg.Store.OpenStore()
	if err != nil {
		return err
	}

	if cfg.Observability.Metrics.Enabled {
		pm, err := observability.InitMetrics(ctx, cfg.Observability.Metrics)
		if err != nil {
			return fmt.Errorf("metrics init: %w", err)
		}
		observability.SetGlobalMetrics(pm)
	}
	tp, err := observability.InitGlobalTracer(ctx, cfg.Observability.Tracing)
	if err != nil {
		return fmt.Errorf("tracer init: %w", err)
	}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = sdk.Shutdown(shutdownCtx)
		}()
	}

	m, err := manager.New(manager.Config{
		Name:                cfg.Manager.Name,
		Agent:               echoAgent{},
		Store:               st,
		IdleTimeout:         cfg.Manager.IdleTimeout.Duration(),
		MaxConcurrentStarts: cfg.Manager.MaxConcurrentStarts,
		StopTimeout:         cfg.Manager.StopTimeout.Duration(),
		MaxRestarts:         cfg.Manager.MaxRestarts,
		RestartWindow:       cfg.Manager.RestartWindow.Duration(),
		Runtime: runtime.Config{
			InboxSize:     cfg.Manager.InboxSize,
			SlowThreshold: cfg.Manager.SlowStepThreshold.Duration(),
		},
	})
	if err != nil {
		return err
	}

	// Log lifecycle events as they happen.
	events, cancelSub := m.Subscribe(64)
	defer cancelSub()
	go func() {
		for ev := range events {
			slog.Info("lifecycle event", "kind", ev.Kind, "key", ev.Key, "reason", ev.Reason)
		}
	}()

	if cfg.Observability.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Observability.Metrics.Port),
			Handler: promhttp.Handler(),
		}
		go func() {
			slog.Info("metrics endpoint enabled", "addr", metricsSrv.Addr, "path", "/metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Port),
		Handler: newAPIHandler(m, cfg.Manager.StopTimeout.Duration()),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = m.Close(shutdownCtx)
	}()

	slog.Info("server listening", "addr", srv.Addr, "agent", "Echo", "store", cfg.Store.Backend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// eventRequest is the POST body for delivering an event to an agent.
type eventRequest struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// stateResponse is the JSON shape of an agent's state.
type stateResponse struct {
	Key    string         `json:"key"`
	Status agent.Status   `json:"status"`
	Fields map[string]any `json:"fields,omitempty"`
}

func newAPIHandler(m *manager.Manager, callTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/agents", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Stats())
	})

	r.Route("/agents/{key}", func(r chi.Router) {
		r.Post("/events", func(w http.ResponseWriter, req *http.Request) {
			key := chi.URLParam(req, "key")
			var body eventRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				httpError(w, http.StatusBadRequest, err)
				return
			}
			if body.Kind == "" {
				httpError(w, http.StatusBadRequest, errors.New("kind is required"))
				return
			}

			h, err := m.Get(req.Context(), key)
			if err != nil {
				httpError(w, http.StatusInternalServerError, err)
				return
			}
			res, err := h.Call(req.Context(), agent.NewEvent(body.Kind, body.Payload), callTimeout)
			if err != nil {
				httpError(w, http.StatusBadGateway, err)
				return
			}
			writeJSON(w, http.StatusOK, stateResponse{
				Key:    key,
				Status: res.State.Status,
				Fields: res.State.Fields,
			})
		})

		r.Get("/state", func(w http.ResponseWriter, req *http.Request) {
			key := chi.URLParam(req, "key")
			h, err := m.Get(req.Context(), key)
			if err != nil {
				httpError(w, http.StatusInternalServerError, err)
				return
			}
			state, err := h.State(req.Context())
			if err != nil {
				httpError(w, http.StatusBadGateway, err)
				return
			}
			writeJSON(w, http.StatusOK, stateResponse{
				Key:    key,
				Status: state.Status,
				Fields: state.Fields,
			})
		})

		r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
			key := chi.URLParam(req, "key")
			if err := m.Stop(req.Context(), key); err != nil {
				if errors.Is(err, manager.ErrNotFound) {
					httpError(w, http.StatusNotFound, err)
					return
				}
				httpError(w, http.StatusInternalServerError, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
