// Copyright 2025 Kadir Pekel
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
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/piplane/pkg/config"
	"github.com/kadirpekel/piplane/pkg/runtime"
)

// ServeCmd starts the control plane.
type ServeCmd struct {
	Config       string   `short:"c" help:"Configuration file path or backend key." required:""`
	ConfigSource string   `name:"config-source" help:"Configuration source: file, consul, etcd, zookeeper." default:"file"`
	Endpoints    []string `help:"Config backend endpoints (consul/etcd/zookeeper)."`
	Watch        bool     `help:"Watch configuration and hot-apply router knobs."`
	Port         int      `help:"Override the HTTP listener port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sourceType, err := config.ParseSourceType(c.ConfigSource)
	if err != nil {
		return err
	}
	cfg, loader, err := config.LoadWithLoader(config.LoaderOptions{
		Type:      sourceType,
		Path:      c.Config,
		Endpoints: c.Endpoints,
		Watch:     c.Watch,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Stop()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	rt, err := runtime.New(ctx, cfg, runtime.NewDialConnector())
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	if c.Watch {
		loader.SetOnChange(func(next *config.Config) error {
			return rt.ApplyConfig(next)
		})
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           newServeMux(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("piplane control plane ready",
		"addr", addr,
		"instances", len(rt.Registry().GetAllInstances()),
		"default_strategy", cfg.Router.DefaultStrategy)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// newServeMux exposes the operational endpoints: prometheus metrics, a
// health probe, and read-only registry and session snapshots.
func newServeMux(rt *runtime.Runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"instances": rt.Registry().GetAllInstances(),
			"stats":     rt.Registry().GetStats(),
		})
	})
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sessions": rt.Sessions().List(),
			"stats":    rt.Sessions().GetStats(),
		})
	})
	mux.HandleFunc("/v1/costs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"budget":    rt.Router().BudgetStatus(),
			"providers": rt.Router().CostSummary(),
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
