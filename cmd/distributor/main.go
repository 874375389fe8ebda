/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Command distributor runs the grid session distributor: node
// registration, the pending-request queue, the scheduling loop, and the
// HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridworks/distributor/internal/audit"
	"github.com/gridworks/distributor/internal/auth"
	"github.com/gridworks/distributor/internal/config"
	"github.com/gridworks/distributor/internal/distributor"
	"github.com/gridworks/distributor/internal/eventbus"
	"github.com/gridworks/distributor/internal/factory"
	"github.com/gridworks/distributor/internal/httpapi"
	"github.com/gridworks/distributor/internal/logging"
	"github.com/gridworks/distributor/internal/metrics"
	"github.com/gridworks/distributor/internal/node"
	"github.com/gridworks/distributor/internal/postgres"
	"github.com/gridworks/distributor/lib/utils"
	"github.com/gridworks/distributor/utils/progress_check"
)

var (
	shutdownTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	printVersion    = flag.Bool("version", false, "Print the distributor's version and exit")
)

func main() {
	logFlags := logging.RegisterFlags()
	cfgFlags := config.RegisterFlags()
	flag.Parse()

	if *printVersion {
		v, err := utils.LoadVersion()
		if err != nil {
			v = "dev"
		}
		fmt.Println(v)
		return
	}

	logger := logging.InitLogger("grid-distributor", logFlags.ToConfig())

	cfg, err := cfgFlags.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := buildBus(ctx, cfg, logger)
	defer bus.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.Init()
		go serveMetrics(cfg.MetricsAddr, m, logger)
	}

	dist := distributor.New(bus, distributor.Config{
		RegistrationSecret: cfg.RegistrationSecret,
		RequestTimeout:      cfg.RequestTimeout,
		RetryInterval:       cfg.RetryInterval,
		HeartbeatInterval:   cfg.HeartbeatInterval,
	}, logger)
	if m != nil {
		dist.SetMetrics(m)
	}

	if cfg.HeartbeatFile != "" {
		hb, err := progress_check.NewProgressWriter(cfg.HeartbeatFile)
		if err != nil {
			logger.Error("heartbeat file unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			dist.SetHeartbeatWriter(hb)
		}
	}

	if cfg.AuditEnabled {
		sink, err := audit.NewSink(ctx, audit.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDatabase,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  "disable",
		}, bus, logger)
		if err != nil {
			logger.Error("audit sink unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			defer sink.Close()
		}
	}

	go reapLoop(ctx, dist, cfg.ReapInterval)

	var adminAuth httpapi.Middleware
	if cfg.AuthEnabled {
		adminAuth = buildAdminAuth(ctx, cfg, logger)
	}

	api := httpapi.New(dist, logger, nodeBuilder(bus), httpapi.NewWebsocketStream(bus, logger), adminAuth)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: api}

	go func() {
		logger.Info("distributor listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", slog.String("error", err.Error()))
	}
	dist.Shutdown()
	logger.Info("distributor stopped")
}

func buildBus(ctx context.Context, cfg config.Config, logger *slog.Logger) eventbus.Bus {
	local := eventbus.NewInProcessBus(logger, 256)
	if !cfg.RedisEnabled {
		return local
	}
	fanout, err := eventbus.NewRedisFanoutBus(ctx, local, eventbus.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Channel:  cfg.RedisChannel,
	}, logger)
	if err != nil {
		logger.Error("redis fanout unavailable, continuing with in-process bus only", slog.String("error", err.Error()))
		return local
	}
	return fanout
}

// buildAdminAuth wires a role-checking auth middleware for the node
// management endpoints, backed by the same Postgres instance the audit
// sink uses. A connection failure here is non-fatal: the middleware falls
// back to authentication-only (no RoleChecker), never to blocking startup.
func buildAdminAuth(ctx context.Context, cfg config.Config, logger *slog.Logger) httpapi.Middleware {
	authCfg := auth.Config{Enabled: true, Required: cfg.AuthRequired}

	pgCfg := postgres.DefaultConfig()
	pgCfg.Host = cfg.PostgresHost
	pgCfg.Port = cfg.PostgresPort
	pgCfg.Database = cfg.PostgresDatabase
	pgCfg.User = cfg.PostgresUser
	pgCfg.Password = cfg.PostgresPassword

	client, err := postgres.NewClient(ctx, pgCfg, logger)
	if err != nil {
		logger.Error("role checker database unavailable, enforcing authentication only", slog.String("error", err.Error()))
	} else {
		authCfg.RoleChecker = auth.NewRoleChecker(client.Pool(), logger)
	}

	return auth.Middleware(authCfg, logger)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}

func reapLoop(ctx context.Context, dist *distributor.Distributor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dist.ReapOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func waitForShutdown(logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	logger.Info("received shutdown signal, starting graceful shutdown")
}

// nodeBuilder returns a closure that constructs a *node.Node for an
// incoming registration payload, wired to bus so session-close and
// self-removal-after-drain events reach the distributor's subscribers.
// Real deployments are expected to carry slot definitions out of band (a
// sidecar posts its own topology); when a payload declares no slots, this
// minimal wiring gives the node one generic slot per MaxSessions (at least
// one), since concrete driver launching is out of scope.
func nodeBuilder(bus eventbus.Bus) func(httpapi.RegisterNodeRequest) (*node.Node, error) {
	return func(req httpapi.RegisterNodeRequest) (*node.Node, error) {
		if req.NodeID == "" {
			return nil, fmt.Errorf("node id is required")
		}
		maxSessions := req.MaxSessions
		if maxSessions <= 0 {
			maxSessions = 1
		}
		n := node.New(req.NodeID, req.ExternalURI, maxSessions, bus)

		if len(req.Slots) == 0 {
			f := &factory.Test{}
			for i := 0; i < maxSessions; i++ {
				n.AddSlot(fmt.Sprintf("%s-slot-%d", req.NodeID, i), nil, f)
			}
			return n, nil
		}

		slotIdx := 0
		for _, def := range req.Slots {
			f := &factory.Test{Stereotype: def.Stereotype}
			for i := 0; i < def.Count; i++ {
				n.AddSlot(fmt.Sprintf("%s-slot-%d", req.NodeID, slotIdx), def.Stereotype, f)
				slotIdx++
			}
		}
		return n, nil
	}
}
