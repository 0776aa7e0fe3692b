// Copyright 2025 Tom Barlow
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

// apphub-cored is the long-running control plane daemon: it serves the
// HTTP control surface and runs the orchestrator, trigger processor,
// service registry, and schedule sweeper against the configured store
// and queue backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benediktbwimmer/apphub-core/internal/config"
	"github.com/benediktbwimmer/apphub-core/internal/daemon"
	"github.com/benediktbwimmer/apphub-core/internal/log"
)

// Version information (injected via ldflags at build time)
var version = "dev"

func main() {
	var (
		backendDriver = flag.String("backend", "", "Storage backend (memory, postgres, sqlite)")
		backendDSN    = flag.String("backend-dsn", "", "Storage backend connection string")
		listenAddr    = flag.String("listen", "", "HTTP listen address")
		redisAddr     = flag.String("redis", "", "Redis address for queue mode")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("apphub-cored %s\n", version)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// CLI flag overrides.
	if *backendDriver != "" {
		cfg.Backend.Driver = config.BackendDriver(*backendDriver)
	}
	if *backendDSN != "" {
		cfg.Backend.DSN = *backendDSN
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}

	d, err := daemon.New(cfg, daemon.Options{Version: version})
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
