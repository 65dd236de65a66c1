/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package common implements the termrelay CLI's command handlers, kept
// separate from main.go so argument parsing stays a thin wrapper around
// the actual command logic.
package common

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/termrelay/lib/auth"
	"github.com/gravitational/termrelay/lib/config"
	"github.com/gravitational/termrelay/lib/gateway"
	"github.com/gravitational/termrelay/lib/pairing"
	"github.com/gravitational/termrelay/lib/ptysession"
	"github.com/gravitational/termrelay/lib/ratelimit"
	"github.com/gravitational/termrelay/lib/rundir"
	"github.com/gravitational/termrelay/lib/store"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Run parses cfg from the environment and serves until a termination
// signal arrives, at which point it closes the listener and the store
// connection and returns nil (the caller exits 0).
func Run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return trace.Wrap(err)
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return trace.Wrap(err)
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "termrelay")

	backingStore := store.New(store.Options{
		Addrs:       cfg.RedisAddrs,
		ClusterMode: cfg.RedisClusterMode,
		Password:    cfg.RedisPassword,
	})
	defer backingStore.Close()

	validator := auth.New(cfg.RunnerCredentials, cfg.JWTSecret, nil)
	codes := pairing.NewCodeRegistry(backingStore)
	sessions := pairing.NewSessionRegistry(backingStore)
	history := pairing.NewHistory(backingStore)
	limiter := ratelimit.New(backingStore)
	runners := rundir.New()
	ptySessions := ptysession.New()

	srv := gateway.New(gateway.Config{
		Auth:         validator,
		Codes:        codes,
		Sessions:     sessions,
		Limiter:      limiter,
		History:      history,
		Store:        backingStore,
		Runners:      runners,
		PTYSessions:  ptySessions,
		CORSOrigins:  cfg.CORSOrigins,
		PingInterval: cfg.PingInterval,
		PingTimeout:  cfg.PingTimeout,
		StaticDir:    cfg.StaticDir,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	errC := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("termrelay broker listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- trace.Wrap(err)
			return
		}
		errC <- nil
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errC:
		return trace.Wrap(err)
	case sig := <-sigC:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
	return nil
}

// PrintVersion writes the version string to stdout for the `version`
// command.
func PrintVersion() {
	fmt.Printf("termrelay v%s\n", Version)
}
