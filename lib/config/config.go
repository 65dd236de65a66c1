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

// Package config loads broker configuration from the process environment,
// following the CheckAndSetDefaults idiom used throughout this codebase's
// component configs.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

// Config holds every value the broker needs at startup. All fields are
// populated from environment variables by FromEnv; nothing here performs
// network I/O.
type Config struct {
	// ListenAddr is the host:port the broker's HTTP+WebSocket listener binds.
	ListenAddr string
	// CORSOrigins is the list of origins allowed to open the app socket.
	CORSOrigins []string
	// JWTSecret signs and verifies app bearer tokens (HS256).
	JWTSecret string
	// RunnerCredentials maps runnerId to its shared secret.
	RunnerCredentials map[string]string
	// RedisAddrs are the store's target addresses (one for standalone, many
	// for cluster mode).
	RedisAddrs []string
	// RedisClusterMode selects redis.NewClusterClient over redis.NewClient.
	RedisClusterMode bool
	// RedisPassword authenticates to the store, if set.
	RedisPassword string
	// StaticDir optionally serves an embedded app bundle; empty disables it.
	StaticDir string
	// LogLevel is parsed by logrus.ParseLevel.
	LogLevel string
	// PingInterval/PingTimeout configure the WebSocket keepalive cadence.
	PingInterval time.Duration
	PingTimeout  time.Duration
}

const (
	envListenAddr   = "TERMRELAY_LISTEN_ADDR"
	envCORSOrigins  = "TERMRELAY_CORS_ORIGINS"
	envJWTSecret    = "TERMRELAY_JWT_SECRET"
	envRunnerCreds  = "TERMRELAY_RUNNER_CREDENTIALS"
	envRedisAddrs   = "TERMRELAY_REDIS_ADDRS"
	envRedisCluster = "TERMRELAY_REDIS_CLUSTER"
	envRedisPass    = "TERMRELAY_REDIS_PASSWORD"
	envStaticDir    = "TERMRELAY_STATIC_DIR"
	envLogLevel     = "TERMRELAY_LOG_LEVEL"
	envConfigFile   = "TERMRELAY_CONFIG_FILE"
)

// fileOverlay is the shape of an optional YAML config file, read before
// environment variables are applied so that env vars always win. Only
// fields present in the file override FromEnv's defaults.
type fileOverlay struct {
	ListenAddr        string            `yaml:"listen_addr"`
	CORSOrigins       []string          `yaml:"cors_origins"`
	RunnerCredentials map[string]string `yaml:"runner_credentials"`
	RedisAddrs        []string          `yaml:"redis_addrs"`
	StaticDir         string            `yaml:"static_dir"`
	LogLevel          string            `yaml:"log_level"`
}

// applyFile loads path (if non-empty) and overlays any fields it sets onto
// c, mirroring the read-file-then-yaml.Unmarshal idiom used elsewhere in
// this codebase's auxiliary tooling.
func (c *Config) applyFile(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return trace.Wrap(err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return trace.Wrap(err)
	}
	if overlay.ListenAddr != "" {
		c.ListenAddr = overlay.ListenAddr
	}
	if len(overlay.CORSOrigins) > 0 {
		c.CORSOrigins = overlay.CORSOrigins
	}
	for id, secret := range overlay.RunnerCredentials {
		if c.RunnerCredentials == nil {
			c.RunnerCredentials = make(map[string]string)
		}
		c.RunnerCredentials[id] = secret
	}
	if len(overlay.RedisAddrs) > 0 {
		c.RedisAddrs = overlay.RedisAddrs
	}
	if overlay.StaticDir != "" {
		c.StaticDir = overlay.StaticDir
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	return nil
}

// defaultPingInterval and defaultPingTimeout set the WebSocket keepalive
// cadence: a ping every 25s, and a connection is considered dead if no
// pong arrives within 60s.
const (
	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 60 * time.Second
)

// FromEnv reads a Config, first applying TERMRELAY_CONFIG_FILE (if set) as
// a base and then letting any set TERMRELAY_* environment variable
// override it field by field.
func FromEnv() (*Config, error) {
	cfg := &Config{
		LogLevel:     "info",
		RedisAddrs:   []string{"localhost:6379"},
		PingInterval: defaultPingInterval,
		PingTimeout:  defaultPingTimeout,
	}
	if err := cfg.applyFile(os.Getenv(envConfigFile)); err != nil {
		return nil, trace.Wrap(err)
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envCORSOrigins); v != "" {
		cfg.CORSOrigins = splitNonEmpty(v, ",")
	}
	if v := os.Getenv(envJWTSecret); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv(envRunnerCreds); v != "" {
		for id, secret := range parseCredentials(v) {
			if cfg.RunnerCredentials == nil {
				cfg.RunnerCredentials = make(map[string]string)
			}
			cfg.RunnerCredentials[id] = secret
		}
	}
	if v := os.Getenv(envRedisAddrs); v != "" {
		cfg.RedisAddrs = splitNonEmpty(v, ",")
	}
	if v := os.Getenv(envRedisCluster); v != "" {
		cfg.RedisClusterMode = ParseBool(v)
	}
	if v := os.Getenv(envRedisPass); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv(envStaticDir); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates required fields and fills in any that were
// left zero by a caller constructing Config directly (e.g. in tests).
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.JWTSecret == "" {
		return trace.BadParameter("%s is required", envJWTSecret)
	}
	if len(c.RunnerCredentials) == 0 {
		return trace.BadParameter("%s must define at least one runnerId=secret pair", envRunnerCreds)
	}
	if len(c.RedisAddrs) == 0 {
		return trace.BadParameter("%s must define at least one address", envRedisAddrs)
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = defaultPingTimeout
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseCredentials parses "runnerId=secret,runnerId=secret" into a map,
// skipping malformed entries rather than failing startup on one typo.
func parseCredentials(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitNonEmpty(s, ",") {
		id, secret, ok := strings.Cut(pair, "=")
		if !ok || id == "" || secret == "" {
			continue
		}
		out[id] = secret
	}
	return out
}

// ParseBool reports whether s is a true value in the set accepted by
// strconv.ParseBool; any string that set rejects reads as false.
func ParseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
