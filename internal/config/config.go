// Package config resolves coordinatord's settings from CLI flags layered
// over persisted config rows, following the precedent's cmd/factory/main.go
// flag set plus its GetConfigValue DB-fallback pattern for values an
// operator may tune after first boot (there: max_parallel_agents; here:
// per-worker-type concurrency caps).
package config

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/kestrel-labs/coordinator/ticket"
)

// DefaultMaxWorkersPerType is the concurrency cap applied to a worker type
// with no explicit override, small enough to keep a single coordinator
// process from spawning unbounded subprocesses.
const DefaultMaxWorkersPerType = 3

// Config is coordinatord's resolved startup configuration.
type Config struct {
	DBPath              string
	Addr                string
	HealthSweepInterval time.Duration
	StopTimeout         time.Duration
	BroadcastBufferSize int
	DefaultMaxPerType   int
	Verbose             bool
}

// Parse builds a Config from CLI flags, mirroring the precedent's flat
// flag.String/.Int/.Duration set in cmd/factory/main.go.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("coordinatord", flag.ContinueOnError)
	cfg := &Config{}
	fs.StringVar(&cfg.DBPath, "db", "coordinator.db", "SQLite database path")
	fs.StringVar(&cfg.Addr, "addr", ":8090", "JSON-RPC/SSE listen address")
	fs.DurationVar(&cfg.HealthSweepInterval, "health-interval", 30*time.Second, "Worker health sweep interval")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", 1*time.Second, "Graceful SIGTERM-to-SIGKILL timeout for stop_worker")
	fs.IntVar(&cfg.BroadcastBufferSize, "event-buffer", 64, "Per-subscriber event ring buffer size")
	fs.IntVar(&cfg.DefaultMaxPerType, "max-workers-per-type", DefaultMaxWorkersPerType, "Default concurrency cap per worker type")
	fs.BoolVar(&cfg.Verbose, "verbose", true, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configKeyMaxPerType is the Store config-table key prefix for a
// per-worker-type concurrency override, e.g.
// "max_workers_per_type:implementation". The cap is process-wide (not
// per-project), matching the Dispatcher's own project-agnostic cap map.
const configKeyMaxPerType = "max_workers_per_type:"

// ResolveWorkerTypeCaps builds the Dispatcher's maxWorkersPerType map: for
// each worker type named across every project, a persisted override if one
// is set, else fallback. Uses fmt.Sscanf against the stored string value,
// matching the precedent's own "max_parallel_agents" DB-config parsing in
// cmd/factory/main.go.
func ResolveWorkerTypeCaps(ctx context.Context, store ticket.Store, workerTypes []string, fallback int) map[string]int {
	caps := make(map[string]int, len(workerTypes))
	for _, wt := range workerTypes {
		caps[wt] = maxWorkersPerType(ctx, store, wt, fallback)
	}
	return caps
}

func maxWorkersPerType(ctx context.Context, store ticket.Store, workerType string, fallback int) int {
	v, ok, err := store.GetConfigValue(ctx, configKeyMaxPerType+workerType)
	if err != nil || !ok {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

// SetMaxWorkersPerType persists a worker-type concurrency override for
// ResolveWorkerTypeCaps to pick up on the next resolution (e.g. server
// restart, or a periodic re-resolve).
func SetMaxWorkersPerType(ctx context.Context, store ticket.Store, workerType string, n int) error {
	return store.SetConfigValue(ctx, configKeyMaxPerType+workerType, fmt.Sprintf("%d", n))
}
