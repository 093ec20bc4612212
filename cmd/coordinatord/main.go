// Command coordinatord runs the coordination server: a JSON-RPC 2.0 ingress
// endpoint and SSE notification stream fronting the Ticket Engine, Process
// Supervisor, and Dispatcher. Flag handling and restart reconciliation mirror
// the precedent's cmd/factory/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrel-labs/coordinator/broadcast"
	"github.com/kestrel-labs/coordinator/dispatch"
	"github.com/kestrel-labs/coordinator/internal/config"
	"github.com/kestrel-labs/coordinator/queue"
	"github.com/kestrel-labs/coordinator/rpc"
	"github.com/kestrel-labs/coordinator/store"
	"github.com/kestrel-labs/coordinator/supervisor"
	"github.com/kestrel-labs/coordinator/ticket"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Error("open database failed", "err", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewStore(db, log)
	broadcaster := broadcast.New(cfg.BroadcastBufferSize)
	registry := queue.NewRegistry()
	engine := ticket.NewEngine(st, broadcaster, log)
	sup := supervisor.New(st, engine, registry, broadcaster, nil, st, log)
	sup.SetStopTimeout(cfg.StopTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectIDs, err := listProjectIDs(ctx, st)
	if err != nil {
		log.Error("list projects failed", "err", err)
		os.Exit(1)
	}

	workerTypes, err := listWorkerTypeNames(ctx, st, projectIDs)
	if err != nil {
		log.Error("list worker types failed", "err", err)
		os.Exit(1)
	}
	caps := config.ResolveWorkerTypeCaps(ctx, st, workerTypes, cfg.DefaultMaxPerType)
	disp := dispatch.New(st, registry, sup, broadcaster, caps, log)

	for _, projectID := range projectIDs {
		if err := sup.ReconcileOnStartup(ctx, projectID); err != nil {
			log.Error("reconcile on startup failed", "project", projectID, "err", err)
		}
		if err := disp.Rebuild(ctx, projectID); err != nil {
			log.Error("rebuild dispatch state failed", "project", projectID, "err", err)
		}
	}

	sub := broadcaster.Subscribe()
	defer sub.Unsubscribe()
	go disp.Run(ctx, sub)
	go disp.RunHealthSweep(ctx, cfg.HealthSweepInterval, func() []string {
		ids, err := listProjectIDs(ctx, st)
		if err != nil {
			log.Error("health sweep: list projects failed", "err", err)
			return nil
		}
		return ids
	})

	server := rpc.New(engine, st, registry, sup, disp, broadcaster, log)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Mux(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("coordinatord listening", "addr", cfg.Addr, "db", cfg.DBPath)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}

func listProjectIDs(ctx context.Context, st ticket.Store) ([]string, error) {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.RepositoryName
	}
	return ids, nil
}

func listWorkerTypeNames(ctx context.Context, st ticket.Store, projectIDs []string) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for _, projectID := range projectIDs {
		types, err := st.ListWorkerTypes(ctx, projectID)
		if err != nil {
			return nil, err
		}
		for _, wt := range types {
			if _, ok := seen[wt.WorkerType]; ok {
				continue
			}
			seen[wt.WorkerType] = struct{}{}
			names = append(names, wt.WorkerType)
		}
	}
	return names, nil
}
