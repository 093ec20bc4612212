// Package dispatch implements the Dispatcher: it matches
// Ready && Unclaimed tickets to live workers of the correct type, lazily
// spawning a worker when none is available and capacity permits. The
// reactive trigger loop and the periodic reconciliation sweep are both
// grounded on the precedent's background.go agent-loop idiom
// (ticker-driven runFunc cycles, here narrowed to dispatch-relevant work).
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-labs/coordinator/broadcast"
	"github.com/kestrel-labs/coordinator/queue"
	"github.com/kestrel-labs/coordinator/ticket"
)

const DefaultHealthSweepInterval = 30 * time.Second

// Spawner is the slice of supervisor.Supervisor the Dispatcher needs,
// narrowed to an interface so tests can substitute a fake without spawning
// real subprocesses.
type Spawner interface {
	Spawn(ctx context.Context, projectID, workerType string) (*ticket.WorkerRecord, error)
	HealthCheck(ctx context.Context, workerID string) (ticket.WorkerStatus, error)
}

// Dispatcher matches ready tickets to worker queues. The selection loop
// runs under a single process-wide mutex rather than one per project: a
// safe over-serialization since a single coordinator process typically
// hosts few concurrently active projects.
type Dispatcher struct {
	mu sync.Mutex

	store      ticket.Store
	registry   *queue.Registry
	supervisor Spawner
	events     ticket.EventSink
	log        *slog.Logger

	// maxWorkersPerType caps live workers per worker type; an absent entry
	// means unlimited and an explicit zero allows no spawns of that type.
	// Keyed by worker type name, project-agnostic.
	maxWorkersPerType map[string]int
}

func New(store ticket.Store, registry *queue.Registry, sup Spawner, events ticket.EventSink, maxWorkersPerType map[string]int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if maxWorkersPerType == nil {
		maxWorkersPerType = map[string]int{}
	}
	return &Dispatcher{
		store:             store,
		registry:          registry,
		supervisor:        sup,
		events:            events,
		maxWorkersPerType: maxWorkersPerType,
		log:               log,
	}
}

// Dispatch runs one pass of the selection loop for a project: every
// Ready && Unclaimed ticket is matched to a live worker's queue, a new
// worker is spawned when none exists and capacity allows, or the ticket is
// left for the next trigger if capacity is exhausted. Idempotent — safe to
// call repeatedly for the same project.
func (d *Dispatcher) Dispatch(ctx context.Context, projectID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ready, err := d.store.ListReadyTickets(ctx, projectID)
	if err != nil {
		return err
	}
	sortByPriorityThenAge(ready)

	for _, t := range ready {
		if t.Claimed() {
			continue
		}
		workerType := t.StageWorkerType()
		if workerType == "" {
			continue
		}
		if err := d.dispatchOne(ctx, t, workerType); err != nil {
			d.log.Error("dispatch ticket failed", "ticket", t.TicketID, "worker_type", workerType, "err", err)
		}
	}
	return nil
}

// Rebuild is Dispatch under the name the restart path calls it by:
// queues start empty after a restart, so this pass rebuilds them from
// Ready && Unclaimed tickets exactly like any other trigger.
func (d *Dispatcher) Rebuild(ctx context.Context, projectID string) error {
	return d.Dispatch(ctx, projectID)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, t ticket.Ticket, workerType string) error {
	live, err := d.store.ListLiveWorkers(ctx, t.ProjectID, workerType)
	if err != nil {
		return err
	}

	for _, w := range live {
		already, err := d.registry.Contains(w.QueueName, t.TicketID)
		if err != nil {
			return err
		}
		if already {
			return nil
		}
	}

	target := leastLoaded(d.registry, live)
	if target == nil {
		if max, capped := d.maxWorkersPerType[workerType]; capped && len(live) >= max {
			d.log.Debug("worker type at capacity, deferring dispatch", "worker_type", workerType, "max", max)
			return nil
		}
		spawned, err := d.supervisor.Spawn(ctx, t.ProjectID, workerType)
		if err != nil {
			return err
		}
		target = spawned
	}

	if _, err := d.registry.Enqueue(target.QueueName, t.TicketID); err != nil {
		return err
	}
	ev, err := d.store.RecordEvent(ctx, ticket.NewEvent(t.ProjectID, ticket.EventTaskEnqueued, map[string]any{
		"ticket_id": t.TicketID, "worker_id": target.WorkerID, "queue_name": target.QueueName,
	}))
	if err != nil {
		d.log.Warn("failed to record task enqueued event", "ticket", t.TicketID, "err", err)
	} else {
		d.events.Publish(ev)
	}
	d.log.Info("ticket dispatched", "ticket", t.TicketID, "worker", target.WorkerID, "queue", target.QueueName)
	return nil
}

func leastLoaded(reg *queue.Registry, live []ticket.WorkerRecord) *ticket.WorkerRecord {
	var best *ticket.WorkerRecord
	bestDepth := -1
	for i := range live {
		status, err := reg.QueueStatus(live[i].QueueName)
		if err != nil {
			continue
		}
		if bestDepth == -1 || status.Depth < bestDepth {
			bestDepth = status.Depth
			best = &live[i]
		}
	}
	return best
}

func sortByPriorityThenAge(ts []ticket.Ticket) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority.Rank() != ts[j].Priority.Rank() {
			return ts[i].Priority.Rank() > ts[j].Priority.Rank()
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

// dispatchTriggers is the set of event categories that warrant re-running
// the selection loop.
var dispatchTriggers = map[ticket.EventCategory]bool{
	ticket.EventTicketCreated:        true,
	ticket.EventTicketUpdated:        true,
	ticket.EventTicketStageCompleted: true,
	ticket.EventTicketReleased:       true,
	ticket.EventWorkerSpawned:        true,
	ticket.EventWorkerStopped:        true,
}

// Run drives the reactive loop off the Broadcaster: every trigger-worthy
// event re-runs Dispatch for its project. It returns when ctx is
// cancelled or the subscription is unsubscribed out from under it.
func (d *Dispatcher) Run(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Notify():
			d.drain(ctx, sub)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, sub *broadcast.Subscription) {
	for {
		ev, lagged, ok := sub.Next()
		if !ok {
			return
		}
		if lagged != nil {
			// A lagged subscriber may have missed a trigger; a full sweep
			// during the next health-check cycle recovers any missed work.
			d.log.Warn("dispatcher event subscription lagged", "dropped", lagged.Dropped)
			continue
		}
		if ev == nil || !dispatchTriggers[ev.Category] {
			continue
		}
		if err := d.Dispatch(ctx, ev.ProjectID); err != nil {
			d.log.Error("reactive dispatch failed", "project", ev.ProjectID, "category", ev.Category, "err", err)
		}
	}
}

// RunHealthSweep periodically health-checks every live worker across the
// given projects and re-runs Dispatch, self-healing tickets whose owning
// worker died without a health-check or verdict ever catching it —
// supplementing the reactive Run loop the way healStuckDevTickets
// supplements the precedent's event-driven PM background agent.
func (d *Dispatcher) RunHealthSweep(ctx context.Context, interval time.Duration, projectIDs func() []string) {
	if interval <= 0 {
		interval = DefaultHealthSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx, projectIDs())
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context, projectIDs []string) {
	for _, projectID := range projectIDs {
		workers, err := d.store.ListWorkers(ctx, projectID)
		if err != nil {
			d.log.Error("health sweep: list workers failed", "project", projectID, "err", err)
			continue
		}
		for _, w := range workers {
			if !w.Status.Live() {
				continue
			}
			if _, err := d.supervisor.HealthCheck(ctx, w.WorkerID); err != nil {
				d.log.Error("health sweep: health check failed", "worker", w.WorkerID, "err", err)
			}
		}
		if err := d.Dispatch(ctx, projectID); err != nil {
			d.log.Error("health sweep: dispatch failed", "project", projectID, "err", err)
		}
	}
}
