// Package supervisor implements the Process Supervisor: it owns the
// lifecycle of worker subprocesses, binding each one 1:1 to a queue.
// Grounded on the precedent's agents.Spawner (runClaude's
// exec.CommandContext + piped stdio) and agents.AuditingSpawner (the
// logging-decorator pattern, adapted here into an audit trail of spawn/stop/
// health events rather than prompt/response pairs, since prompt content is
// out of scope).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
	"github.com/kestrel-labs/coordinator/queue"
	"github.com/kestrel-labs/coordinator/ticket"
)

const (
	DefaultStopTimeout = 1 * time.Second
)

// ManagedProcess is the narrow process-control surface the Supervisor
// needs, letting tests substitute a fake without touching os/exec.
type ManagedProcess interface {
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// Launcher starts a worker subprocess and reports its OS pid.
type Launcher interface {
	Launch(ctx context.Context, workDir, systemPrompt string) (pid int, proc ManagedProcess, err error)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *execProcess) Wait() error                { return p.cmd.Wait() }

// ProcessLauncher launches the worker binary via exec.CommandContext, in the
// precedent's runClaude style: the rendered system prompt is passed as the
// final command-line argument, stdout/stderr pass through for operator
// visibility, and the subprocess's own RPC client is responsible for
// calling back into the coordinator's Tool/RPC Surface.
type ProcessLauncher struct {
	// Command is the worker binary name or path. Defaults to "claude".
	Command string
	// Args follow Command and precede the system prompt argument; defaults
	// to a minimal non-interactive invocation if nil.
	Args []string
}

func (l *ProcessLauncher) Launch(ctx context.Context, workDir, systemPrompt string) (int, ManagedProcess, error) {
	bin := l.Command
	if bin == "" {
		bin = "claude"
	}
	path := bin
	if resolved, err := exec.LookPath(bin); err == nil {
		path = resolved
	}

	args := l.Args
	if args == nil {
		args = []string{"--print", "--dangerously-skip-permissions"}
	}
	args = append(append([]string(nil), args...), systemPrompt)

	cmd := exec.CommandContext(ctx, path, args...) // #nosec G204 -- path resolved from configured binary name
	cmd.Dir = workDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	return cmd.Process.Pid, &execProcess{cmd: cmd}, nil
}

// AuditStore is the persistence surface an audit decorator needs, separate
// from ticket.Store since audit entries are an ambient concern the core
// domain model doesn't otherwise carry.
type AuditStore interface {
	AddAuditEntry(ctx context.Context, entry AuditEntry) error
}

// AuditEntry is one row of the supervisor's audit trail: every spawn, stop,
// and health-check transition, independent of the durable Event stream.
type AuditEntry struct {
	WorkerID  string
	ProjectID string
	EventType string
	Detail    string
	CreatedAt time.Time
}

// Supervisor owns worker subprocess lifecycle.
type Supervisor struct {
	mu        sync.Mutex
	processes map[string]ManagedProcess

	store       ticket.Store
	engine      *ticket.Engine
	registry    *queue.Registry
	events      ticket.EventSink
	launcher    Launcher
	audit       AuditStore
	log         *slog.Logger
	stopTimeout time.Duration
}

func New(store ticket.Store, engine *ticket.Engine, registry *queue.Registry, events ticket.EventSink, launcher Launcher, audit AuditStore, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if launcher == nil {
		launcher = &ProcessLauncher{}
	}
	return &Supervisor{
		processes:   make(map[string]ManagedProcess),
		store:       store,
		engine:      engine,
		registry:    registry,
		events:      events,
		launcher:    launcher,
		audit:       audit,
		log:         log,
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides the SIGTERM-to-SIGKILL grace period used by Stop.
func (s *Supervisor) SetStopTimeout(d time.Duration) {
	if d > 0 {
		s.stopTimeout = d
	}
}

// record persists ev via the Store so it gets a durable id before fanning it
// out to the Broadcaster, matching the Ticket Engine's event-durability
// ordering.
func (s *Supervisor) record(ctx context.Context, ev ticket.Event) {
	stored, err := s.store.RecordEvent(ctx, ev)
	if err != nil {
		s.log.Warn("failed to record event", "category", ev.Category, "err", err)
		return
	}
	s.events.Publish(stored)
}

func (s *Supervisor) logAudit(ctx context.Context, workerID, projectID, eventType, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AddAuditEntry(ctx, AuditEntry{
		WorkerID: workerID, ProjectID: projectID, EventType: eventType, Detail: detail, CreatedAt: time.Now(),
	}); err != nil {
		s.log.Warn("failed to record audit entry", "worker", workerID, "event", eventType, "err", err)
	}
}

// Spawn locates the project and worker type, synthesizes a worker id and
// queue, persists a spawning Worker row, launches the child process, and
// on success promotes the row to active and emits WorkerSpawned. On
// launch failure the row is marked failed, the queue is removed, and the
// error is returned synchronously.
func (s *Supervisor) Spawn(ctx context.Context, projectID, workerType string) (*ticket.WorkerRecord, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	wt, err := s.store.GetWorkerType(ctx, projectID, workerType)
	if err != nil {
		return nil, err
	}

	workerID := fmt.Sprintf("%s_%s", workerType, uuid.NewString()[:8])
	queueName := fmt.Sprintf("queue_%s", workerID)

	record := &ticket.WorkerRecord{
		WorkerID:   workerID,
		ProjectID:  projectID,
		WorkerType: workerType,
		Status:     ticket.WorkerSpawning,
		QueueName:  queueName,
	}
	if err := s.store.CreateWorker(ctx, record); err != nil {
		return nil, err
	}
	s.registry.Create(queueName)

	pid, proc, err := s.launcher.Launch(ctx, project.Path, wt.SystemPrompt)
	if err != nil {
		if uErr := s.store.UpdateWorkerStatus(ctx, workerID, ticket.WorkerFailed, 0); uErr != nil {
			s.log.Warn("failed to mark worker failed after launch error", "worker", workerID, "err", uErr)
		}
		if dErr := s.registry.Delete(queueName); dErr != nil {
			s.log.Warn("failed to remove queue after failed spawn", "queue", queueName, "err", dErr)
		}
		s.logAudit(ctx, workerID, projectID, "spawn_failed", err.Error())
		return nil, coordinatorerr.Wrap(coordinatorerr.WorkerLaunchFailed, "spawn worker", err)
	}

	s.mu.Lock()
	s.processes[workerID] = proc
	s.mu.Unlock()

	if err := s.store.UpdateWorkerStatus(ctx, workerID, ticket.WorkerActive, pid); err != nil {
		return nil, err
	}
	record.Status = ticket.WorkerActive
	record.PID = pid

	s.record(ctx, ticket.NewEvent(projectID, ticket.EventWorkerSpawned, map[string]any{
		"worker_id": workerID, "worker_type": workerType, "queue_name": queueName, "pid": pid,
	}))
	s.logAudit(ctx, workerID, projectID, "spawned", fmt.Sprintf("pid=%d queue=%s", pid, queueName))
	s.log.Info("worker spawned", "worker", workerID, "type", workerType, "pid", pid, "project", projectID)
	return record, nil
}

// Stop sends SIGTERM, waits up to the configured timeout, then SIGKILLs a
// straggler, before marking the worker finished.
func (s *Supervisor) Stop(ctx context.Context, workerID, reason string) error {
	s.mu.Lock()
	proc, live := s.processes[workerID]
	s.mu.Unlock()

	if live {
		if err := proc.Signal(unix.SIGTERM); err != nil {
			s.log.Warn("SIGTERM delivery failed", "worker", workerID, "err", err)
		}
		done := make(chan error, 1)
		go func() { done <- proc.Wait() }()
		select {
		case <-done:
		case <-time.After(s.stopTimeout):
			if err := proc.Kill(); err != nil {
				s.log.Warn("SIGKILL delivery failed", "worker", workerID, "err", err)
			}
			<-done
		}
		s.mu.Lock()
		delete(s.processes, workerID)
		s.mu.Unlock()
	}

	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateWorkerStatus(ctx, workerID, ticket.WorkerFinished, 0); err != nil {
		return err
	}
	s.record(ctx, ticket.NewEvent(w.ProjectID, ticket.EventWorkerStopped, map[string]any{
		"worker_id": workerID, "reason": reason,
	}))
	s.logAudit(ctx, workerID, w.ProjectID, "stopped", reason)
	s.log.Info("worker stopped", "worker", workerID, "reason", reason)
	return nil
}

// HealthCheck liveness-probes the recorded pid. If the Store says the
// worker is still live but the OS process is gone, the record is
// transitioned to failed, any claim it held is released back to the
// Engine, and WorkerStopped("process died unexpectedly") is emitted.
func (s *Supervisor) HealthCheck(ctx context.Context, workerID string) (ticket.WorkerStatus, error) {
	w, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		return "", err
	}
	if !w.Status.Live() {
		return w.Status, nil
	}
	if processAlive(w.PID) {
		s.log.Debug("worker healthy", "worker", workerID, "age", humanize.Time(w.StartedAt))
		return w.Status, nil
	}

	if err := s.store.UpdateWorkerStatus(ctx, workerID, ticket.WorkerFailed, 0); err != nil {
		return "", err
	}
	if err := s.engine.ReleaseOnWorkerDeath(ctx, workerID); err != nil {
		return "", err
	}
	s.mu.Lock()
	delete(s.processes, workerID)
	s.mu.Unlock()

	s.record(ctx, ticket.NewEvent(w.ProjectID, ticket.EventWorkerStopped, map[string]any{
		"worker_id": workerID, "reason": "process died unexpectedly",
	}))
	s.logAudit(ctx, workerID, w.ProjectID, "died", "process died unexpectedly")
	s.log.Warn("worker died", "worker", workerID, "pid", w.PID)
	return ticket.WorkerFailed, nil
}

// ReconcileOnStartup implements restart reconciliation: every live
// worker row's OS pid is probed; survivors remain active, others become
// failed and release any claim they held.
func (s *Supervisor) ReconcileOnStartup(ctx context.Context, projectID string) error {
	workers, err := s.store.ListWorkers(ctx, projectID)
	if err != nil {
		return err
	}
	for _, w := range workers {
		if !w.Status.Live() {
			continue
		}
		if _, err := s.HealthCheck(ctx, w.WorkerID); err != nil {
			return fmt.Errorf("reconcile worker %s: %w", w.WorkerID, err)
		}
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs no-op existence/permission checking without
	// delivering an actual signal — the standard liveness probe idiom.
	return unix.Kill(pid, 0) == nil
}
