package ticket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
)

// Engine is the sole authority for ticket state transitions. The Supervisor
// and Dispatcher never write ticket rows directly — they call through here.
// The RPC adapter does too, except for resume_ticket_processing, which calls
// Store.SetTicketStage or Store.ResumeFromAttention itself.
type Engine struct {
	store  Store
	events EventSink
	log    *slog.Logger
}

func NewEngine(store Store, events EventSink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, events: events, log: log}
}

func (e *Engine) publish(evs []Event) {
	for _, ev := range evs {
		e.events.Publish(ev)
	}
}

// record persists ev via the Store so it gets a durable id, then fans it out
// to the Broadcaster — the same order the compound Store operations use, so
// every published event is also readable back from the events table.
func (e *Engine) record(ctx context.Context, ev Event) error {
	stored, err := e.store.RecordEvent(ctx, ev)
	if err != nil {
		return err
	}
	e.events.Publish(stored)
	return nil
}

// CreateTicketInput carries everything needed to create a ticket, mirroring
// the create_ticket RPC operation.
type CreateTicketInput struct {
	TicketID       string
	ProjectID      string
	ParentTicketID string
	Title          string
	Description    string
	ExecutionPlan  []string
	Priority       Priority
	DependsOn      []string
}

// Create persists a new ticket, computing its initial readiness from
// DependsOn, and emits TicketCreated.
func (e *Engine) Create(ctx context.Context, in CreateTicketInput) (*Ticket, error) {
	if in.TicketID == "" {
		return nil, coordinatorerr.InvalidArgumentf("ticket_id is required")
	}
	if len(in.ExecutionPlan) == 0 {
		return nil, coordinatorerr.InvalidArgumentf("execution_plan must be non-empty")
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}

	t := &Ticket{
		TicketID:       in.TicketID,
		ProjectID:      in.ProjectID,
		ParentTicketID: in.ParentTicketID,
		Title:          in.Title,
		Description:    in.Description,
		ExecutionPlan:  in.ExecutionPlan,
		CurrentStage:   PlannedStage,
		State:          StateOpen,
		Priority:       priority,
		// DependencyStatus is finalized by the Store, which knows the
		// closed-state of every listed parent; default to blocked and let
		// the Store promote to ready when DependsOn is empty or all-closed.
		DependencyStatus: DependencyBlocked,
	}
	if len(in.DependsOn) == 0 {
		t.DependencyStatus = DependencyReady
	}

	if err := e.store.CreateTicket(ctx, t, in.DependsOn); err != nil {
		return nil, err
	}
	if err := e.record(ctx, NewEvent(t.ProjectID, EventTicketCreated, map[string]any{
		"ticket_id": t.TicketID,
	})); err != nil {
		return nil, err
	}
	e.log.Info("ticket created", "ticket", t.TicketID, "project", t.ProjectID, "plan", t.ExecutionPlan)
	return t, nil
}

// Claim assigns an open, ready, unclaimed ticket to workerID, verifying the
// worker's type matches the stage the ticket is at (or s_1 if Planned).
// Exactly one of any number of concurrent callers succeeds; the Store
// enforces the exclusivity under a per-row lock.
func (e *Engine) Claim(ctx context.Context, ticketID, workerID, workerType string) (*Ticket, error) {
	existing, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if existing.StageWorkerType() != workerType {
		return nil, coordinatorerr.PreconditionFailedf(
			"worker type %q does not match stage %q", workerType, existing.StageWorkerType())
	}

	claimed, err := e.store.Claim(ctx, ticketID, workerID)
	if err != nil {
		return nil, err
	}
	if err := e.record(ctx, NewEvent(claimed.ProjectID, EventTicketClaimed, map[string]any{
		"ticket_id": claimed.TicketID,
		"worker_id": workerID,
	})); err != nil {
		return nil, err
	}
	e.log.Info("ticket claimed", "ticket", ticketID, "worker", workerID)
	return claimed, nil
}

// Release clears workerID's claim on ticketID, if held. Idempotent.
func (e *Engine) Release(ctx context.Context, ticketID, workerID string) error {
	if err := e.store.Release(ctx, ticketID, workerID); err != nil {
		return err
	}
	t, err := e.store.GetTicket(ctx, ticketID)
	if err == nil {
		if err := e.record(ctx, NewEvent(t.ProjectID, EventTicketReleased, map[string]any{
			"ticket_id": ticketID,
			"worker_id": workerID,
		})); err != nil {
			e.log.Error("record ticket released event failed", "ticket", ticketID, "worker", workerID, "err", err)
		}
	}
	return nil
}

// ApplyVerdict resolves a raw worker Verdict
// against the ticket's current plan position into a concrete Transition,
// applying the boundary-behavior rules (next_stage past s_n, prev_stage
// before s_1 both escalate to CoordinatorAttention), then commits the
// comment+transition+events atomically via the Store.
func (e *Engine) ApplyVerdict(ctx context.Context, ticketID, workerID string, v Verdict) (*Ticket, error) {
	t, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.ProcessingWorkerID != workerID {
		return nil, coordinatorerr.PreconditionFailedf(
			"ticket %s is not claimed by worker %s", ticketID, workerID)
	}

	tr, comment := e.resolveTransition(t, workerID, v)

	updated, evs, err := e.store.AppendCommentAndTransition(ctx, ticketID, comment, tr)
	if err != nil {
		return nil, err
	}
	e.publish(evs)
	e.log.Info("verdict applied", "ticket", ticketID, "worker", workerID,
		"outcome", v.Outcome, "resolved", tr.Kind)
	return updated, nil
}

// resolveTransition turns a raw verdict into the Store-level Transition,
// applying boundary rules for stage underflow/overflow. It never returns an error: a
// malformed Outcome value is itself escalated to CoordinatorAttention with
// a SystemMessage-flavored comment ("Engine records a
// SystemMessage comment and escalates ... it never silently discards the
// ticket").
func (e *Engine) resolveTransition(t *Ticket, workerID string, v Verdict) (Transition, Comment) {
	stageIdx := t.StageIndex()
	comment := Comment{
		TicketID:   t.TicketID,
		WorkerID:   workerID,
		WorkerType: t.StageWorkerType(),
		Content:    v.Comment,
	}
	if stageIdx >= 0 {
		si := stageIdx
		comment.StageIndex = &si
	}

	switch v.Outcome {
	case OutcomeNextStage:
		next := stageIdx + 1
		if stageIdx < 0 {
			next = 0
		}
		if next >= len(t.ExecutionPlan) {
			return Transition{Kind: TransitionCoordinatorAttention}, comment
		}
		return Transition{Kind: TransitionNextStage, NextStage: t.ExecutionPlan[next]}, comment

	case OutcomePrevStage:
		if stageIdx <= 0 {
			return Transition{Kind: TransitionCoordinatorAttention}, comment
		}
		return Transition{Kind: TransitionPrevStage, NextStage: t.ExecutionPlan[stageIdx-1]}, comment

	case OutcomeCoordinatorAttention:
		return Transition{Kind: TransitionCoordinatorAttention}, comment

	case OutcomeClose:
		return Transition{Kind: TransitionClose, Resolution: v.Resolution}, comment

	default:
		comment.Content = fmt.Sprintf("malformed verdict outcome %q from worker %s: %s",
			v.Outcome, workerID, v.Comment)
		return Transition{Kind: TransitionCoordinatorAttention}, comment
	}
}

// AddDependency records that child depends on parent, rejecting cycles
// without mutating the graph.
func (e *Engine) AddDependency(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return coordinatorerr.Conflictf("would_create_cycle: ticket cannot depend on itself")
	}
	if err := e.store.AddDependency(ctx, parentID, childID); err != nil {
		return err
	}
	t, err := e.store.GetTicket(ctx, childID)
	if err == nil {
		if err := e.record(ctx, NewEvent(t.ProjectID, EventTicketUpdated, map[string]any{
			"ticket_id": childID,
			"reason":    "dependency_added",
		})); err != nil {
			e.log.Error("record dependency added event failed", "ticket", childID, "err", err)
		}
	}
	return nil
}

func (e *Engine) RemoveDependency(ctx context.Context, parentID, childID string) error {
	return e.store.RemoveDependency(ctx, parentID, childID)
}

// CloseExternally is a coordinator-initiated close outside of a worker
// verdict, triggering the same readiness recomputation as apply_verdict's
// close outcome.
func (e *Engine) CloseExternally(ctx context.Context, ticketID, reason string) (*Ticket, error) {
	t, evs, err := e.store.CloseTicketAndRecomputeReadiness(ctx, ticketID, reason)
	if err != nil {
		return nil, err
	}
	e.publish(evs)
	e.log.Info("ticket closed externally", "ticket", ticketID, "reason", reason)
	return t, nil
}

// AddComment appends a comment without a state transition (the
// add_ticket_comment RPC operation).
func (e *Engine) AddComment(ctx context.Context, c Comment) (Comment, error) {
	if c.TicketID == "" {
		return Comment{}, coordinatorerr.InvalidArgumentf("ticket_id is required")
	}
	return e.store.AddComment(ctx, c)
}

// ReleaseOnWorkerDeath implements release-on-worker-death: if
// workerID held a claim, it is cleared and the ticket is left at its
// current stage, Unclaimed, Ready — eligible for the Dispatcher to hand to
// a replacement worker. A no-op if the worker held no claim.
func (e *Engine) ReleaseOnWorkerDeath(ctx context.Context, workerID string) error {
	t, err := e.store.GetTicketByWorker(ctx, workerID)
	if err != nil {
		if coordinatorerr.KindOf(err) == coordinatorerr.NotFound {
			return nil
		}
		return err
	}
	if err := e.store.Release(ctx, t.TicketID, workerID); err != nil {
		return err
	}
	if err := e.record(ctx, NewEvent(t.ProjectID, EventTicketReleased, map[string]any{
		"ticket_id": t.TicketID,
		"worker_id": workerID,
		"reason":    "worker_died",
	})); err != nil {
		return err
	}
	e.log.Info("ticket released after worker death", "ticket", t.TicketID, "worker", workerID)
	return nil
}
