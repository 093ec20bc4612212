// Package ticket contains the coordination server's central domain model
// and the Ticket Engine that is the sole authority for mutating it.
package ticket

import "time"

// PlannedStage is the sentinel current_stage value before a ticket has
// been claimed for the first time.
const PlannedStage = "Planned"

// State is the open/closed/on_hold lifecycle of a ticket, orthogonal to
// its current stage and claim status.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
	StateOnHold State = "on_hold"
)

// Priority orders tickets within a stage for dispatch.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a numeric ordering such that higher is more urgent, for use
// in the Dispatcher's priority-then-creation-time tie-break.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// DependencyStatus reflects whether every inbound dependency is closed.
type DependencyStatus string

const (
	DependencyReady   DependencyStatus = "ready"
	DependencyBlocked DependencyStatus = "blocked"
)

// WorkerStatus is the lifecycle of a spawned subprocess, tracked in the
// Store. Transition spawning -> active -> (idle <-> active) -> finished|failed
// is monotone except for the active/idle toggle.
type WorkerStatus string

const (
	WorkerSpawning WorkerStatus = "spawning"
	WorkerActive   WorkerStatus = "active"
	WorkerIdle     WorkerStatus = "idle"
	WorkerFinished WorkerStatus = "finished"
	WorkerFailed   WorkerStatus = "failed"
)

// Live reports whether a worker in this status still owns its queue.
func (s WorkerStatus) Live() bool {
	return s == WorkerSpawning || s == WorkerActive || s == WorkerIdle
}

// Outcome is the verdict a worker emits on its primary output channel.
type Outcome string

const (
	OutcomeNextStage            Outcome = "next_stage"
	OutcomePrevStage            Outcome = "prev_stage"
	OutcomeCoordinatorAttention Outcome = "coordinator_attention"
	OutcomeClose                Outcome = "close"
)

// Verdict is the structured JSON a worker emits to advance, retreat,
// escalate, or close its claimed ticket.
type Verdict struct {
	Outcome    Outcome `json:"outcome"`
	Comment    string  `json:"comment"`
	Reason     string  `json:"reason"`
	Resolution string  `json:"resolution,omitempty"`
}

// Project is a named workspace whose path is the working directory handed
// to every worker process spawned for its tickets.
type Project struct {
	RepositoryName  string `json:"repository_name"`
	Path            string `json:"path"`
	Description     string `json:"description,omitempty"`
	Rules           string `json:"rules,omitempty"`
	Patterns        string `json:"patterns,omitempty"`
	RulesVersion    string `json:"rules_version,omitempty"`
	PatternsVersion string `json:"patterns_version,omitempty"`

	// JBCT is opaque build/coordination metadata carried through from the
	// RPC surface without interpretation by the core.
	JBCTEnabled bool   `json:"jbct_enabled"`
	JBCTVersion string `json:"jbct_version,omitempty"`
	JBCTURL     string `json:"jbct_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkerType is a per-project role, e.g. "planning", "implementation",
// "review". (project_id, worker_type) is unique.
type WorkerType struct {
	ProjectID        string `json:"project_id"`
	WorkerType       string `json:"worker_type"`
	ShortDescription string `json:"short_description,omitempty"`
	SystemPrompt     string `json:"system_prompt"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ticket is a unit of work with an ordered stage pipeline.
type Ticket struct {
	TicketID        string   `json:"ticket_id"`
	ProjectID       string   `json:"project_id"`
	ParentTicketID  string   `json:"parent_ticket_id,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	ExecutionPlan   []string `json:"execution_plan"`
	CurrentStage    string   `json:"current_stage"`

	State             State            `json:"state"`
	Priority          Priority         `json:"priority"`
	DependencyStatus  DependencyStatus `json:"dependency_status"`
	ProcessingWorkerID string          `json:"processing_worker_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
}

// Claimed reports whether the ticket is presently held by a worker.
func (t *Ticket) Claimed() bool { return t.ProcessingWorkerID != "" }

// StageIndex returns the index of CurrentStage within ExecutionPlan, or -1
// if CurrentStage is the Planned sentinel or not found.
func (t *Ticket) StageIndex() int {
	if t.CurrentStage == PlannedStage {
		return -1
	}
	for i, s := range t.ExecutionPlan {
		if s == t.CurrentStage {
			return i
		}
	}
	return -1
}

// StageWorkerType returns the worker type nominally associated with the
// ticket's current stage, i.e. the stage name itself — stages are named
// after the worker type that handles them.
func (t *Ticket) StageWorkerType() string {
	if t.CurrentStage == PlannedStage {
		if len(t.ExecutionPlan) == 0 {
			return ""
		}
		return t.ExecutionPlan[0]
	}
	return t.CurrentStage
}

// Dependency is a directed edge: Child depends on Parent (child cannot be
// ready until parent is closed).
type Dependency struct {
	ParentTicketID string `json:"parent_ticket_id"`
	ChildTicketID  string `json:"child_ticket_id"`
}

// Comment is an append-only audit record of worker activity on a ticket.
type Comment struct {
	ID         int64  `json:"id"`
	TicketID   string `json:"ticket_id"`
	WorkerType string `json:"worker_type,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
	StageIndex *int   `json:"stage_index,omitempty"`
	Content    string `json:"content"`

	CreatedAt time.Time `json:"created_at"`
}

// WorkerRecord is a spawned subprocess tracked in the Store.
type WorkerRecord struct {
	WorkerID   string       `json:"worker_id"`
	ProjectID  string       `json:"project_id"`
	WorkerType string       `json:"worker_type"`
	Status     WorkerStatus `json:"status"`
	PID        int          `json:"pid,omitempty"`
	QueueName  string       `json:"queue_name"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// EventCategory is the typed sum of event payloads the Broadcaster and
// Store both carry, matching a closed event vocabulary.
type EventCategory string

const (
	EventSystemInit           EventCategory = "system_init"
	EventEndpointAnnouncement EventCategory = "endpoint_announcement"
	EventProjectCreated       EventCategory = "project_created"
	EventProjectUpdated       EventCategory = "project_updated"
	EventProjectDeleted       EventCategory = "project_deleted"
	EventWorkerTypeCreated    EventCategory = "worker_type_created"
	EventWorkerTypeUpdated    EventCategory = "worker_type_updated"
	EventWorkerTypeDeleted    EventCategory = "worker_type_deleted"
	EventTicketCreated        EventCategory = "ticket_created"
	EventTicketUpdated        EventCategory = "ticket_updated"
	EventTicketClosed         EventCategory = "ticket_closed"
	EventTicketClaimed        EventCategory = "ticket_claimed"
	EventTicketReleased       EventCategory = "ticket_released"
	EventTicketStageCompleted EventCategory = "ticket_stage_completed"
	EventWorkerSpawned        EventCategory = "worker_spawned"
	EventWorkerStopped        EventCategory = "worker_stopped"
	EventWorkerStatusChanged  EventCategory = "worker_status_changed"
	EventQueueCreated         EventCategory = "queue_created"
	EventTaskEnqueued         EventCategory = "task_enqueued"
	EventTaskAssigned         EventCategory = "task_assigned"
	EventSystemMessage        EventCategory = "system_message"
	EventPing                 EventCategory = "ping"
)

// Event is a durable transition notification, also published on the
// in-memory Broadcaster. Payload carries category-specific fields as a
// generic map so the Store can persist it without a type switch per
// category; typed construction happens in the event helpers below.
type Event struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"project_id,omitempty"`
	Category  EventCategory  `json:"category"`
	Payload   map[string]any `json:"payload"`
	Processed bool           `json:"processed"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEvent builds an Event with the given category and payload fields.
func NewEvent(projectID string, category EventCategory, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{ProjectID: projectID, Category: category, Payload: payload}
}
