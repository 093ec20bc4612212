package ticket

import "context"

// TransitionKind is the resolved effect of a verdict, after the Engine has
// applied boundary-behavior rules (e.g. next_stage at the last plan element
// becomes CoordinatorAttention, not an error).
type TransitionKind string

const (
	TransitionNextStage            TransitionKind = "next_stage"
	TransitionPrevStage            TransitionKind = "prev_stage"
	TransitionCoordinatorAttention TransitionKind = "coordinator_attention"
	TransitionClose                TransitionKind = "close"
)

// Transition is what the Store must apply atomically alongside a comment
// append, computed by the Engine from a raw Verdict plus current ticket
// state.
type Transition struct {
	Kind       TransitionKind
	NextStage  string // only for TransitionNextStage / TransitionPrevStage
	Resolution string // only for TransitionClose
}

// TicketFilter narrows ListTickets results; zero-value fields are ignored.
type TicketFilter struct {
	ProjectID string
	State     State
	Stage     string
}

// EventFilter narrows ListEvents results; zero-value fields are ignored.
type EventFilter struct {
	ProjectID      string
	Category       EventCategory
	UnprocessedOnly bool
	Since          int64 // event id, exclusive
}

// Store is the Persistent Store contract: CRUD for every entity plus
// two transactional compound operations. The Ticket Engine is the only
// caller of Claim/AppendCommentAndTransition/CloseTicketAndRecomputeReadiness
// and AddDependency. The RPC adapter calls the project, worker-type and
// event write methods directly, and SetTicketStage/ResumeFromAttention for
// resume_ticket_processing; add_ticket_comment goes through the Engine.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	DeleteProject(ctx context.Context, name string) error

	CreateWorkerType(ctx context.Context, wt *WorkerType) error
	GetWorkerType(ctx context.Context, projectID, workerType string) (*WorkerType, error)
	ListWorkerTypes(ctx context.Context, projectID string) ([]WorkerType, error)
	UpdateWorkerType(ctx context.Context, wt *WorkerType) error
	DeleteWorkerType(ctx context.Context, projectID, workerType string) error

	CreateTicket(ctx context.Context, t *Ticket, dependsOn []string) error
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)
	// GetTicketByWorker finds the ticket currently claimed by workerID, if
	// any, for worker-death recovery. NotFound if the worker holds no claim.
	GetTicketByWorker(ctx context.Context, workerID string) (*Ticket, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error)
	ListComments(ctx context.Context, ticketID string) ([]Comment, error)
	AddComment(ctx context.Context, c Comment) (Comment, error)

	// Claim atomically assigns the ticket to workerID iff it is open, ready,
	// and unclaimed, under a per-row lock. Returns a Conflict error for the
	// losing side of a race.
	Claim(ctx context.Context, ticketID, workerID string) (*Ticket, error)
	// Release clears processing_worker_id iff currently held by workerID.
	// Idempotent.
	Release(ctx context.Context, ticketID, workerID string) error
	// SetTicketStage force-sets current_stage, clears any claim, and clears
	// coordinator_attention (state back to open), for resume_ticket_processing's
	// optional stage override. It does not validate the stage against the
	// ticket's execution plan — callers asking to jump a ticket to an
	// arbitrary stage are assumed to know what they're doing.
	SetTicketStage(ctx context.Context, ticketID, stage string) error
	// ResumeFromAttention clears an on_hold ticket back to open without a
	// stage override, for resume_ticket_processing calls that only want to
	// make the ticket eligible for dispatch again. A no-op if not on_hold.
	ResumeFromAttention(ctx context.Context, ticketID string) error

	// AppendCommentAndTransition is the compound operation backing
	// apply_verdict: writes the comment, applies the transition, and emits
	// the corresponding event rows in one transaction.
	AppendCommentAndTransition(ctx context.Context, ticketID string, c Comment, tr Transition) (*Ticket, []Event, error)
	// CloseTicketAndRecomputeReadiness is the compound operation for a
	// coordinator-initiated close outside of apply_verdict.
	CloseTicketAndRecomputeReadiness(ctx context.Context, ticketID, resolution string) (*Ticket, []Event, error)

	AddDependency(ctx context.Context, parentID, childID string) error
	RemoveDependency(ctx context.Context, parentID, childID string) error
	GetDependencyGraph(ctx context.Context, projectID string) ([]Dependency, error)

	ListReadyTickets(ctx context.Context, projectID string) ([]Ticket, error)
	ListBlockedTickets(ctx context.Context, projectID string) ([]Ticket, error)
	GetTicketsByStage(ctx context.Context, projectID, stage string) ([]Ticket, error)

	CreateWorker(ctx context.Context, w *WorkerRecord) error
	UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus, pid int) error
	GetWorker(ctx context.Context, workerID string) (*WorkerRecord, error)
	ListWorkers(ctx context.Context, projectID string) ([]WorkerRecord, error)
	ListLiveWorkers(ctx context.Context, projectID, workerType string) ([]WorkerRecord, error)

	RecordEvent(ctx context.Context, e Event) (Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	ResolveEvent(ctx context.Context, id int64) error

	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// EventSink is satisfied by the Broadcaster. The Engine publishes every
// event the Store durably records to the sink in the same call, matching
// a subscriber that sees a state event should also see the corresponding
// persisted row in a subsequent read."
type EventSink interface {
	Publish(e Event)
}
