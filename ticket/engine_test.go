package ticket

import (
	"context"
	"testing"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
)

// fakeStore is a minimal in-memory Store double, in the precedent's
// mockSpawner style: just enough behavior to drive the Engine's logic
// without a real database.
type fakeStore struct {
	tickets map[string]*Ticket
	deps    map[string][]string // child -> parents
	events  []Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{tickets: map[string]*Ticket{}, deps: map[string][]string{}}
}

func (f *fakeStore) CreateProject(ctx context.Context, p *Project) error   { return nil }
func (f *fakeStore) GetProject(ctx context.Context, name string) (*Project, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListProjects(ctx context.Context) ([]Project, error) { return nil, nil }
func (f *fakeStore) UpdateProject(ctx context.Context, p *Project) error { return nil }
func (f *fakeStore) DeleteProject(ctx context.Context, name string) error { return nil }

func (f *fakeStore) CreateWorkerType(ctx context.Context, wt *WorkerType) error { return nil }
func (f *fakeStore) GetWorkerType(ctx context.Context, projectID, workerType string) (*WorkerType, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListWorkerTypes(ctx context.Context, projectID string) ([]WorkerType, error) {
	return nil, nil
}
func (f *fakeStore) UpdateWorkerType(ctx context.Context, wt *WorkerType) error { return nil }
func (f *fakeStore) DeleteWorkerType(ctx context.Context, projectID, workerType string) error {
	return nil
}

func (f *fakeStore) CreateTicket(ctx context.Context, t *Ticket, dependsOn []string) error {
	if _, exists := f.tickets[t.TicketID]; exists {
		return coordinatorerr.Conflictf("ticket %q already exists", t.TicketID)
	}
	cp := *t
	f.tickets[t.TicketID] = &cp
	f.deps[t.TicketID] = dependsOn
	return nil
}

func (f *fakeStore) GetTicket(ctx context.Context, ticketID string) (*Ticket, error) {
	t, ok := f.tickets[ticketID]
	if !ok {
		return nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) GetTicketByWorker(ctx context.Context, workerID string) (*Ticket, error) {
	for _, t := range f.tickets {
		if t.ProcessingWorkerID == workerID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, coordinatorerr.NotFoundf("worker %q holds no claim", workerID)
}

func (f *fakeStore) ListTickets(ctx context.Context, filter TicketFilter) ([]Ticket, error) {
	return nil, nil
}
func (f *fakeStore) ListComments(ctx context.Context, ticketID string) ([]Comment, error) {
	return nil, nil
}
func (f *fakeStore) AddComment(ctx context.Context, c Comment) (Comment, error) { return c, nil }

func (f *fakeStore) Claim(ctx context.Context, ticketID, workerID string) (*Ticket, error) {
	t, ok := f.tickets[ticketID]
	if !ok {
		return nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	if t.State != StateOpen {
		return nil, coordinatorerr.PreconditionFailedf("ticket %q is not open", ticketID)
	}
	if t.DependencyStatus != DependencyReady {
		return nil, coordinatorerr.PreconditionFailedf("ticket %q is not ready", ticketID)
	}
	if t.Claimed() {
		return nil, coordinatorerr.Conflictf("ticket %q already claimed", ticketID)
	}
	if t.CurrentStage == PlannedStage {
		t.CurrentStage = t.ExecutionPlan[0]
	}
	t.ProcessingWorkerID = workerID
	cp := *t
	return &cp, nil
}

func (f *fakeStore) Release(ctx context.Context, ticketID, workerID string) error {
	t, ok := f.tickets[ticketID]
	if !ok {
		return coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	if t.ProcessingWorkerID == workerID {
		t.ProcessingWorkerID = ""
	}
	return nil
}

func (f *fakeStore) SetTicketStage(ctx context.Context, ticketID, stage string) error {
	t, ok := f.tickets[ticketID]
	if !ok {
		return coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	t.CurrentStage = stage
	t.State = StateOpen
	t.ProcessingWorkerID = ""
	return nil
}

func (f *fakeStore) ResumeFromAttention(ctx context.Context, ticketID string) error {
	if t, ok := f.tickets[ticketID]; ok && t.State == StateOnHold {
		t.State = StateOpen
	}
	return nil
}

func (f *fakeStore) AppendCommentAndTransition(ctx context.Context, ticketID string, c Comment, tr Transition) (*Ticket, []Event, error) {
	t, ok := f.tickets[ticketID]
	if !ok {
		return nil, nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	var evs []Event
	switch tr.Kind {
	case TransitionNextStage, TransitionPrevStage:
		t.CurrentStage = tr.NextStage
		t.ProcessingWorkerID = ""
		evs = append(evs, NewEvent(t.ProjectID, EventTicketStageCompleted, nil))
	case TransitionCoordinatorAttention:
		t.State = StateOnHold
		t.ProcessingWorkerID = ""
		evs = append(evs, NewEvent(t.ProjectID, EventTicketUpdated, nil))
	case TransitionClose:
		t.State = StateClosed
		t.ProcessingWorkerID = ""
		t.Resolution = tr.Resolution
		evs = append(evs, NewEvent(t.ProjectID, EventTicketClosed, nil))
	}
	cp := *t
	return &cp, evs, nil
}

func (f *fakeStore) CloseTicketAndRecomputeReadiness(ctx context.Context, ticketID, resolution string) (*Ticket, []Event, error) {
	t, ok := f.tickets[ticketID]
	if !ok {
		return nil, nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	t.State = StateClosed
	t.Resolution = resolution
	t.ProcessingWorkerID = ""
	cp := *t
	return &cp, []Event{NewEvent(t.ProjectID, EventTicketClosed, nil)}, nil
}

func (f *fakeStore) AddDependency(ctx context.Context, parentID, childID string) error {
	for _, p := range f.deps[childID] {
		if p == parentID {
			return nil
		}
	}
	f.deps[childID] = append(f.deps[childID], parentID)
	return nil
}
func (f *fakeStore) RemoveDependency(ctx context.Context, parentID, childID string) error {
	return nil
}
func (f *fakeStore) GetDependencyGraph(ctx context.Context, projectID string) ([]Dependency, error) {
	return nil, nil
}
func (f *fakeStore) ListReadyTickets(ctx context.Context, projectID string) ([]Ticket, error) {
	return nil, nil
}
func (f *fakeStore) ListBlockedTickets(ctx context.Context, projectID string) ([]Ticket, error) {
	return nil, nil
}
func (f *fakeStore) GetTicketsByStage(ctx context.Context, projectID, stage string) ([]Ticket, error) {
	return nil, nil
}

func (f *fakeStore) CreateWorker(ctx context.Context, w *WorkerRecord) error { return nil }
func (f *fakeStore) UpdateWorkerStatus(ctx context.Context, workerID string, status WorkerStatus, pid int) error {
	return nil
}
func (f *fakeStore) GetWorker(ctx context.Context, workerID string) (*WorkerRecord, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListWorkers(ctx context.Context, projectID string) ([]WorkerRecord, error) {
	return nil, nil
}
func (f *fakeStore) ListLiveWorkers(ctx context.Context, projectID, workerType string) ([]WorkerRecord, error) {
	return nil, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, e Event) (Event, error) { return e, nil }
func (f *fakeStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	return nil, nil
}
func (f *fakeStore) ResolveEvent(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) SetConfigValue(ctx context.Context, key, value string) error { return nil }

type fakeSink struct {
	events []Event
}

func (s *fakeSink) Publish(e Event) { s.events = append(s.events, e) }

func newTestEngine() (*Engine, *fakeStore, *fakeSink) {
	st := newFakeStore()
	sink := &fakeSink{}
	return NewEngine(st, sink, nil), st, sink
}

func TestCreateDefaultsPriorityAndReadiness(t *testing.T) {
	e, _, sink := newTestEngine()
	ticket, err := e.Create(context.Background(), CreateTicketInput{
		TicketID:      "T1",
		ProjectID:     "proj",
		ExecutionPlan: []string{"planning", "implementation"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.Priority != PriorityMedium {
		t.Fatalf("expected default priority medium, got %q", ticket.Priority)
	}
	if ticket.DependencyStatus != DependencyReady {
		t.Fatalf("expected ready with no dependencies, got %q", ticket.DependencyStatus)
	}
	if len(sink.events) != 1 || sink.events[0].Category != EventTicketCreated {
		t.Fatalf("expected one TicketCreated event, got %v", sink.events)
	}
}

func TestCreateRejectsEmptyExecutionPlan(t *testing.T) {
	e, _, _ := newTestEngine()
	if _, err := e.Create(context.Background(), CreateTicketInput{TicketID: "T1"}); err == nil {
		t.Fatalf("expected error for empty execution_plan")
	} else if coordinatorerr.KindOf(err) != coordinatorerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", coordinatorerr.KindOf(err))
	}
}

func TestClaimRejectsStageMismatch(t *testing.T) {
	e, _, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning", "implementation")

	if _, err := e.Claim(context.Background(), "T1", "w1", "implementation"); err == nil {
		t.Fatalf("expected precondition failure for wrong worker type")
	} else if coordinatorerr.KindOf(err) != coordinatorerr.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", coordinatorerr.KindOf(err))
	}
}

func TestClaimSucceedsAndAdvancesPlannedStage(t *testing.T) {
	e, _, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning", "implementation")

	claimed, err := e.Claim(context.Background(), "T1", "w1", "planning")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.CurrentStage != "planning" {
		t.Fatalf("expected current_stage=planning, got %q", claimed.CurrentStage)
	}
	if claimed.ProcessingWorkerID != "w1" {
		t.Fatalf("expected processing_worker_id=w1, got %q", claimed.ProcessingWorkerID)
	}
}

func TestApplyVerdictNextStagePastLastElementEscalates(t *testing.T) {
	e, _, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning")
	if _, err := e.Claim(context.Background(), "T1", "w1", "planning"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	updated, err := e.ApplyVerdict(context.Background(), "T1", "w1", Verdict{Outcome: OutcomeNextStage, Comment: "done"})
	if err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	if updated.State != StateOnHold {
		t.Fatalf("expected ticket on_hold awaiting coordinator action on escalation, got %q", updated.State)
	}
	if updated.ProcessingWorkerID != "" {
		t.Fatalf("expected ticket released on escalation")
	}
}

func TestApplyVerdictPrevStageBeforeFirstElementEscalates(t *testing.T) {
	e, _, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning", "implementation")
	if _, err := e.Claim(context.Background(), "T1", "w1", "planning"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	updated, err := e.ApplyVerdict(context.Background(), "T1", "w1", Verdict{Outcome: OutcomePrevStage, Comment: "send back"})
	if err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	if updated.CurrentStage != "planning" {
		t.Fatalf("expected ticket to stay at planning on underflow, got %q", updated.CurrentStage)
	}
}

func TestApplyVerdictMalformedOutcomeEscalates(t *testing.T) {
	e, st, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning")
	if _, err := e.Claim(context.Background(), "T1", "w1", "planning"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := e.ApplyVerdict(context.Background(), "T1", "w1", Verdict{Outcome: "bogus"}); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	if st.tickets["T1"].ProcessingWorkerID != "" {
		t.Fatalf("expected ticket released after malformed outcome escalation")
	}
}

func TestApplyVerdictRejectsWrongWorker(t *testing.T) {
	e, _, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning")
	if _, err := e.Claim(context.Background(), "T1", "w1", "planning"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := e.ApplyVerdict(context.Background(), "T1", "w2", Verdict{Outcome: OutcomeClose}); err == nil {
		t.Fatalf("expected precondition failure for non-owning worker")
	} else if coordinatorerr.KindOf(err) != coordinatorerr.PreconditionFailed {
		t.Fatalf("expected PreconditionFailed, got %v", coordinatorerr.KindOf(err))
	}
}

func TestAddDependencyRejectsSelfCycle(t *testing.T) {
	e, _, _ := newTestEngine()
	mustCreate(t, e, "T1", "planning")

	if err := e.AddDependency(context.Background(), "T1", "T1"); err == nil {
		t.Fatalf("expected self-dependency to be rejected")
	} else if coordinatorerr.KindOf(err) != coordinatorerr.Conflict {
		t.Fatalf("expected Conflict, got %v", coordinatorerr.KindOf(err))
	}
}

func mustCreate(t *testing.T, e *Engine, ticketID string, plan ...string) {
	t.Helper()
	if _, err := e.Create(context.Background(), CreateTicketInput{
		TicketID: ticketID, ProjectID: "proj", ExecutionPlan: plan,
	}); err != nil {
		t.Fatalf("create %s: %v", ticketID, err)
	}
}
