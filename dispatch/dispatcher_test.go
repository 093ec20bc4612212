package dispatch

import (
	"context"
	"testing"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
	"github.com/kestrel-labs/coordinator/queue"
	"github.com/kestrel-labs/coordinator/ticket"
)

// fakeStore is a minimal ticket.Store double scoped to what the Dispatcher
// exercises: listing ready tickets and live/all workers.
type fakeStore struct {
	readyByProject map[string][]ticket.Ticket
	workers        map[string][]ticket.WorkerRecord // project -> workers
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		readyByProject: map[string][]ticket.Ticket{},
		workers:        map[string][]ticket.WorkerRecord{},
	}
}

func (f *fakeStore) CreateProject(ctx context.Context, p *ticket.Project) error { return nil }
func (f *fakeStore) GetProject(ctx context.Context, name string) (*ticket.Project, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListProjects(ctx context.Context) ([]ticket.Project, error) { return nil, nil }
func (f *fakeStore) UpdateProject(ctx context.Context, p *ticket.Project) error { return nil }
func (f *fakeStore) DeleteProject(ctx context.Context, name string) error      { return nil }

func (f *fakeStore) CreateWorkerType(ctx context.Context, wt *ticket.WorkerType) error { return nil }
func (f *fakeStore) GetWorkerType(ctx context.Context, projectID, workerType string) (*ticket.WorkerType, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListWorkerTypes(ctx context.Context, projectID string) ([]ticket.WorkerType, error) {
	return nil, nil
}
func (f *fakeStore) UpdateWorkerType(ctx context.Context, wt *ticket.WorkerType) error { return nil }
func (f *fakeStore) DeleteWorkerType(ctx context.Context, projectID, workerType string) error {
	return nil
}

func (f *fakeStore) CreateTicket(ctx context.Context, t *ticket.Ticket, dependsOn []string) error {
	return nil
}
func (f *fakeStore) GetTicket(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) GetTicketByWorker(ctx context.Context, workerID string) (*ticket.Ticket, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListTickets(ctx context.Context, filter ticket.TicketFilter) ([]ticket.Ticket, error) {
	return nil, nil
}
func (f *fakeStore) ListComments(ctx context.Context, ticketID string) ([]ticket.Comment, error) {
	return nil, nil
}
func (f *fakeStore) AddComment(ctx context.Context, c ticket.Comment) (ticket.Comment, error) {
	return c, nil
}

func (f *fakeStore) Claim(ctx context.Context, ticketID, workerID string) (*ticket.Ticket, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) Release(ctx context.Context, ticketID, workerID string) error { return nil }

func (f *fakeStore) SetTicketStage(ctx context.Context, ticketID, stage string) error { return nil }

func (f *fakeStore) ResumeFromAttention(ctx context.Context, ticketID string) error { return nil }

func (f *fakeStore) AppendCommentAndTransition(ctx context.Context, ticketID string, c ticket.Comment, tr ticket.Transition) (*ticket.Ticket, []ticket.Event, error) {
	return nil, nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) CloseTicketAndRecomputeReadiness(ctx context.Context, ticketID, resolution string) (*ticket.Ticket, []ticket.Event, error) {
	return nil, nil, coordinatorerr.NotFoundf("not implemented in fake")
}

func (f *fakeStore) AddDependency(ctx context.Context, parentID, childID string) error    { return nil }
func (f *fakeStore) RemoveDependency(ctx context.Context, parentID, childID string) error { return nil }
func (f *fakeStore) GetDependencyGraph(ctx context.Context, projectID string) ([]ticket.Dependency, error) {
	return nil, nil
}

func (f *fakeStore) ListReadyTickets(ctx context.Context, projectID string) ([]ticket.Ticket, error) {
	return f.readyByProject[projectID], nil
}
func (f *fakeStore) ListBlockedTickets(ctx context.Context, projectID string) ([]ticket.Ticket, error) {
	return nil, nil
}
func (f *fakeStore) GetTicketsByStage(ctx context.Context, projectID, stage string) ([]ticket.Ticket, error) {
	return nil, nil
}

func (f *fakeStore) CreateWorker(ctx context.Context, w *ticket.WorkerRecord) error { return nil }
func (f *fakeStore) UpdateWorkerStatus(ctx context.Context, workerID string, status ticket.WorkerStatus, pid int) error {
	return nil
}
func (f *fakeStore) GetWorker(ctx context.Context, workerID string) (*ticket.WorkerRecord, error) {
	return nil, coordinatorerr.NotFoundf("not implemented in fake")
}
func (f *fakeStore) ListWorkers(ctx context.Context, projectID string) ([]ticket.WorkerRecord, error) {
	return f.workers[projectID], nil
}
func (f *fakeStore) ListLiveWorkers(ctx context.Context, projectID, workerType string) ([]ticket.WorkerRecord, error) {
	var live []ticket.WorkerRecord
	for _, w := range f.workers[projectID] {
		if w.WorkerType == workerType && w.Status.Live() {
			live = append(live, w)
		}
	}
	return live, nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, e ticket.Event) (ticket.Event, error) {
	return e, nil
}
func (f *fakeStore) ListEvents(ctx context.Context, filter ticket.EventFilter) ([]ticket.Event, error) {
	return nil, nil
}
func (f *fakeStore) ResolveEvent(ctx context.Context, id int64) error { return nil }

func (f *fakeStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeStore) SetConfigValue(ctx context.Context, key, value string) error { return nil }

type fakeSink struct {
	events []ticket.Event
}

func (s *fakeSink) Publish(e ticket.Event) { s.events = append(s.events, e) }

// fakeSpawner is a Spawner double: it records Spawn calls and hands back
// configurable workers, with no real subprocess involved.
type fakeSpawner struct {
	spawnCalls  int
	spawnErr    error
	nextWorker  func(projectID, workerType string) ticket.WorkerRecord
	healthCalls int
}

func (f *fakeSpawner) Spawn(ctx context.Context, projectID, workerType string) (*ticket.WorkerRecord, error) {
	f.spawnCalls++
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	w := f.nextWorker(projectID, workerType)
	return &w, nil
}

func (f *fakeSpawner) HealthCheck(ctx context.Context, workerID string) (ticket.WorkerStatus, error) {
	f.healthCalls++
	return ticket.WorkerActive, nil
}

func readyTicket(id, projectID, stage string) ticket.Ticket {
	return ticket.Ticket{
		TicketID:         id,
		ProjectID:        projectID,
		ExecutionPlan:    []string{stage},
		CurrentStage:     stage,
		State:            ticket.StateOpen,
		Priority:         ticket.PriorityMedium,
		DependencyStatus: ticket.DependencyReady,
	}
}

func TestDispatchSpawnsWorkerWhenNoneLive(t *testing.T) {
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	reg := queue.NewRegistry()
	sink := &fakeSink{}
	spawner := &fakeSpawner{nextWorker: func(projectID, workerType string) ticket.WorkerRecord {
		qn := "queue_w1"
		reg.Create(qn)
		return ticket.WorkerRecord{WorkerID: "w1", ProjectID: projectID, WorkerType: workerType, Status: ticket.WorkerActive, QueueName: qn}
	}}
	d := New(st, reg, spawner, sink, nil, nil)

	if err := d.Dispatch(context.Background(), "proj"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if spawner.spawnCalls != 1 {
		t.Fatalf("expected one spawn call, got %d", spawner.spawnCalls)
	}
	status, err := reg.QueueStatus("queue_w1")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if status.Depth != 1 {
		t.Fatalf("expected ticket enqueued, depth=%d", status.Depth)
	}
}

func TestDispatchAssignsToExistingWorker(t *testing.T) {
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	reg := queue.NewRegistry()
	reg.Create("queue_w1")
	st.workers["proj"] = []ticket.WorkerRecord{
		{WorkerID: "w1", ProjectID: "proj", WorkerType: "implementation", Status: ticket.WorkerIdle, QueueName: "queue_w1"},
	}
	spawner := &fakeSpawner{nextWorker: func(string, string) ticket.WorkerRecord {
		t.Fatal("should not spawn when a live worker exists")
		return ticket.WorkerRecord{}
	}}
	d := New(st, reg, spawner, &fakeSink{}, nil, nil)

	if err := d.Dispatch(context.Background(), "proj"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ok, err := reg.Contains("queue_w1", "T1")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !ok {
		t.Fatalf("expected ticket enqueued on existing worker's queue")
	}
}

func TestDispatchSkipsAlreadyEnqueuedTicket(t *testing.T) {
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	reg := queue.NewRegistry()
	reg.Create("queue_w1")
	if _, err := reg.Enqueue("queue_w1", "T1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	st.workers["proj"] = []ticket.WorkerRecord{
		{WorkerID: "w1", ProjectID: "proj", WorkerType: "implementation", Status: ticket.WorkerIdle, QueueName: "queue_w1"},
	}
	sink := &fakeSink{}
	d := New(st, reg, &fakeSpawner{}, sink, nil, nil)

	if err := d.Dispatch(context.Background(), "proj"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	status, _ := reg.QueueStatus("queue_w1")
	if status.Depth != 1 {
		t.Fatalf("expected ticket not re-enqueued, depth=%d", status.Depth)
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no enqueue event for an already-enqueued ticket, got %v", sink.events)
	}
}

func TestDispatchStillUsesExistingWorkerAtCapacity(t *testing.T) {
	// maxWorkersPerType only gates spawning a *new* worker; an existing live
	// worker of the right type is always reused regardless of the cap.
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	reg := queue.NewRegistry()
	reg.Create("queue_w1")
	st.workers["proj"] = []ticket.WorkerRecord{
		{WorkerID: "w1", ProjectID: "proj", WorkerType: "implementation", Status: ticket.WorkerActive, QueueName: "queue_w1"},
	}
	spawner := &fakeSpawner{nextWorker: func(string, string) ticket.WorkerRecord {
		t.Fatal("should not spawn while a live worker of this type exists")
		return ticket.WorkerRecord{}
	}}
	d := New(st, reg, spawner, &fakeSink{}, map[string]int{"implementation": 1}, nil)

	if err := d.Dispatch(context.Background(), "proj"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	ok, _ := reg.Contains("queue_w1", "T1")
	if !ok {
		t.Fatalf("expected the lone live worker to receive the ticket")
	}
}

func TestDispatchDefersWhenCapacityExhausted(t *testing.T) {
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	reg := queue.NewRegistry()
	// No live workers at all and the cap is already at zero spare capacity.
	spawner := &fakeSpawner{nextWorker: func(string, string) ticket.WorkerRecord {
		t.Fatal("should not spawn once max_workers_per_type is reached")
		return ticket.WorkerRecord{}
	}}
	d := New(st, reg, spawner, &fakeSink{}, map[string]int{"implementation": 0}, nil)

	if err := d.Dispatch(context.Background(), "proj"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if spawner.spawnCalls != 0 {
		t.Fatalf("expected no spawn, got %d calls", spawner.spawnCalls)
	}
}

func TestDispatchSkipsClaimedTickets(t *testing.T) {
	st := newFakeStore()
	claimed := readyTicket("T1", "proj", "implementation")
	claimed.ProcessingWorkerID = "w1"
	st.readyByProject["proj"] = []ticket.Ticket{claimed}
	reg := queue.NewRegistry()
	spawner := &fakeSpawner{nextWorker: func(string, string) ticket.WorkerRecord {
		t.Fatal("should not dispatch an already-claimed ticket")
		return ticket.WorkerRecord{}
	}}
	d := New(st, reg, spawner, &fakeSink{}, nil, nil)

	if err := d.Dispatch(context.Background(), "proj"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
}

func TestRebuildBehavesLikeDispatch(t *testing.T) {
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	reg := queue.NewRegistry()
	spawner := &fakeSpawner{nextWorker: func(projectID, workerType string) ticket.WorkerRecord {
		qn := "queue_w1"
		reg.Create(qn)
		return ticket.WorkerRecord{WorkerID: "w1", ProjectID: projectID, WorkerType: workerType, Status: ticket.WorkerActive, QueueName: qn}
	}}
	d := New(st, reg, spawner, &fakeSink{}, nil, nil)

	if err := d.Rebuild(context.Background(), "proj"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if spawner.spawnCalls != 1 {
		t.Fatalf("expected rebuild to spawn like dispatch, got %d calls", spawner.spawnCalls)
	}
}

func TestSweepHealthChecksLiveWorkersThenDispatches(t *testing.T) {
	st := newFakeStore()
	st.readyByProject["proj"] = []ticket.Ticket{readyTicket("T1", "proj", "implementation")}
	st.workers["proj"] = []ticket.WorkerRecord{
		{WorkerID: "w1", ProjectID: "proj", WorkerType: "implementation", Status: ticket.WorkerActive, QueueName: "queue_w1"},
		{WorkerID: "w2", ProjectID: "proj", WorkerType: "implementation", Status: ticket.WorkerFinished, QueueName: "queue_w2"},
	}
	reg := queue.NewRegistry()
	reg.Create("queue_w1")
	spawner := &fakeSpawner{}
	d := New(st, reg, spawner, &fakeSink{}, nil, nil)

	d.sweep(context.Background(), []string{"proj"})

	if spawner.healthCalls != 1 {
		t.Fatalf("expected exactly one health check for the live worker, got %d", spawner.healthCalls)
	}
	ok, _ := reg.Contains("queue_w1", "T1")
	if !ok {
		t.Fatalf("expected sweep to dispatch the ready ticket after health checks")
	}
}
