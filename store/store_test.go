package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
	"github.com/kestrel-labs/coordinator/ticket"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, nil)
}

func mustCreateProject(t *testing.T, s *Store, name string) {
	t.Helper()
	if err := s.CreateProject(context.Background(), &ticket.Project{
		RepositoryName: name,
		Path:           "/work/" + name,
	}); err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
}

func TestProjectCRUDRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")

	got, err := s.GetProject(ctx, "demo")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Path != "/work/demo" {
		t.Fatalf("path = %q, want /work/demo", got.Path)
	}

	got.Description = "updated"
	if err := s.UpdateProject(ctx, got); err != nil {
		t.Fatalf("update project: %v", err)
	}
	reloaded, err := s.GetProject(ctx, "demo")
	if err != nil {
		t.Fatalf("get project after update: %v", err)
	}
	if reloaded.Description != "updated" {
		t.Fatalf("description = %q, want updated", reloaded.Description)
	}

	if err := s.DeleteProject(ctx, "demo"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := s.GetProject(ctx, "demo"); coordinatorerr.KindOf(err) != coordinatorerr.NotFound {
		t.Fatalf("get after delete: err = %v, want NotFound", err)
	}
}

func TestCreateProjectDuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")

	err := s.CreateProject(ctx, &ticket.Project{RepositoryName: "demo", Path: "/other"})
	if coordinatorerr.KindOf(err) != coordinatorerr.Conflict {
		t.Fatalf("duplicate create: err = %v, want Conflict", err)
	}
}

func mustCreateTicket(t *testing.T, s *Store, ticketID, projectID string, plan []string, dependsOn []string) *ticket.Ticket {
	t.Helper()
	tk := &ticket.Ticket{
		TicketID:      ticketID,
		ProjectID:     projectID,
		Title:         ticketID,
		ExecutionPlan: plan,
		CurrentStage:  ticket.PlannedStage,
		State:         ticket.StateOpen,
		Priority:      ticket.PriorityMedium,
	}
	if len(dependsOn) == 0 {
		tk.DependencyStatus = ticket.DependencyReady
	} else {
		tk.DependencyStatus = ticket.DependencyBlocked
	}
	if err := s.CreateTicket(context.Background(), tk, dependsOn); err != nil {
		t.Fatalf("create ticket %s: %v", ticketID, err)
	}
	return tk
}

func TestClaimExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "T1", "demo", []string{"implementation"}, nil)

	if _, err := s.Claim(ctx, "T1", "worker-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.Claim(ctx, "T1", "worker-b"); coordinatorerr.KindOf(err) != coordinatorerr.Conflict {
		t.Fatalf("second claim: err = %v, want Conflict", err)
	}

	if err := s.Release(ctx, "T1", "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := s.Claim(ctx, "T1", "worker-b"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestReleaseIsIdempotentForWrongWorker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "T1", "demo", []string{"implementation"}, nil)

	if _, err := s.Claim(ctx, "T1", "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Release(ctx, "T1", "worker-b"); err != nil {
		t.Fatalf("release by non-holder should be a no-op, got: %v", err)
	}
	tk, err := s.GetTicket(ctx, "T1")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if tk.ProcessingWorkerID != "worker-a" {
		t.Fatalf("processing_worker_id = %q, want worker-a (release by wrong worker must not clear it)", tk.ProcessingWorkerID)
	}
}

func TestAppendCommentAndTransitionIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "T1", "demo", []string{"implementation", "review"}, nil)
	if _, err := s.Claim(ctx, "T1", "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	comment := ticket.Comment{TicketID: "T1", WorkerID: "worker-a", Content: "moving on"}
	tr := ticket.Transition{Kind: ticket.TransitionNextStage, NextStage: "review"}
	updated, events, err := s.AppendCommentAndTransition(ctx, "T1", comment, tr)
	if err != nil {
		t.Fatalf("append+transition: %v", err)
	}
	if updated.CurrentStage != "review" {
		t.Fatalf("current_stage = %q, want review", updated.CurrentStage)
	}
	if updated.ProcessingWorkerID != "" {
		t.Fatalf("processing_worker_id = %q, want cleared", updated.ProcessingWorkerID)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one event row from the transition")
	}

	comments, err := s.ListComments(ctx, "T1")
	if err != nil {
		t.Fatalf("list comments: %v", err)
	}
	if len(comments) != 1 || comments[0].Content != "moving on" {
		t.Fatalf("comments = %+v, want one comment with the transition's content", comments)
	}
}

func TestCoordinatorAttentionRestsUntilResumed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "T1", "demo", []string{"implementation"}, nil)
	if _, err := s.Claim(ctx, "T1", "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	comment := ticket.Comment{TicketID: "T1", WorkerID: "worker-a", Content: "stuck"}
	tr := ticket.Transition{Kind: ticket.TransitionCoordinatorAttention}
	if _, _, err := s.AppendCommentAndTransition(ctx, "T1", comment, tr); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	escalated, err := s.GetTicket(ctx, "T1")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if escalated.State != ticket.StateOnHold {
		t.Fatalf("state = %q, want on_hold after escalation", escalated.State)
	}

	ready, err := s.ListReadyTickets(ctx, "demo")
	if err != nil {
		t.Fatalf("list ready tickets: %v", err)
	}
	for _, rt := range ready {
		if rt.TicketID == "T1" {
			t.Fatalf("escalated ticket T1 still listed as ready, want excluded until resumed")
		}
	}

	if err := s.ResumeFromAttention(ctx, "T1"); err != nil {
		t.Fatalf("resume from attention: %v", err)
	}
	resumed, err := s.GetTicket(ctx, "T1")
	if err != nil {
		t.Fatalf("get ticket after resume: %v", err)
	}
	if resumed.State != ticket.StateOpen {
		t.Fatalf("state = %q, want open after resume", resumed.State)
	}

	ready, err = s.ListReadyTickets(ctx, "demo")
	if err != nil {
		t.Fatalf("list ready tickets after resume: %v", err)
	}
	found := false
	for _, rt := range ready {
		if rt.TicketID == "T1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("resumed ticket T1 not listed as ready")
	}
}

func TestCloseTicketAndRecomputeReadinessUnblocksDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "parent", "demo", []string{"implementation"}, nil)
	mustCreateTicket(t, s, "child", "demo", []string{"implementation"}, []string{"parent"})

	blocked, err := s.GetTicket(ctx, "child")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if blocked.DependencyStatus != ticket.DependencyBlocked {
		t.Fatalf("child dependency_status = %q, want blocked", blocked.DependencyStatus)
	}

	if _, _, err := s.CloseTicketAndRecomputeReadiness(ctx, "parent", "done"); err != nil {
		t.Fatalf("close parent: %v", err)
	}

	unblocked, err := s.GetTicket(ctx, "child")
	if err != nil {
		t.Fatalf("get child after close: %v", err)
	}
	if unblocked.DependencyStatus != ticket.DependencyReady {
		t.Fatalf("child dependency_status = %q, want ready after parent closed", unblocked.DependencyStatus)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "A", "demo", []string{"implementation"}, nil)
	mustCreateTicket(t, s, "B", "demo", []string{"implementation"}, []string{"A"})

	err := s.AddDependency(ctx, "B", "A")
	if coordinatorerr.KindOf(err) != coordinatorerr.Conflict {
		t.Fatalf("cyclic dependency: err = %v, want Conflict", err)
	}
}

func TestSetTicketStageOverridesAndClearsClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateProject(t, s, "demo")
	mustCreateTicket(t, s, "T1", "demo", []string{"implementation", "review"}, nil)
	if _, err := s.Claim(ctx, "T1", "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.SetTicketStage(ctx, "T1", "review"); err != nil {
		t.Fatalf("set ticket stage: %v", err)
	}
	tk, err := s.GetTicket(ctx, "T1")
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if tk.CurrentStage != "review" {
		t.Fatalf("current_stage = %q, want review", tk.CurrentStage)
	}
	if tk.ProcessingWorkerID != "" {
		t.Fatalf("processing_worker_id = %q, want cleared by stage override", tk.ProcessingWorkerID)
	}
}

func TestConfigValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetConfigValue(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if err := s.SetConfigValue(ctx, "max_workers_per_type:implementation", "5"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	v, ok, err := s.GetConfigValue(ctx, "max_workers_per_type:implementation")
	if err != nil || !ok || v != "5" {
		t.Fatalf("get config: v=%q ok=%v err=%v, want 5/true/nil", v, ok, err)
	}
}
