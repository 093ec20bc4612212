package rpc

import (
	"context"
	"encoding/json"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
	"github.com/kestrel-labs/coordinator/ticket"
)

// operationsTable is the closed set of call_tool operations. Every entry
// unmarshals its own arguments and returns a JSON-serializable result.
func operationsTable() map[string]operation {
	return map[string]operation{
		"create_project": opCreateProject,
		"list_projects":  opListProjects,
		"get_project":    opGetProject,
		"update_project": opUpdateProject,
		"delete_project": opDeleteProject,

		"create_worker_type": opCreateWorkerType,
		"list_worker_types":  opListWorkerTypes,
		"get_worker_type":    opGetWorkerType,
		"update_worker_type": opUpdateWorkerType,
		"delete_worker_type": opDeleteWorkerType,

		"create_ticket":      opCreateTicket,
		"get_ticket":         opGetTicket,
		"list_tickets":       opListTickets,
		"add_ticket_comment": opAddTicketComment,
		"claim_ticket":       opClaimTicket,
		"apply_verdict":      opApplyVerdict,

		"add_ticket_dependency":    opAddTicketDependency,
		"remove_ticket_dependency": opRemoveTicketDependency,
		"get_dependency_graph":     opGetDependencyGraph,
		"list_ready_tickets":       opListReadyTickets,
		"list_blocked_tickets":     opListBlockedTickets,
		"get_tickets_by_stage":     opGetTicketsByStage,

		"spawn_worker":      opSpawnWorker,
		"stop_worker":       opStopWorker,
		"list_workers":      opListWorkers,
		"get_worker_status": opGetWorkerStatus,

		"list_queues":      opListQueues,
		"get_queue_status": opGetQueueStatus,
		"delete_queue":     opDeleteQueue,

		"get_events":    opGetEvents,
		"resolve_event": opResolveEvent,

		"resume_ticket_processing": opResumeTicketProcessing,
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return coordinatorerr.InvalidArgumentf("invalid arguments: %v", err)
	}
	return nil
}

// --- projects ---

func opCreateProject(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p ticket.Project
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.RepositoryName == "" || p.Path == "" {
		return nil, coordinatorerr.InvalidArgumentf("repository_name and path are required")
	}
	if err := s.store.CreateProject(ctx, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func opListProjects(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	return s.store.ListProjects(ctx)
}

type nameParams struct {
	Name string `json:"name"`
}

func opGetProject(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p nameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.GetProject(ctx, p.Name)
}

func opUpdateProject(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p ticket.Project
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProject(ctx, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func opDeleteProject(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p nameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.store.DeleteProject(ctx, p.Name)
}

// --- worker types ---

func opCreateWorkerType(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var wt ticket.WorkerType
	if err := unmarshalParams(params, &wt); err != nil {
		return nil, err
	}
	if wt.ProjectID == "" || wt.WorkerType == "" || wt.SystemPrompt == "" {
		return nil, coordinatorerr.InvalidArgumentf("project_id, worker_type, and system_prompt are required")
	}
	if err := s.store.CreateWorkerType(ctx, &wt); err != nil {
		return nil, err
	}
	return wt, nil
}

type projectWorkerTypeParams struct {
	ProjectID  string `json:"project_id"`
	WorkerType string `json:"worker_type"`
}

func opListWorkerTypes(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.ListWorkerTypes(ctx, p.ProjectID)
}

func opGetWorkerType(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.GetWorkerType(ctx, p.ProjectID, p.WorkerType)
}

func opUpdateWorkerType(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var wt ticket.WorkerType
	if err := unmarshalParams(params, &wt); err != nil {
		return nil, err
	}
	if err := s.store.UpdateWorkerType(ctx, &wt); err != nil {
		return nil, err
	}
	return wt, nil
}

func opDeleteWorkerType(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.store.DeleteWorkerType(ctx, p.ProjectID, p.WorkerType)
}

// --- tickets ---

type createTicketParams struct {
	TicketID       string          `json:"ticket_id"`
	ProjectID      string          `json:"project_id"`
	ParentTicketID string          `json:"parent_ticket_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	ExecutionPlan  []string        `json:"execution_plan"`
	Priority       ticket.Priority `json:"priority"`
	DependsOn      []string        `json:"depends_on"`
}

func opCreateTicket(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p createTicketParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.Create(ctx, ticket.CreateTicketInput{
		TicketID:       p.TicketID,
		ProjectID:      p.ProjectID,
		ParentTicketID: p.ParentTicketID,
		Title:          p.Title,
		Description:    p.Description,
		ExecutionPlan:  p.ExecutionPlan,
		Priority:       p.Priority,
		DependsOn:      p.DependsOn,
	})
}

type ticketIDParams struct {
	TicketID string `json:"ticket_id"`
}

// ticketView bundles a ticket with its comment history, each comment
// carrying a markdown-rendered HTML rendition alongside the raw content —
// "Reads with comments" per the operations table.
type ticketView struct {
	ticket.Ticket
	Comments []commentView `json:"comments"`
}

type commentView struct {
	ticket.Comment
	ContentHTML string `json:"content_html"`
}

func (s *Server) loadTicketView(ctx context.Context, t ticket.Ticket) (ticketView, error) {
	comments, err := s.store.ListComments(ctx, t.TicketID)
	if err != nil {
		return ticketView{}, err
	}
	views := make([]commentView, len(comments))
	for i, c := range comments {
		views[i] = commentView{Comment: c, ContentHTML: renderCommentHTML(c.Content)}
	}
	return ticketView{Ticket: t, Comments: views}, nil
}

func opGetTicket(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p ticketIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	t, err := s.store.GetTicket(ctx, p.TicketID)
	if err != nil {
		return nil, err
	}
	return s.loadTicketView(ctx, *t)
}

type ticketFilterParams struct {
	ProjectID string       `json:"project_id"`
	State     ticket.State `json:"state"`
	Stage     string       `json:"stage"`
}

func opListTickets(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p ticketFilterParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	filter := ticket.TicketFilter{ProjectID: p.ProjectID, State: p.State, Stage: p.Stage}
	tickets, err := s.store.ListTickets(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]ticketView, len(tickets))
	for i, t := range tickets {
		v, err := s.loadTicketView(ctx, t)
		if err != nil {
			return nil, err
		}
		views[i] = v
	}
	return views, nil
}

func opAddTicketComment(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var c ticket.Comment
	if err := unmarshalParams(params, &c); err != nil {
		return nil, err
	}
	added, err := s.engine.AddComment(ctx, c)
	if err != nil {
		return nil, err
	}
	return commentView{Comment: added, ContentHTML: renderCommentHTML(added.Content)}, nil
}

type claimParams struct {
	TicketID   string `json:"ticket_id"`
	WorkerID   string `json:"worker_id"`
	WorkerType string `json:"worker_type"`
}

func opClaimTicket(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p claimParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.Claim(ctx, p.TicketID, p.WorkerID, p.WorkerType)
}

type applyVerdictParams struct {
	TicketID string         `json:"ticket_id"`
	WorkerID string         `json:"worker_id"`
	Verdict  ticket.Verdict `json:"verdict"`
}

func opApplyVerdict(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p applyVerdictParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.ApplyVerdict(ctx, p.TicketID, p.WorkerID, p.Verdict)
}

// --- dependencies ---

type dependencyParams struct {
	ParentTicketID string `json:"parent_ticket_id"`
	ChildTicketID  string `json:"child_ticket_id"`
}

func opAddTicketDependency(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p dependencyParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.AddDependency(ctx, p.ParentTicketID, p.ChildTicketID)
}

func opRemoveTicketDependency(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p dependencyParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.engine.RemoveDependency(ctx, p.ParentTicketID, p.ChildTicketID)
}

func opGetDependencyGraph(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.GetDependencyGraph(ctx, p.ProjectID)
}

func opListReadyTickets(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.ListReadyTickets(ctx, p.ProjectID)
}

func opListBlockedTickets(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.ListBlockedTickets(ctx, p.ProjectID)
}

type stageParams struct {
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
}

func opGetTicketsByStage(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p stageParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.GetTicketsByStage(ctx, p.ProjectID, p.Stage)
}

// --- workers ---

func opSpawnWorker(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.supervisor.Spawn(ctx, p.ProjectID, p.WorkerType)
}

type stopWorkerParams struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

func opStopWorker(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p stopWorkerParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.supervisor.Stop(ctx, p.WorkerID, p.Reason)
}

func opListWorkers(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p projectWorkerTypeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.ListWorkers(ctx, p.ProjectID)
}

type workerIDParams struct {
	WorkerID string `json:"worker_id"`
}

func opGetWorkerStatus(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p workerIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.store.GetWorker(ctx, p.WorkerID)
}

// --- queues ---

func opListQueues(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	return s.registry.List(), nil
}

type queueNameParams struct {
	QueueName string `json:"queue_name"`
}

func opGetQueueStatus(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p queueNameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.registry.QueueStatus(p.QueueName)
}

func opDeleteQueue(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p queueNameParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.registry.Delete(p.QueueName)
}

// --- events ---

type eventFilterParams struct {
	ProjectID       string               `json:"project_id"`
	Category        ticket.EventCategory `json:"category"`
	UnprocessedOnly bool                 `json:"unprocessed_only"`
	Since           int64                `json:"since"`
}

func opGetEvents(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p eventFilterParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	filter := ticket.EventFilter{
		ProjectID:       p.ProjectID,
		Category:        p.Category,
		UnprocessedOnly: p.UnprocessedOnly,
		Since:           p.Since,
	}
	return s.store.ListEvents(ctx, filter)
}

type eventIDParams struct {
	ID int64 `json:"id"`
}

func opResolveEvent(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p eventIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.store.ResolveEvent(ctx, p.ID)
}

// --- dispatcher ---

type resumeParams struct {
	TicketID string `json:"ticket_id"`
	Stage    string `json:"stage"`
}

// opResumeTicketProcessing is the only way a ticket on_hold in
// coordinator_attention leaves that resting state: it clears the attention
// marker (and, if Stage is given, first advances the ticket to it directly,
// bypassing the plan sequence, as the operations table allows) before
// the Dispatcher re-matches it like any other trigger.
func opResumeTicketProcessing(ctx context.Context, s *Server, params json.RawMessage) (any, error) {
	var p resumeParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	t, err := s.store.GetTicket(ctx, p.TicketID)
	if err != nil {
		return nil, err
	}
	if p.Stage != "" && p.Stage != t.CurrentStage {
		if err := s.store.SetTicketStage(ctx, t.TicketID, p.Stage); err != nil {
			return nil, err
		}
	} else if err := s.store.ResumeFromAttention(ctx, t.TicketID); err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(ctx, t.ProjectID); err != nil {
		return nil, err
	}
	return s.store.GetTicket(ctx, p.TicketID)
}
