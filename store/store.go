package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/kestrel-labs/coordinator/internal/coordinatorerr"
	"github.com/kestrel-labs/coordinator/supervisor"
	"github.com/kestrel-labs/coordinator/ticket"
)

// Store implements ticket.Store against a DB. It is the single source of
// truth required for global state: the Engine, Dispatcher, and
// RPC layer hold no ticket/worker data of their own.
type Store struct {
	db      *DB
	log     *slog.Logger
	collate *collate.Collator
}

func NewStore(db *DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, collate: collate.New(language.English)}
}

func nowUTC() time.Time { return time.Now().UTC() }

func timeStr(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTimeStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p *ticket.Project) error {
	now := nowUTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO projects (repository_name, path, description, rules, patterns,
			rules_version, patterns_version, jbct_enabled, jbct_version, jbct_url,
			created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.RepositoryName, p.Path, p.Description, p.Rules, p.Patterns,
		p.RulesVersion, p.PatternsVersion, p.JBCTEnabled, p.JBCTVersion, p.JBCTURL,
		timeStr(now), timeStr(now))
	if err != nil {
		if isUniqueViolation(err) {
			return coordinatorerr.Conflictf("project %q already exists", p.RepositoryName)
		}
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "create project", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*ticket.Project, error) {
	var p ticket.Project
	var createdAt, updatedAt string
	err := row.Scan(&p.RepositoryName, &p.Path, &p.Description, &p.Rules, &p.Patterns,
		&p.RulesVersion, &p.PatternsVersion, &p.JBCTEnabled, &p.JBCTVersion, &p.JBCTURL,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}

const projectColumns = `repository_name, path, description, rules, patterns,
	rules_version, patterns_version, jbct_enabled, jbct_version, jbct_url,
	created_at, updated_at`

func (s *Store) GetProject(ctx context.Context, name string) (*ticket.Project, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE repository_name=?`, name)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, coordinatorerr.NotFoundf("project %q not found", name)
	}
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get project", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]ticket.Project, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects`)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list projects", err)
	}
	defer rows.Close()

	var out []ticket.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan project", err)
		}
		out = append(out, *p)
	}
	// Locale-stable, case-insensitive ordering rather than raw byte sort.
	sort.Slice(out, func(i, j int) bool {
		return s.collate.CompareString(out[i].RepositoryName, out[j].RepositoryName) < 0
	})
	return out, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *ticket.Project) error {
	p.UpdatedAt = nowUTC()
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE projects SET path=?, description=?, rules=?, patterns=?, rules_version=?,
			patterns_version=?, jbct_enabled=?, jbct_version=?, jbct_url=?, updated_at=?
		WHERE repository_name=?`,
		p.Path, p.Description, p.Rules, p.Patterns, p.RulesVersion, p.PatternsVersion,
		p.JBCTEnabled, p.JBCTVersion, p.JBCTURL, timeStr(p.UpdatedAt), p.RepositoryName)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "update project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinatorerr.NotFoundf("project %q not found", p.RepositoryName)
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, name string) error {
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM projects WHERE repository_name=?`, name)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "delete project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinatorerr.NotFoundf("project %q not found", name)
	}
	return nil
}

// --- Worker types ---

func (s *Store) CreateWorkerType(ctx context.Context, wt *ticket.WorkerType) error {
	now := nowUTC()
	wt.CreatedAt, wt.UpdatedAt = now, now
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO worker_types (project_id, worker_type, short_description, system_prompt, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		wt.ProjectID, wt.WorkerType, wt.ShortDescription, wt.SystemPrompt, timeStr(now), timeStr(now))
	if err != nil {
		if isUniqueViolation(err) {
			return coordinatorerr.Conflictf("worker type %q already exists in project %q", wt.WorkerType, wt.ProjectID)
		}
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "create worker type", err)
	}
	return nil
}

func scanWorkerType(row interface{ Scan(...any) error }) (*ticket.WorkerType, error) {
	var wt ticket.WorkerType
	var createdAt, updatedAt string
	if err := row.Scan(&wt.ProjectID, &wt.WorkerType, &wt.ShortDescription, &wt.SystemPrompt,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	wt.CreatedAt, _ = parseTime(createdAt)
	wt.UpdatedAt, _ = parseTime(updatedAt)
	return &wt, nil
}

func (s *Store) GetWorkerType(ctx context.Context, projectID, workerType string) (*ticket.WorkerType, error) {
	row := s.db.conn.QueryRowContext(ctx, `
		SELECT project_id, worker_type, short_description, system_prompt, created_at, updated_at
		FROM worker_types WHERE project_id=? AND worker_type=?`, projectID, workerType)
	wt, err := scanWorkerType(row)
	if err == sql.ErrNoRows {
		return nil, coordinatorerr.NotFoundf("worker type %q not found in project %q", workerType, projectID)
	}
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get worker type", err)
	}
	return wt, nil
}

func (s *Store) ListWorkerTypes(ctx context.Context, projectID string) ([]ticket.WorkerType, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT project_id, worker_type, short_description, system_prompt, created_at, updated_at
		FROM worker_types WHERE project_id=?`, projectID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list worker types", err)
	}
	defer rows.Close()
	var out []ticket.WorkerType
	for rows.Next() {
		wt, err := scanWorkerType(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan worker type", err)
		}
		out = append(out, *wt)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.collate.CompareString(out[i].WorkerType, out[j].WorkerType) < 0
	})
	return out, rows.Err()
}

func (s *Store) UpdateWorkerType(ctx context.Context, wt *ticket.WorkerType) error {
	wt.UpdatedAt = nowUTC()
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE worker_types SET short_description=?, system_prompt=?, updated_at=?
		WHERE project_id=? AND worker_type=?`,
		wt.ShortDescription, wt.SystemPrompt, timeStr(wt.UpdatedAt), wt.ProjectID, wt.WorkerType)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "update worker type", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinatorerr.NotFoundf("worker type %q not found in project %q", wt.WorkerType, wt.ProjectID)
	}
	return nil
}

// DeleteWorkerType rejects deletion with Conflict while a live worker of
// that type exists, per the Open Question decision recorded in DESIGN.md.
func (s *Store) DeleteWorkerType(ctx context.Context, projectID, workerType string) error {
	var liveCount int
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers
		WHERE project_id=? AND worker_type=? AND status IN ('spawning','active','idle')`,
		projectID, workerType).Scan(&liveCount)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "check live workers", err)
	}
	if liveCount > 0 {
		return coordinatorerr.Conflictf(
			"worker type %q still has %d live worker(s)", workerType, liveCount)
	}

	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM worker_types WHERE project_id=? AND worker_type=?`, projectID, workerType)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "delete worker type", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinatorerr.NotFoundf("worker type %q not found in project %q", workerType, projectID)
	}
	return nil
}

// --- Tickets ---

const ticketColumns = `ticket_id, project_id, parent_ticket_id, title, description,
	execution_plan, current_stage, state, priority, dependency_status,
	processing_worker_id, created_at, updated_at, closed_at, resolution`

func scanTicket(row interface{ Scan(...any) error }) (*ticket.Ticket, error) {
	var t ticket.Ticket
	var parentID, description, processingWorkerID, closedAt, resolution sql.NullString
	var plan string
	var createdAt, updatedAt string

	if err := row.Scan(&t.TicketID, &t.ProjectID, &parentID, &t.Title, &description,
		&plan, &t.CurrentStage, &t.State, &t.Priority, &t.DependencyStatus,
		&processingWorkerID, &createdAt, &updatedAt, &closedAt, &resolution); err != nil {
		return nil, err
	}
	t.ParentTicketID = parentID.String
	t.Description = description.String
	t.ProcessingWorkerID = processingWorkerID.String
	t.Resolution = resolution.String
	if err := json.Unmarshal([]byte(plan), &t.ExecutionPlan); err != nil {
		return nil, fmt.Errorf("unmarshal execution_plan: %w", err)
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	if closedAt.Valid {
		ct, _ := parseTime(closedAt.String)
		t.ClosedAt = &ct
	}
	return &t, nil
}

func (s *Store) CreateTicket(ctx context.Context, t *ticket.Ticket, dependsOn []string) error {
	if len(t.ExecutionPlan) == 0 {
		return coordinatorerr.InvalidArgumentf("execution_plan must be non-empty")
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "begin create ticket tx", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.CurrentStage == "" {
		t.CurrentStage = ticket.PlannedStage
	}
	if t.State == "" {
		t.State = ticket.StateOpen
	}

	plan, err := json.Marshal(t.ExecutionPlan)
	if err != nil {
		return fmt.Errorf("marshal execution_plan: %w", err)
	}

	// Readiness: ready iff every dependency is already closed.
	depStatus := ticket.DependencyReady
	for _, parentID := range dependsOn {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM tickets WHERE ticket_id=?`, parentID).Scan(&state)
		if err == sql.ErrNoRows {
			return coordinatorerr.InvalidArgumentf("dependency %q does not exist", parentID)
		}
		if err != nil {
			return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "check dependency state", err)
		}
		if state != string(ticket.StateClosed) {
			depStatus = ticket.DependencyBlocked
		}
	}
	t.DependencyStatus = depStatus

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (ticket_id, project_id, parent_ticket_id, title, description,
			execution_plan, current_stage, state, priority, dependency_status,
			processing_worker_id, created_at, updated_at, closed_at, resolution)
		VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?,?,NULL,NULL)`,
		t.TicketID, t.ProjectID, nullString(t.ParentTicketID), t.Title, nullString(t.Description),
		string(plan), t.CurrentStage, t.State, t.Priority, t.DependencyStatus,
		timeStr(now), timeStr(now))
	if err != nil {
		if isUniqueViolation(err) {
			return coordinatorerr.Conflictf("ticket %q already exists", t.TicketID)
		}
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "insert ticket", err)
	}

	for _, parentID := range dependsOn {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_dependencies (parent_ticket_id, child_ticket_id) VALUES (?,?)`,
			parentID, t.TicketID); err != nil {
			return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "insert dependency", err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id=?`, ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get ticket", err)
	}
	return t, nil
}

func (s *Store) GetTicketByWorker(ctx context.Context, workerID string) (*ticket.Ticket, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE processing_worker_id=?`, workerID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, coordinatorerr.NotFoundf("worker %q holds no claim", workerID)
	}
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get ticket by worker", err)
	}
	return t, nil
}

func (s *Store) ListTickets(ctx context.Context, filter ticket.TicketFilter) ([]ticket.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, filter.ProjectID)
	}
	if filter.State != "" {
		query += ` AND state=?`
		args = append(args, filter.State)
	}
	if filter.Stage != "" {
		query += ` AND current_stage=?`
		args = append(args, filter.Stage)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list tickets", err)
	}
	defer rows.Close()
	var out []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan ticket", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) ListComments(ctx context.Context, ticketID string) ([]ticket.Comment, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT id, ticket_id, worker_type, worker_id, stage_index, content, created_at
		FROM comments WHERE ticket_id=? ORDER BY id ASC`, ticketID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list comments", err)
	}
	defer rows.Close()
	var out []ticket.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan comment", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanComment(row interface{ Scan(...any) error }) (*ticket.Comment, error) {
	var c ticket.Comment
	var workerType, workerID sql.NullString
	var stageIndex sql.NullInt64
	var createdAt string
	if err := row.Scan(&c.ID, &c.TicketID, &workerType, &workerID, &stageIndex, &c.Content, &createdAt); err != nil {
		return nil, err
	}
	c.WorkerType = workerType.String
	c.WorkerID = workerID.String
	if stageIndex.Valid {
		v := int(stageIndex.Int64)
		c.StageIndex = &v
	}
	c.CreatedAt, _ = parseTime(createdAt)
	return &c, nil
}

func (s *Store) AddComment(ctx context.Context, c ticket.Comment) (ticket.Comment, error) {
	now := nowUTC()
	c.CreatedAt = now
	var stageIdx any
	if c.StageIndex != nil {
		stageIdx = *c.StageIndex
	}
	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO comments (ticket_id, worker_type, worker_id, stage_index, content, created_at)
		VALUES (?,?,?,?,?,?)`,
		c.TicketID, nullString(c.WorkerType), nullString(c.WorkerID), stageIdx, c.Content, timeStr(now))
	if err != nil {
		return ticket.Comment{}, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "add comment", err)
	}
	id, _ := res.LastInsertId()
	c.ID = id
	return c, nil
}

// Claim atomically assigns ticketID to workerID. Because the DB connection
// pool is capped at one open connection (see Open), every transaction in
// this Store is already serialized by the driver — giving the row-level
// locking required for claim exclusivity and apply_verdict
// linearization without needing SQLite's more awkward BEGIN IMMEDIATE /
// busy-retry dance.
func (s *Store) Claim(ctx context.Context, ticketID, workerID string) (*ticket.Ticket, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "begin claim tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id=?`, ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan ticket for claim", err)
	}
	if t.State != ticket.StateOpen {
		return nil, coordinatorerr.PreconditionFailedf("ticket %q is not open", ticketID)
	}
	if t.DependencyStatus != ticket.DependencyReady {
		return nil, coordinatorerr.PreconditionFailedf("ticket %q is not ready", ticketID)
	}
	if t.Claimed() {
		return nil, coordinatorerr.Conflictf("ticket %q is already claimed by %q", ticketID, t.ProcessingWorkerID)
	}

	newStage := t.CurrentStage
	if newStage == ticket.PlannedStage {
		newStage = t.ExecutionPlan[0]
	}
	now := nowUTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets SET processing_worker_id=?, current_stage=?, updated_at=? WHERE ticket_id=?`,
		workerID, newStage, timeStr(now), ticketID); err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "update ticket claim", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "commit claim", err)
	}

	t.ProcessingWorkerID = workerID
	t.CurrentStage = newStage
	t.UpdatedAt = now
	return t, nil
}

func (s *Store) Release(ctx context.Context, ticketID, workerID string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		UPDATE tickets SET processing_worker_id=NULL, updated_at=?
		WHERE ticket_id=? AND processing_worker_id=?`,
		timeStr(nowUTC()), ticketID, workerID)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "release ticket", err)
	}
	return nil
}

func (s *Store) SetTicketStage(ctx context.Context, ticketID, stage string) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE tickets SET current_stage=?, state=?, processing_worker_id=NULL, updated_at=?
		WHERE ticket_id=?`,
		stage, string(ticket.StateOpen), timeStr(nowUTC()), ticketID)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "set ticket stage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "set ticket stage", err)
	}
	if n == 0 {
		return coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	return nil
}

// ResumeFromAttention clears an on_hold ticket back to open without
// touching its stage, for resume_ticket_processing calls that don't carry a
// stage override. A no-op (not an error) if the ticket isn't on_hold.
func (s *Store) ResumeFromAttention(ctx context.Context, ticketID string) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE tickets SET state=?, updated_at=?
		WHERE ticket_id=? AND state=?`,
		string(ticket.StateOpen), timeStr(nowUTC()), ticketID, string(ticket.StateOnHold))
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "resume ticket from attention", err)
	}
	_, err = res.RowsAffected()
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "resume ticket from attention", err)
	}
	return nil
}

// AppendCommentAndTransition is the compound operation: one
// transaction writes the comment, applies the Engine-resolved Transition,
// and records the resulting event rows.
func (s *Store) AppendCommentAndTransition(ctx context.Context, ticketID string, c ticket.Comment, tr ticket.Transition) (*ticket.Ticket, []ticket.Event, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "begin transition tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id=?`, ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	if err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan ticket for transition", err)
	}

	now := nowUTC()
	c.CreatedAt = now
	var stageIdx any
	if c.StageIndex != nil {
		stageIdx = *c.StageIndex
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO comments (ticket_id, worker_type, worker_id, stage_index, content, created_at)
		VALUES (?,?,?,?,?,?)`,
		ticketID, nullString(c.WorkerType), nullString(c.WorkerID), stageIdx, c.Content, timeStr(now))
	if err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "insert comment", err)
	}
	commentID, _ := res.LastInsertId()

	var events []ticket.Event

	switch tr.Kind {
	case ticket.TransitionNextStage, ticket.TransitionPrevStage:
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET current_stage=?, processing_worker_id=NULL, updated_at=? WHERE ticket_id=?`,
			tr.NextStage, timeStr(now), ticketID); err != nil {
			return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "advance stage", err)
		}
		t.CurrentStage = tr.NextStage
		t.ProcessingWorkerID = ""
		ev, err := insertEvent(ctx, tx, ticket.NewEvent(t.ProjectID, ticket.EventTicketStageCompleted, map[string]any{
			"ticket_id": ticketID, "stage": tr.NextStage,
		}))
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)

	case ticket.TransitionCoordinatorAttention:
		// state moves to on_hold so ListReadyTickets stops re-selecting this
		// ticket: escalation is a resting state until resume_ticket_processing
		// clears it, not just a cleared claim the Dispatcher re-grabs next pass.
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET state=?, processing_worker_id=NULL, updated_at=? WHERE ticket_id=?`,
			string(ticket.StateOnHold), timeStr(now), ticketID); err != nil {
			return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "escalate ticket", err)
		}
		t.State = ticket.StateOnHold
		t.ProcessingWorkerID = ""
		ev, err := insertEvent(ctx, tx, ticket.NewEvent(t.ProjectID, ticket.EventTicketUpdated, map[string]any{
			"ticket_id": ticketID, "reason": "coordinator_attention",
		}))
		if err != nil {
			return nil, nil, err
		}
		events = append(events, ev)

	case ticket.TransitionClose:
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET state='closed', processing_worker_id=NULL, closed_at=?, resolution=?, updated_at=?
			WHERE ticket_id=?`,
			timeStr(now), tr.Resolution, timeStr(now), ticketID); err != nil {
			return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "close ticket", err)
		}
		t.State = ticket.StateClosed
		t.ProcessingWorkerID = ""
		t.ClosedAt = &now
		t.Resolution = tr.Resolution

		closeEv, err := insertEvent(ctx, tx, ticket.NewEvent(t.ProjectID, ticket.EventTicketClosed, map[string]any{
			"ticket_id": ticketID, "resolution": tr.Resolution,
		}))
		if err != nil {
			return nil, nil, err
		}
		events = append(events, closeEv)

		readinessEvents, err := recomputeReadiness(ctx, tx, ticketID)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, readinessEvents...)

	default:
		return nil, nil, coordinatorerr.InvalidArgumentf("unknown transition kind %q", tr.Kind)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "commit transition", err)
	}

	_ = commentID
	t.UpdatedAt = now
	return t, events, nil
}

// CloseTicketAndRecomputeReadiness is the compound operation for a
// coordinator-initiated close (close_externally), independent of a worker
// verdict.
func (s *Store) CloseTicketAndRecomputeReadiness(ctx context.Context, ticketID, resolution string) (*ticket.Ticket, []ticket.Event, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "begin close tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id=?`, ticketID)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil, coordinatorerr.NotFoundf("ticket %q not found", ticketID)
	}
	if err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan ticket for close", err)
	}
	if t.State != ticket.StateOpen {
		return nil, nil, coordinatorerr.PreconditionFailedf("ticket %q is not open", ticketID)
	}

	now := nowUTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tickets SET state='closed', processing_worker_id=NULL, closed_at=?, resolution=?, updated_at=?
		WHERE ticket_id=?`,
		timeStr(now), resolution, timeStr(now), ticketID); err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "close ticket", err)
	}
	t.State = ticket.StateClosed
	t.ProcessingWorkerID = ""
	t.ClosedAt = &now
	t.Resolution = resolution

	var events []ticket.Event
	closeEv, err := insertEvent(ctx, tx, ticket.NewEvent(t.ProjectID, ticket.EventTicketClosed, map[string]any{
		"ticket_id": ticketID, "resolution": resolution,
	}))
	if err != nil {
		return nil, nil, err
	}
	events = append(events, closeEv)

	readinessEvents, err := recomputeReadiness(ctx, tx, ticketID)
	if err != nil {
		return nil, nil, err
	}
	events = append(events, readinessEvents...)

	if err := tx.Commit(); err != nil {
		return nil, nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "commit close", err)
	}
	t.UpdatedAt = now
	return t, events, nil
}

// recomputeReadiness: for every open ticket with an
// inbound edge from the just-closed ticket, test whether every parent is
// now closed and, if so, flip dependency_status to ready. Runs inside the
// caller's transaction so a failure rolls back the close with it.
func recomputeReadiness(ctx context.Context, tx *sql.Tx, closedTicketID string) ([]ticket.Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT t.ticket_id, t.project_id
		FROM ticket_dependencies d
		JOIN tickets t ON t.ticket_id = d.child_ticket_id
		WHERE d.parent_ticket_id = ? AND t.state = 'open' AND t.dependency_status = 'blocked'`,
		closedTicketID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "find dependents", err)
	}
	type child struct{ id, projectID string }
	var children []child
	for rows.Next() {
		var c child
		if err := rows.Scan(&c.id, &c.projectID); err != nil {
			rows.Close()
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan dependent", err)
		}
		children = append(children, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "iterate dependents", err)
	}

	var events []ticket.Event
	for _, c := range children {
		var openParents int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM ticket_dependencies d
			JOIN tickets p ON p.ticket_id = d.parent_ticket_id
			WHERE d.child_ticket_id = ? AND p.state != 'closed'`, c.id).Scan(&openParents)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "count open parents", err)
		}
		if openParents > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET dependency_status='ready', updated_at=? WHERE ticket_id=?`,
			timeStr(nowUTC()), c.id); err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "mark ready", err)
		}
		ev, err := insertEvent(ctx, tx, ticket.NewEvent(c.projectID, ticket.EventTicketUpdated, map[string]any{
			"ticket_id": c.id, "reason": "dependency_ready",
		}))
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// --- Dependencies ---

// AddDependency rejects cycles via a reachability scan from child to
// parent before inserting the edge.
func (s *Store) AddDependency(ctx context.Context, parentID, childID string) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "begin add dependency tx", err)
	}
	defer tx.Rollback()

	reachable, err := reachesFrom(ctx, tx, parentID, childID)
	if err != nil {
		return err
	}
	if reachable {
		return coordinatorerr.Conflictf("would_create_cycle: %q already (transitively) depends on %q", parentID, childID)
	}

	var parentState string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM tickets WHERE ticket_id=?`, parentID).Scan(&parentState); err != nil {
		if err == sql.ErrNoRows {
			return coordinatorerr.NotFoundf("ticket %q not found", parentID)
		}
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "check parent state", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ticket_dependencies (parent_ticket_id, child_ticket_id) VALUES (?,?)`,
		parentID, childID); err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "insert dependency", err)
	}

	if parentState != string(ticket.StateClosed) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET dependency_status='blocked', updated_at=? WHERE ticket_id=?`,
			timeStr(nowUTC()), childID); err != nil {
			return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "mark child blocked", err)
		}
	}

	return tx.Commit()
}

// reachesFrom reports whether target is reachable from start by walking
// parent_ticket_id -> child_ticket_id edges (i.e. whether start already
// depends, transitively, on target) — used to detect that making target
// depend on start would close a cycle.
func reachesFrom(ctx context.Context, tx *sql.Tx, start, target string) (bool, error) {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		var next []string
		for _, node := range frontier {
			rows, err := tx.QueryContext(ctx, `
				SELECT parent_ticket_id FROM ticket_dependencies WHERE child_ticket_id=?`, node)
			if err != nil {
				return false, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "walk dependency graph", err)
			}
			for rows.Next() {
				var parent string
				if err := rows.Scan(&parent); err != nil {
					rows.Close()
					return false, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan parent", err)
				}
				if parent == target {
					rows.Close()
					return true, nil
				}
				if !visited[parent] {
					visited[parent] = true
					next = append(next, parent)
				}
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return false, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "iterate parents", err)
			}
		}
		frontier = next
	}
	return false, nil
}

func (s *Store) RemoveDependency(ctx context.Context, parentID, childID string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM ticket_dependencies WHERE parent_ticket_id=? AND child_ticket_id=?`,
		parentID, childID)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "remove dependency", err)
	}
	return nil
}

func (s *Store) GetDependencyGraph(ctx context.Context, projectID string) ([]ticket.Dependency, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT d.parent_ticket_id, d.child_ticket_id
		FROM ticket_dependencies d
		JOIN tickets t ON t.ticket_id = d.child_ticket_id
		WHERE t.project_id = ?`, projectID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get dependency graph", err)
	}
	defer rows.Close()
	var out []ticket.Dependency
	for rows.Next() {
		var d ticket.Dependency
		if err := rows.Scan(&d.ParentTicketID, &d.ChildTicketID); err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan dependency", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListReadyTickets returns Open && Ready && Unclaimed tickets for the
// Dispatcher's selection loop. state='open' excludes both closed tickets
// and tickets on_hold in coordinator_attention, which rest until
// resume_ticket_processing clears them. The ORDER BY is a rough urgency
// ordering only — dispatch.Dispatcher re-sorts by Priority.Rank() before
// acting on the result, so it doesn't need to be exact.
func (s *Store) ListReadyTickets(ctx context.Context, projectID string) ([]ticket.Ticket, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE project_id=? AND state='open' AND dependency_status='ready' AND processing_worker_id IS NULL
		ORDER BY CASE priority
			WHEN 'urgent' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4
		END, created_at`, projectID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list ready tickets", err)
	}
	defer rows.Close()
	return scanTicketsOrdered(rows)
}

func (s *Store) ListBlockedTickets(ctx context.Context, projectID string) ([]ticket.Ticket, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE project_id=? AND state='open' AND dependency_status='blocked'
		ORDER BY created_at`, projectID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list blocked tickets", err)
	}
	defer rows.Close()
	return scanTicketsOrdered(rows)
}

func (s *Store) GetTicketsByStage(ctx context.Context, projectID, stage string) ([]ticket.Ticket, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets WHERE project_id=? AND current_stage=?
		ORDER BY created_at`, projectID, stage)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get tickets by stage", err)
	}
	defer rows.Close()
	return scanTicketsOrdered(rows)
}

func scanTicketsOrdered(rows *sql.Rows) ([]ticket.Ticket, error) {
	var out []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan ticket", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// --- Workers ---

func (s *Store) CreateWorker(ctx context.Context, w *ticket.WorkerRecord) error {
	now := nowUTC()
	w.StartedAt, w.LastActivity = now, now
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO workers (worker_id, project_id, worker_type, status, pid, queue_name, started_at, last_activity)
		VALUES (?,?,?,?,?,?,?,?)`,
		w.WorkerID, w.ProjectID, w.WorkerType, w.Status, w.PID, w.QueueName, timeStr(now), timeStr(now))
	if err != nil {
		if isUniqueViolation(err) {
			return coordinatorerr.Conflictf("worker %q already exists", w.WorkerID)
		}
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "create worker", err)
	}
	return nil
}

func (s *Store) UpdateWorkerStatus(ctx context.Context, workerID string, status ticket.WorkerStatus, pid int) error {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE workers SET status=?, pid=?, last_activity=? WHERE worker_id=?`,
		status, pid, timeStr(nowUTC()), workerID)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "update worker status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinatorerr.NotFoundf("worker %q not found", workerID)
	}
	return nil
}

func scanWorker(row interface{ Scan(...any) error }) (*ticket.WorkerRecord, error) {
	var w ticket.WorkerRecord
	var pid sql.NullInt64
	var startedAt, lastActivity string
	if err := row.Scan(&w.WorkerID, &w.ProjectID, &w.WorkerType, &w.Status, &pid, &w.QueueName,
		&startedAt, &lastActivity); err != nil {
		return nil, err
	}
	w.PID = int(pid.Int64)
	w.StartedAt, _ = parseTime(startedAt)
	w.LastActivity, _ = parseTime(lastActivity)
	return &w, nil
}

const workerColumns = `worker_id, project_id, worker_type, status, pid, queue_name, started_at, last_activity`

func (s *Store) GetWorker(ctx context.Context, workerID string) (*ticket.WorkerRecord, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id=?`, workerID)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, coordinatorerr.NotFoundf("worker %q not found", workerID)
	}
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get worker", err)
	}
	return w, nil
}

func (s *Store) ListWorkers(ctx context.Context, projectID string) ([]ticket.WorkerRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE project_id=?`, projectID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list workers", err)
	}
	defer rows.Close()
	var out []ticket.WorkerRecord
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan worker", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *Store) ListLiveWorkers(ctx context.Context, projectID, workerType string) ([]ticket.WorkerRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE project_id=? AND worker_type=? AND status IN ('spawning','active','idle')`,
		projectID, workerType)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list live workers", err)
	}
	defer rows.Close()
	var out []ticket.WorkerRecord
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan worker", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// --- Events ---

func insertEvent(ctx context.Context, tx *sql.Tx, e ticket.Event) (ticket.Event, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return ticket.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	now := nowUTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (project_id, category, payload, processed, created_at)
		VALUES (?,?,?,0,?)`,
		nullString(e.ProjectID), e.Category, string(payload), timeStr(now))
	if err != nil {
		return ticket.Event{}, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "insert event", err)
	}
	id, _ := res.LastInsertId()
	e.ID = id
	e.CreatedAt = now
	return e, nil
}

func (s *Store) RecordEvent(ctx context.Context, e ticket.Event) (ticket.Event, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return ticket.Event{}, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "begin record event tx", err)
	}
	defer tx.Rollback()
	ev, err := insertEvent(ctx, tx, e)
	if err != nil {
		return ticket.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return ticket.Event{}, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "commit record event", err)
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, filter ticket.EventFilter) ([]ticket.Event, error) {
	query := `SELECT id, project_id, category, payload, processed, created_at FROM events WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id=?`
		args = append(args, filter.ProjectID)
	}
	if filter.Category != "" {
		query += ` AND category=?`
		args = append(args, filter.Category)
	}
	if filter.UnprocessedOnly {
		query += ` AND processed=0`
	}
	if filter.Since > 0 {
		query += ` AND id > ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list events", err)
	}
	defer rows.Close()

	var out []ticket.Event
	for rows.Next() {
		var e ticket.Event
		var projectID sql.NullString
		var payload string
		var createdAt string
		if err := rows.Scan(&e.ID, &projectID, &e.Category, &payload, &e.Processed, &createdAt); err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan event", err)
		}
		e.ProjectID = projectID.String
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		e.CreatedAt, _ = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ResolveEvent(ctx context.Context, id int64) error {
	res, err := s.db.conn.ExecContext(ctx, `UPDATE events SET processed=1 WHERE id=?`, id)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "resolve event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coordinatorerr.NotFoundf("event %d not found", id)
	}
	return nil
}

// --- Config ---

func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.conn.QueryRowContext(ctx, `SELECT value FROM config WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "get config value", err)
	}
	return value, true, nil
}

func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "set config value", err)
	}
	return nil
}

// --- Audit log ---
//
// AddAuditEntry satisfies supervisor.AuditStore: a worker-lifecycle audit
// trail independent of the durable Event stream, grounded on the
// precedent's StoreAuditLogger.

func (s *Store) AddAuditEntry(ctx context.Context, entry supervisor.AuditEntry) error {
	now := entry.CreatedAt
	if now.IsZero() {
		now = nowUTC()
	}
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO audit_log (worker_id, project_id, event_type, detail, created_at)
		VALUES (?,?,?,?,?)`,
		entry.WorkerID, nullString(entry.ProjectID), entry.EventType, entry.Detail, timeStr(now))
	if err != nil {
		return coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "add audit entry", err)
	}
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, workerID string) ([]supervisor.AuditEntry, error) {
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT worker_id, project_id, event_type, detail, created_at
		FROM audit_log WHERE worker_id=? ORDER BY id ASC`, workerID)
	if err != nil {
		return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "list audit entries", err)
	}
	defer rows.Close()

	var out []supervisor.AuditEntry
	for rows.Next() {
		var e supervisor.AuditEntry
		var projectID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.WorkerID, &projectID, &e.EventType, &e.Detail, &createdAt); err != nil {
			return nil, coordinatorerr.Wrap(coordinatorerr.StoreUnavailable, "scan audit entry", err)
		}
		e.ProjectID = projectID.String
		e.CreatedAt, _ = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
