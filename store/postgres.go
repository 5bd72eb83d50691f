package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/forgeline/forgeline/workflow"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements Store on a relational database via sqlx over pgx.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database.
func NewPostgres(url string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection. Used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB, driverName string, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: sqlx.NewDb(db, driverName), logger: logger}
}

// Migrate applies all pending schema migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, p.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// isUniqueViolation reports whether err is a unique-constraint violation on
// the named constraint (any constraint when name is empty).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

type workflowRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Type          string    `db:"type"`
	PlatformID    string    `db:"platform_id"`
	DefinitionID  string    `db:"workflow_definition_id"`
	CurrentStage  string    `db:"current_stage"`
	Status        string    `db:"status"`
	Progress      int       `db:"progress"`
	StageOutputs  []byte    `db:"stage_outputs"`
	InputData     []byte    `db:"input_data"`
	TraceID       string    `db:"trace_id"`
	CurrentSpanID string    `db:"current_span_id"`
	CreatedBy     string    `db:"created_by"`
	FailureReason string    `db:"failure_reason"`
	Version       int64     `db:"version"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func toWorkflowRow(w *workflow.Workflow) (*workflowRow, error) {
	outputs, err := json.Marshal(w.StageOutputs)
	if err != nil {
		return nil, fmt.Errorf("marshal stage_outputs: %w", err)
	}
	if w.StageOutputs == nil {
		outputs = []byte(`{}`)
	}
	input, err := json.Marshal(w.InputData)
	if err != nil {
		return nil, fmt.Errorf("marshal input_data: %w", err)
	}
	return &workflowRow{
		ID:            w.ID,
		Name:          w.Name,
		Type:          w.Type,
		PlatformID:    w.PlatformID,
		DefinitionID:  w.DefinitionID,
		CurrentStage:  w.CurrentStage,
		Status:        string(w.Status),
		Progress:      w.Progress,
		StageOutputs:  outputs,
		InputData:     input,
		TraceID:       w.TraceID,
		CurrentSpanID: w.CurrentSpanID,
		CreatedBy:     w.CreatedBy,
		FailureReason: w.FailureReason,
		Version:       w.Version,
	}, nil
}

func (r *workflowRow) toDomain() (*workflow.Workflow, error) {
	w := &workflow.Workflow{
		ID:            r.ID,
		Name:          r.Name,
		Type:          r.Type,
		PlatformID:    r.PlatformID,
		DefinitionID:  r.DefinitionID,
		CurrentStage:  r.CurrentStage,
		Status:        workflow.Status(r.Status),
		Progress:      r.Progress,
		TraceID:       r.TraceID,
		CurrentSpanID: r.CurrentSpanID,
		CreatedBy:     r.CreatedBy,
		FailureReason: r.FailureReason,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.StageOutputs) > 0 {
		if err := json.Unmarshal(r.StageOutputs, &w.StageOutputs); err != nil {
			return nil, fmt.Errorf("unmarshal stage_outputs: %w", err)
		}
	}
	if len(r.InputData) > 0 {
		if err := json.Unmarshal(r.InputData, &w.InputData); err != nil {
			return nil, fmt.Errorf("unmarshal input_data: %w", err)
		}
	}
	return w, nil
}

// CreateWorkflow inserts a new workflow at version 1.
func (p *Postgres) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	w.Version = 1
	row, err := toWorkflowRow(w)
	if err != nil {
		return err
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO workflows (
			id, name, type, platform_id, workflow_definition_id, current_stage,
			status, progress, stage_outputs, input_data, trace_id,
			current_span_id, created_by, failure_reason, version
		) VALUES (
			:id, :name, :type, :platform_id, :workflow_definition_id, :current_stage,
			:status, :progress, :stage_outputs, :input_data, :trace_id,
			:current_span_id, :created_by, :failure_reason, :version
		)`, row)
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow by id.
func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var row workflowRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return row.toDomain()
}

// UpdateWorkflow performs the CAS-guarded write. The WHERE clause matches
// the caller's version; zero rows affected means another writer advanced the
// workflow first.
func (p *Postgres) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	row, err := toWorkflowRow(w)
	if err != nil {
		return err
	}
	res, err := p.db.NamedExecContext(ctx, `
		UPDATE workflows SET
			name = :name,
			current_stage = :current_stage,
			status = :status,
			progress = :progress,
			stage_outputs = :stage_outputs,
			input_data = :input_data,
			current_span_id = :current_span_id,
			failure_reason = :failure_reason,
			version = version + 1,
			updated_at = now()
		WHERE id = :id AND version = :version`, row)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := p.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, w.ID); err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	w.Version++
	return nil
}

// ListWorkflows returns workflows filtered by status, newest first.
func (p *Postgres) ListWorkflows(ctx context.Context, status workflow.Status, limit int) ([]*workflow.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []workflowRow
	var err error
	if status == "" {
		err = p.db.SelectContext(ctx, &rows,
			`SELECT * FROM workflows ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		err = p.db.SelectContext(ctx, &rows,
			`SELECT * FROM workflows WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*workflow.Workflow, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

type taskRow struct {
	TaskID       string     `db:"task_id"`
	MessageID    string     `db:"message_id"`
	WorkflowID   string     `db:"workflow_id"`
	Stage        string     `db:"stage"`
	AgentType    string     `db:"agent_type"`
	Status       string     `db:"status"`
	Priority     string     `db:"priority"`
	Envelope     []byte     `db:"envelope"`
	TimeoutMS    int        `db:"timeout_ms"`
	TraceID      string     `db:"trace_id"`
	SpanID       string     `db:"span_id"`
	ParentSpanID string     `db:"parent_span_id"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DispatchedAt *time.Time `db:"dispatched_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

func (r *taskRow) toDomain() *workflow.AgentTask {
	return &workflow.AgentTask{
		TaskID:       r.TaskID,
		MessageID:    r.MessageID,
		WorkflowID:   r.WorkflowID,
		Stage:        r.Stage,
		AgentType:    r.AgentType,
		Status:       workflow.TaskStatus(r.Status),
		Priority:     r.Priority,
		Envelope:     json.RawMessage(r.Envelope),
		TimeoutMS:    r.TimeoutMS,
		TraceID:      r.TraceID,
		SpanID:       r.SpanID,
		ParentSpanID: r.ParentSpanID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		DispatchedAt: r.DispatchedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// CreateTask inserts a task row. The message_id unique constraint makes
// dispatch idempotent; the partial unique index on (workflow_id, stage)
// enforces a single non-terminal task per stage.
func (p *Postgres) CreateTask(ctx context.Context, t *workflow.AgentTask) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (
			task_id, message_id, workflow_id, stage, agent_type, status,
			priority, envelope, timeout_ms, trace_id, span_id, parent_span_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.TaskID, t.MessageID, t.WorkflowID, t.Stage, t.AgentType, t.Status,
		t.Priority, []byte(t.Envelope), t.TimeoutMS, t.TraceID, t.SpanID, t.ParentSpanID)
	if isUniqueViolation(err, "idx_agent_tasks_active") {
		return ErrActiveTaskExists
	}
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func (p *Postgres) GetTask(ctx context.Context, taskID string) (*workflow.AgentTask, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM agent_tasks WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toDomain(), nil
}

// GetTaskByMessageID loads a task by its envelope message id.
func (p *Postgres) GetTaskByMessageID(ctx context.Context, messageID string) (*workflow.AgentTask, error) {
	var row taskRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM agent_tasks WHERE message_id = $1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by message_id: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateTaskStatus advances a task's lifecycle. Terminal rows are final.
func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, status workflow.TaskStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agent_tasks SET
			status = $2,
			updated_at = now(),
			dispatched_at = CASE WHEN $2 = 'dispatched' THEN now() ELSE dispatched_at END,
			completed_at = CASE WHEN $2 IN ('succeeded', 'failed') THEN now() ELSE completed_at END
		WHERE task_id = $1 AND status NOT IN ('succeeded', 'failed')`,
		taskID, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasksByStatus returns tasks stuck in a status, oldest first.
func (p *Postgres) ListTasksByStatus(ctx context.Context, status workflow.TaskStatus, before time.Time, limit int) ([]*workflow.AgentTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []taskRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM agent_tasks
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`,
		status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*workflow.AgentTask, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// CreatePlatform inserts a platform.
func (p *Postgres) CreatePlatform(ctx context.Context, pl *workflow.Platform) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platforms (id, name, layer, active) VALUES ($1, $2, $3, $4)`,
		pl.ID, pl.Name, pl.Layer, pl.Active)
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert platform: %w", err)
	}
	return nil
}

type platformRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Layer     string    `db:"layer"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *platformRow) toDomain() *workflow.Platform {
	return &workflow.Platform{
		ID: r.ID, Name: r.Name, Layer: r.Layer, Active: r.Active,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// GetPlatform loads a platform by id.
func (p *Postgres) GetPlatform(ctx context.Context, id string) (*workflow.Platform, error) {
	var row platformRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM platforms WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get platform: %w", err)
	}
	return row.toDomain(), nil
}

// ListPlatforms returns all platforms by name.
func (p *Postgres) ListPlatforms(ctx context.Context) ([]*workflow.Platform, error) {
	var rows []platformRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT * FROM platforms ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	out := make([]*workflow.Platform, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

type definitionRow struct {
	ID         string    `db:"id"`
	PlatformID string    `db:"platform_id"`
	Name       string    `db:"name"`
	Version    int       `db:"version"`
	Enabled    bool      `db:"enabled"`
	Definition []byte    `db:"definition"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r *definitionRow) toDomain() (*workflow.WorkflowDefinition, error) {
	d := &workflow.WorkflowDefinition{
		ID:         r.ID,
		PlatformID: r.PlatformID,
		Name:       r.Name,
		Version:    r.Version,
		Enabled:    r.Enabled,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Definition, &d.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return d, nil
}

// CreateDefinition inserts a definition at version 1.
func (p *Postgres) CreateDefinition(ctx context.Context, d *workflow.WorkflowDefinition) error {
	stages, err := json.Marshal(d.Stages)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	d.Version = 1
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, platform_id, name, version, enabled, definition)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.PlatformID, d.Name, d.Version, d.Enabled, stages)
	if isUniqueViolation(err, "") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

// GetDefinition loads a definition by id.
func (p *Postgres) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	var row definitionRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM workflow_definitions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return row.toDomain()
}

// ListDefinitions returns a platform's definitions.
func (p *Postgres) ListDefinitions(ctx context.Context, platformID string, enabledOnly bool) ([]*workflow.WorkflowDefinition, error) {
	query := `SELECT * FROM workflow_definitions WHERE platform_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY name`
	var rows []definitionRow
	if err := p.db.SelectContext(ctx, &rows, query, platformID); err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	out := make([]*workflow.WorkflowDefinition, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// UpdateDefinition replaces the stage graph and bumps the version.
func (p *Postgres) UpdateDefinition(ctx context.Context, d *workflow.WorkflowDefinition) error {
	stages, err := json.Marshal(d.Stages)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_definitions SET
			name = $2, definition = $3, version = version + 1, updated_at = now()
		WHERE id = $1`,
		d.ID, d.Name, stages)
	if err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDefinition removes a definition.
func (p *Postgres) DeleteDefinition(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDefinitionEnabled toggles a definition.
func (p *Postgres) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE workflow_definitions SET enabled = $2, updated_at = now() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("toggle definition: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSurface creates or replaces a surface binding.
func (p *Postgres) UpsertSurface(ctx context.Context, s *workflow.PlatformSurface) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_surfaces (platform_id, surface_type, config, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_id, surface_type)
		DO UPDATE SET config = EXCLUDED.config, enabled = EXCLUDED.enabled, updated_at = now()`,
		s.PlatformID, s.SurfaceType, []byte(s.Config), s.Enabled)
	if err != nil {
		return fmt.Errorf("upsert surface: %w", err)
	}
	return nil
}

type surfaceRow struct {
	PlatformID  string    `db:"platform_id"`
	SurfaceType string    `db:"surface_type"`
	Config      []byte    `db:"config"`
	Enabled     bool      `db:"enabled"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *surfaceRow) toDomain() *workflow.PlatformSurface {
	return &workflow.PlatformSurface{
		PlatformID:  r.PlatformID,
		SurfaceType: workflow.SurfaceType(r.SurfaceType),
		Config:      json.RawMessage(r.Config),
		Enabled:     r.Enabled,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// GetSurface loads the unique (platform, surface_type) binding.
func (p *Postgres) GetSurface(ctx context.Context, platformID string, surfaceType workflow.SurfaceType) (*workflow.PlatformSurface, error) {
	var row surfaceRow
	err := p.db.GetContext(ctx, &row,
		`SELECT * FROM platform_surfaces WHERE platform_id = $1 AND surface_type = $2`,
		platformID, surfaceType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get surface: %w", err)
	}
	return row.toDomain(), nil
}

// ListSurfaces returns a platform's surface bindings.
func (p *Postgres) ListSurfaces(ctx context.Context, platformID string) ([]*workflow.PlatformSurface, error) {
	var rows []surfaceRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM platform_surfaces WHERE platform_id = $1 ORDER BY surface_type`, platformID)
	if err != nil {
		return nil, fmt.Errorf("list surfaces: %w", err)
	}
	out := make([]*workflow.PlatformSurface, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// UpsertAgent registers an agent or refreshes its heartbeat.
func (p *Postgres) UpsertAgent(ctx context.Context, a *workflow.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if a.Capabilities == nil {
		caps = []byte(`[]`)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, agent_type, platform_id, status, capabilities, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id)
		DO UPDATE SET status = EXCLUDED.status, capabilities = EXCLUDED.capabilities,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		a.AgentID, a.Type, a.PlatformID, a.Status, caps, a.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

type agentRow struct {
	AgentID       string    `db:"agent_id"`
	AgentType     string    `db:"agent_type"`
	PlatformID    string    `db:"platform_id"`
	Status        string    `db:"status"`
	Capabilities  []byte    `db:"capabilities"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	RegisteredAt  time.Time `db:"registered_at"`
}

func (r *agentRow) toDomain() (*workflow.Agent, error) {
	a := &workflow.Agent{
		AgentID:       r.AgentID,
		Type:          r.AgentType,
		PlatformID:    r.PlatformID,
		Status:        workflow.AgentStatus(r.Status),
		LastHeartbeat: r.LastHeartbeat,
		RegisteredAt:  r.RegisteredAt,
	}
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return a, nil
}

// ListAgentsByType returns all registry entries of a type.
func (p *Postgres) ListAgentsByType(ctx context.Context, agentType string) ([]*workflow.Agent, error) {
	var rows []agentRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM agents WHERE agent_type = $1 ORDER BY agent_id`, agentType)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*workflow.Agent, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// RemoveAgent deletes a registry entry.
func (p *Postgres) RemoveAgent(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent records an audit event.
func (p *Postgres) AppendEvent(ctx context.Context, e *workflow.Event) error {
	err := p.db.GetContext(ctx, &e.ID, `
		INSERT INTO workflow_events (workflow_id, type, stage, detail)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		e.WorkflowID, e.Type, e.Stage, []byte(e.Detail))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

type eventRow struct {
	ID         int64     `db:"id"`
	WorkflowID string    `db:"workflow_id"`
	Type       string    `db:"type"`
	Stage      string    `db:"stage"`
	Detail     []byte    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}

// ListEvents returns a workflow's audit trail in append order.
func (p *Postgres) ListEvents(ctx context.Context, workflowID string) ([]*workflow.Event, error) {
	var rows []eventRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT * FROM workflow_events WHERE workflow_id = $1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*workflow.Event, 0, len(rows))
	for i := range rows {
		out = append(out, &workflow.Event{
			ID:         rows[i].ID,
			WorkflowID: rows[i].WorkflowID,
			Type:       rows[i].Type,
			Stage:      rows[i].Stage,
			Detail:     json.RawMessage(rows[i].Detail),
			CreatedAt:  rows[i].CreatedAt,
		})
	}
	return out, nil
}
