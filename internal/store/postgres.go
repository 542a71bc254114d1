package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/complaint-orchestrator/internal/db"
	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations. Status polling and
// stage persistence dominate the query mix.
var preparedStatements = map[string]string{
	"get_run":           `SELECT id, complaint_id, tenant_id, state, current_stage, cause, error, warnings, started_at, updated_at, completed_at FROM pipeline_runs WHERE complaint_id = $1`,
	"advance_run":       `UPDATE pipeline_runs SET state = $1, current_stage = $2, updated_at = $3 WHERE complaint_id = $4 AND state NOT IN ('completed', 'failed')`,
	"save_stage_output": `INSERT INTO stage_outputs (complaint_id, tenant_id, stage, status, output, duration_ms, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (complaint_id, stage) DO UPDATE SET status = $4, output = $5, duration_ms = $6, created_at = $7`,
	"get_stage_output":  `SELECT complaint_id, tenant_id, stage, status, output, duration_ms, created_at FROM stage_outputs WHERE complaint_id = $1 AND stage = $2`,
	"get_complaint":     `SELECT id, tenant_id, user_id, narrative, redacted_narrative, product, issue, company, embedding, metadata, created_at FROM complaints WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., monitoring).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS complaints (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	narrative          TEXT NOT NULL,
	redacted_narrative TEXT,
	product            TEXT,
	issue              TEXT,
	company            TEXT,
	embedding          JSONB,
	metadata           JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_complaints_tenant ON complaints(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_complaints_tenant_user ON complaints(tenant_id, user_id);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id            TEXT PRIMARY KEY,
	complaint_id  TEXT NOT NULL UNIQUE REFERENCES complaints(id),
	tenant_id     TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'pending',
	current_stage TEXT,
	cause         TEXT,
	error         TEXT,
	warnings      JSONB,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant_state ON pipeline_runs(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_runs_state ON pipeline_runs(state);

CREATE TABLE IF NOT EXISTS stage_outputs (
	complaint_id TEXT NOT NULL REFERENCES complaints(id),
	tenant_id    TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL,
	output       JSONB NOT NULL,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (complaint_id, stage)
);

CREATE TABLE IF NOT EXISTS classifications (
	complaint_id    TEXT PRIMARY KEY REFERENCES complaints(id),
	tenant_id       TEXT NOT NULL,
	product         TEXT NOT NULL,
	issue           TEXT NOT NULL,
	company         TEXT,
	urgency         TEXT NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	sentiment       TEXT,
	emotion         TEXT,
	escalation_risk TEXT,
	novel_label     BOOLEAN NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_classifications_tenant ON classifications(tenant_id, product, issue);

CREATE TABLE IF NOT EXISTS risk_scores (
	complaint_id    TEXT PRIMARY KEY REFERENCES complaints(id),
	tenant_id       TEXT NOT NULL,
	score           DOUBLE PRECISION NOT NULL,
	category        TEXT NOT NULL,
	factors         JSONB NOT NULL,
	model_version   TEXT NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	mitigations     JSONB,
	regulatory_flag BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS solutions (
	id             TEXT PRIMARY KEY,
	complaint_id   TEXT NOT NULL REFERENCES complaints(id),
	tenant_id      TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	letter         TEXT NOT NULL,
	next_steps     JSONB,
	alternatives   JSONB,
	estimated_days INTEGER NOT NULL,
	fallback       BOOLEAN NOT NULL DEFAULT false,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_solutions_complaint ON solutions(complaint_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_solutions_tenant ON solutions(tenant_id);

CREATE TABLE IF NOT EXISTS feedback (
	id              TEXT PRIMARY KEY,
	complaint_id    TEXT NOT NULL REFERENCES complaints(id),
	tenant_id       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	rating          INTEGER NOT NULL,
	comment         TEXT,
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_feedback_idempotency
	ON feedback(tenant_id, idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS idx_feedback_tenant ON feedback(tenant_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	complaint_id TEXT,
	action       TEXT NOT NULL,
	detail       TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events(tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	complaint_id   TEXT NOT NULL,
	stage          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letters(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letters(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// checkOwner enforces tenant isolation on a row already fetched by primary
// key. A mismatch is a fatal violation, never an empty result.
func checkOwner(tc tenant.Context, ownerTenantID, resource string) error {
	if ownerTenantID != tc.TenantID {
		return &tenant.IsolationError{
			TenantID:      tc.TenantID,
			OwnerTenantID: ownerTenantID,
			Resource:      resource,
		}
	}
	return nil
}

func (s *PostgresStore) CreateComplaint(ctx context.Context, c *model.Complaint) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var metaJSON []byte
	if c.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(c.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal metadata")
		}
	}
	var embJSON []byte
	if c.Embedding != nil {
		var err error
		embJSON, err = json.Marshal(c.Embedding)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal embedding")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO complaints (id, tenant_id, user_id, narrative, redacted_narrative, product, issue, company, embedding, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.TenantID, c.UserID, c.Narrative, nullIfEmpty(c.RedactedNarrative),
		nullIfEmpty(c.Product), nullIfEmpty(c.Issue), nullIfEmpty(c.Company),
		embJSON, metaJSON, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert complaint")
}

func (s *PostgresStore) GetComplaint(ctx context.Context, tc tenant.Context, complaintID string) (*model.Complaint, error) {
	var c model.Complaint
	var redacted, product, issue, company *string
	var embJSON, metaJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, user_id, narrative, redacted_narrative, product, issue, company, embedding, metadata, created_at
		 FROM complaints WHERE id = $1`,
		complaintID,
	).Scan(&c.ID, &c.TenantID, &c.UserID, &c.Narrative, &redacted, &product, &issue, &company, &embJSON, &metaJSON, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get complaint %s", complaintID)
	}
	if err := checkOwner(tc, c.TenantID, "complaint "+complaintID); err != nil {
		return nil, err
	}

	c.RedactedNarrative = deref(redacted)
	c.Product = deref(product)
	c.Issue = deref(issue)
	c.Company = deref(company)
	if len(embJSON) > 0 {
		if err := json.Unmarshal(embJSON, &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
	}
	if len(metaJSON) > 0 {
		c.Metadata = &model.NarrativeMetadata{}
		if err := json.Unmarshal(metaJSON, c.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
	}
	return &c, nil
}

func (s *PostgresStore) UpdateComplaintEnrichment(ctx context.Context, tc tenant.Context, complaintID, redacted string, meta model.NarrativeMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE complaints SET redacted_narrative = $1, metadata = $2 WHERE id = $3 AND tenant_id = $4`,
		redacted, metaJSON, complaintID, tc.TenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update enrichment %s", complaintID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("complaint not found: %s", complaintID)
	}
	return nil
}

func (s *PostgresStore) UpdateComplaintEmbedding(ctx context.Context, tc tenant.Context, complaintID string, embedding []float32) error {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE complaints SET embedding = $1 WHERE id = $2 AND tenant_id = $3`,
		embJSON, complaintID, tc.TenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update embedding %s", complaintID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("complaint not found: %s", complaintID)
	}
	return nil
}

func (s *PostgresStore) CountUserComplaints(ctx context.Context, tc tenant.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM complaints WHERE tenant_id = $1 AND user_id = $2`,
		tc.TenantID, tc.UserID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count user complaints")
	}
	return n, nil
}

func (s *PostgresStore) TenantLabelHistory(ctx context.Context, tc tenant.Context) (*LabelHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product, issue FROM classifications WHERE tenant_id = $1`,
		tc.TenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: label history")
	}
	defer rows.Close()

	h := &LabelHistory{Products: map[string]int{}, Issues: map[string]int{}}
	for rows.Next() {
		var product, issue string
		if err := rows.Scan(&product, &issue); err != nil {
			return nil, eris.Wrap(err, "postgres: scan label history")
		}
		h.Products[product]++
		h.Issues[issue]++
	}
	return h, eris.Wrap(rows.Err(), "postgres: label history iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, complaint_id, tenant_id, state, started_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, complaintID, tc.TenantID, string(model.RunStatePending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for %s", complaintID)
	}

	return &model.PipelineRun{
		ID:          id,
		ComplaintID: complaintID,
		TenantID:    tc.TenantID,
		State:       model.RunStatePending,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var stage, cause, errMsg *string
	var warningsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, complaint_id, tenant_id, state, current_stage, cause, error, warnings, started_at, updated_at, completed_at
		 FROM pipeline_runs WHERE complaint_id = $1`,
		complaintID,
	).Scan(&r.ID, &r.ComplaintID, &r.TenantID, &r.State, &stage, &cause, &errMsg, &warningsJSON, &r.StartedAt, &r.UpdatedAt, &r.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run for %s", complaintID)
	}
	if err := checkOwner(tc, r.TenantID, "run for complaint "+complaintID); err != nil {
		return nil, err
	}

	r.CurrentStage = model.StageName(deref(stage))
	r.Cause = model.FailureCause(deref(cause))
	r.Error = deref(errMsg)
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &r.Warnings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal warnings")
		}
	}
	return &r, nil
}

func (s *PostgresStore) AdvanceRun(ctx context.Context, complaintID string, state model.RunState, stage model.StageName) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET state = $1, current_stage = $2, updated_at = $3
		 WHERE complaint_id = $4 AND state NOT IN ('completed', 'failed')`,
		string(state), string(stage), time.Now().UTC(), complaintID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: advance run %s", complaintID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found or already terminal: %s", complaintID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, complaintID string, warnings []string) error {
	var warningsJSON []byte
	if len(warnings) > 0 {
		var err error
		warningsJSON, err = json.Marshal(warnings)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal warnings")
		}
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET state = $1, warnings = $2, updated_at = $3, completed_at = $3
		 WHERE complaint_id = $4 AND state NOT IN ('completed', 'failed')`,
		string(model.RunStateCompleted), warningsJSON, now, complaintID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", complaintID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found or already terminal: %s", complaintID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, complaintID string, cause model.FailureCause, errMsg string) error {
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET state = $1, cause = $2, error = $3, updated_at = $4, completed_at = $4
		 WHERE complaint_id = $5 AND state NOT IN ('completed', 'failed')`,
		string(model.RunStateFailed), string(cause), errMsg, now, complaintID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", complaintID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found or already terminal: %s", complaintID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, complaint_id, tenant_id, state, current_stage, cause, error, warnings, started_at, updated_at, completed_at FROM pipeline_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argIdx)
		args = append(args, string(filter.State))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var r model.PipelineRun
		var stage, cause, errMsg *string
		var warningsJSON []byte

		if err := rows.Scan(&r.ID, &r.ComplaintID, &r.TenantID, &r.State, &stage, &cause, &errMsg, &warningsJSON, &r.StartedAt, &r.UpdatedAt, &r.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.CurrentStage = model.StageName(deref(stage))
		r.Cause = model.FailureCause(deref(cause))
		r.Error = deref(errMsg)
		if len(warningsJSON) > 0 {
			if err := json.Unmarshal(warningsJSON, &r.Warnings); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal warnings")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveStageOutput(ctx context.Context, out model.StageOutput) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_outputs (complaint_id, tenant_id, stage, status, output, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (complaint_id, stage) DO UPDATE SET status = $4, output = $5, duration_ms = $6, created_at = $7`,
		out.ComplaintID, out.TenantID, string(out.Stage), string(out.Status), out.Output, out.Duration, out.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save stage output %s/%s", out.ComplaintID, out.Stage)
}

func (s *PostgresStore) GetStageOutput(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName) (*model.StageOutput, error) {
	var out model.StageOutput
	err := s.pool.QueryRow(ctx,
		`SELECT complaint_id, tenant_id, stage, status, output, duration_ms, created_at
		 FROM stage_outputs WHERE complaint_id = $1 AND stage = $2`,
		complaintID, string(stage),
	).Scan(&out.ComplaintID, &out.TenantID, &out.Stage, &out.Status, &out.Output, &out.Duration, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get stage output %s/%s", complaintID, stage)
	}
	if err := checkOwner(tc, out.TenantID, fmt.Sprintf("stage output %s/%s", complaintID, stage)); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) ListStageOutputs(ctx context.Context, tc tenant.Context, complaintID string) ([]model.StageOutput, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT complaint_id, tenant_id, stage, status, output, duration_ms, created_at
		 FROM stage_outputs WHERE complaint_id = $1 AND tenant_id = $2 ORDER BY created_at`,
		complaintID, tc.TenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage outputs")
	}
	defer rows.Close()

	var outs []model.StageOutput
	for rows.Next() {
		var out model.StageOutput
		if err := rows.Scan(&out.ComplaintID, &out.TenantID, &out.Stage, &out.Status, &out.Output, &out.Duration, &out.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage output")
		}
		outs = append(outs, out)
	}
	return outs, eris.Wrap(rows.Err(), "postgres: list stage outputs iterate")
}

func (s *PostgresStore) SaveClassification(ctx context.Context, c *model.Classification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO classifications (complaint_id, tenant_id, product, issue, company, urgency, confidence, sentiment, emotion, escalation_risk, novel_label)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (complaint_id) DO UPDATE SET product = $3, issue = $4, company = $5, urgency = $6, confidence = $7, sentiment = $8, emotion = $9, escalation_risk = $10, novel_label = $11`,
		c.ComplaintID, c.TenantID, c.Product, c.Issue, nullIfEmpty(c.Company),
		c.Urgency, c.Confidence, nullIfEmpty(c.Sentiment), nullIfEmpty(c.Emotion),
		nullIfEmpty(c.EscalationRisk), c.NovelLabel,
	)
	return eris.Wrapf(err, "postgres: save classification %s", c.ComplaintID)
}

func (s *PostgresStore) GetClassification(ctx context.Context, tc tenant.Context, complaintID string) (*model.Classification, error) {
	var c model.Classification
	var company, sentiment, emotion, escalation *string

	err := s.pool.QueryRow(ctx,
		`SELECT complaint_id, tenant_id, product, issue, company, urgency, confidence, sentiment, emotion, escalation_risk, novel_label
		 FROM classifications WHERE complaint_id = $1`,
		complaintID,
	).Scan(&c.ComplaintID, &c.TenantID, &c.Product, &c.Issue, &company, &c.Urgency, &c.Confidence, &sentiment, &emotion, &escalation, &c.NovelLabel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get classification %s", complaintID)
	}
	if err := checkOwner(tc, c.TenantID, "classification "+complaintID); err != nil {
		return nil, err
	}

	c.Company = deref(company)
	c.Sentiment = deref(sentiment)
	c.Emotion = deref(emotion)
	c.EscalationRisk = deref(escalation)
	return &c, nil
}

func (s *PostgresStore) SaveRiskAssessment(ctx context.Context, ra *model.RiskAssessment) error {
	factorsJSON, err := json.Marshal(ra.Factors)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal factors")
	}
	var mitigationsJSON []byte
	if len(ra.Mitigations) > 0 {
		mitigationsJSON, err = json.Marshal(ra.Mitigations)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal mitigations")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO risk_scores (complaint_id, tenant_id, score, category, factors, model_version, confidence, mitigations, regulatory_flag)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (complaint_id) DO UPDATE SET score = $3, category = $4, factors = $5, model_version = $6, confidence = $7, mitigations = $8, regulatory_flag = $9`,
		ra.ComplaintID, ra.TenantID, ra.Score, string(ra.Category), factorsJSON,
		ra.ModelVersion, ra.Confidence, mitigationsJSON, ra.RegulatoryFlag,
	)
	return eris.Wrapf(err, "postgres: save risk assessment %s", ra.ComplaintID)
}

func (s *PostgresStore) GetRiskAssessment(ctx context.Context, tc tenant.Context, complaintID string) (*model.RiskAssessment, error) {
	var ra model.RiskAssessment
	var factorsJSON, mitigationsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT complaint_id, tenant_id, score, category, factors, model_version, confidence, mitigations, regulatory_flag
		 FROM risk_scores WHERE complaint_id = $1`,
		complaintID,
	).Scan(&ra.ComplaintID, &ra.TenantID, &ra.Score, &ra.Category, &factorsJSON, &ra.ModelVersion, &ra.Confidence, &mitigationsJSON, &ra.RegulatoryFlag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get risk assessment %s", complaintID)
	}
	if err := checkOwner(tc, ra.TenantID, "risk assessment "+complaintID); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(factorsJSON, &ra.Factors); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal factors")
	}
	if len(mitigationsJSON) > 0 {
		if err := json.Unmarshal(mitigationsJSON, &ra.Mitigations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal mitigations")
		}
	}
	return &ra, nil
}

func (s *PostgresStore) SaveSolution(ctx context.Context, sol *model.Solution) error {
	if sol.ID == "" {
		sol.ID = uuid.New().String()
	}
	if sol.CreatedAt.IsZero() {
		sol.CreatedAt = time.Now().UTC()
	}

	var stepsJSON, altsJSON []byte
	var err error
	if len(sol.NextSteps) > 0 {
		stepsJSON, err = json.Marshal(sol.NextSteps)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal next steps")
		}
	}
	if len(sol.Alternatives) > 0 {
		altsJSON, err = json.Marshal(sol.Alternatives)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal alternatives")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO solutions (id, complaint_id, tenant_id, strategy, letter, next_steps, alternatives, estimated_days, fallback, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sol.ID, sol.ComplaintID, sol.TenantID, sol.Strategy, sol.Letter,
		stepsJSON, altsJSON, sol.EstimatedResolutionDays, sol.Fallback, sol.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: save solution %s", sol.ComplaintID)
}

func (s *PostgresStore) GetSolution(ctx context.Context, tc tenant.Context, complaintID string) (*model.Solution, error) {
	var sol model.Solution
	var stepsJSON, altsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, complaint_id, tenant_id, strategy, letter, next_steps, alternatives, estimated_days, fallback, created_at
		 FROM solutions WHERE complaint_id = $1 ORDER BY created_at DESC LIMIT 1`,
		complaintID,
	).Scan(&sol.ID, &sol.ComplaintID, &sol.TenantID, &sol.Strategy, &sol.Letter, &stepsJSON, &altsJSON, &sol.EstimatedResolutionDays, &sol.Fallback, &sol.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get solution %s", complaintID)
	}
	if err := checkOwner(tc, sol.TenantID, "solution "+complaintID); err != nil {
		return nil, err
	}

	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &sol.NextSteps); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal next steps")
		}
	}
	if len(altsJSON) > 0 {
		if err := json.Unmarshal(altsJSON, &sol.Alternatives); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal alternatives")
		}
	}
	return &sol, nil
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, f *model.Feedback) (string, bool, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	if f.IdempotencyKey == "" {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO feedback (id, complaint_id, tenant_id, user_id, rating, comment, idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, '', $7)`,
			f.ID, f.ComplaintID, f.TenantID, f.UserID, f.Rating, nullIfEmpty(f.Comment), f.CreatedAt,
		)
		if err != nil {
			return "", false, eris.Wrapf(err, "postgres: insert feedback %s", f.ComplaintID)
		}
		return f.ID, false, nil
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, complaint_id, tenant_id, user_id, rating, comment, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING`,
		f.ID, f.ComplaintID, f.TenantID, f.UserID, f.Rating, nullIfEmpty(f.Comment), f.IdempotencyKey, f.CreatedAt,
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: insert feedback %s", f.ComplaintID)
	}
	if tag.RowsAffected() > 0 {
		return f.ID, false, nil
	}

	var existingID string
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM feedback WHERE tenant_id = $1 AND idempotency_key = $2`,
		f.TenantID, f.IdempotencyKey,
	).Scan(&existingID)
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: lookup duplicate feedback")
	}
	return existingID, true, nil
}

func (s *PostgresStore) ListEmbeddingCandidates(ctx context.Context, tc tenant.Context, window int) ([]Candidate, error) {
	if window <= 0 {
		window = 500
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.embedding,
			COALESCE(cl.product, c.product), COALESCE(cl.issue, c.issue),
			COALESCE(sol.strategy, ''), c.created_at
		 FROM complaints c
		 LEFT JOIN classifications cl ON cl.complaint_id = c.id
		 LEFT JOIN LATERAL (
			SELECT strategy FROM solutions WHERE complaint_id = c.id ORDER BY created_at DESC LIMIT 1
		 ) sol ON true
		 WHERE c.tenant_id = $1 AND c.embedding IS NOT NULL
		 ORDER BY c.created_at DESC LIMIT $2`,
		tc.TenantID, window,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list embedding candidates")
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var embJSON []byte
		var product, issue *string

		if err := rows.Scan(&c.ComplaintID, &embJSON, &product, &issue, &c.OutcomeSummary, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		if err := json.Unmarshal(embJSON, &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidate embedding")
		}
		c.Product = deref(product)
		c.Issue = deref(issue)
		candidates = append(candidates, c)
	}
	return candidates, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) BenchmarkStats(ctx context.Context, tc tenant.Context) (*model.BenchmarkStats, error) {
	var b model.BenchmarkStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			COALESCE(AVG(estimated_days) FILTER (WHERE tenant_id = $1), 0),
			COALESCE((SELECT AVG(rating)::float8 FROM feedback WHERE tenant_id = $1), 0),
			COALESCE(AVG(estimated_days), 0),
			COALESCE((SELECT AVG(rating)::float8 FROM feedback), 0),
			COUNT(*) FILTER (WHERE tenant_id = $1)
		 FROM solutions`,
		tc.TenantID,
	).Scan(&b.TenantAvgResolutionDays, &b.TenantSatisfaction, &b.GlobalAvgResolutionDays, &b.GlobalSatisfaction, &b.SampleSize)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: benchmark stats")
	}
	return &b, nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, tenant_id, complaint_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.TenantID, nullIfEmpty(e.ComplaintID), e.Action, nullIfEmpty(e.Detail), e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert audit event")
}

func (s *PostgresStore) EnqueueDeadLetter(ctx context.Context, e resilience.DeadLetter) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, tenant_id, complaint_id, stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, e.ComplaintID, e.Stage, e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dead letter")
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, tenant_id, complaint_id, stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DeadLetter
	for rows.Next() {
		var e resilience.DeadLetter
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ComplaintID, &e.Stage, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count dead letters")
	}
	return n, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
