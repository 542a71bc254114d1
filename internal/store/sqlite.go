package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for
// local development and single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS complaints (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	user_id            TEXT NOT NULL,
	narrative          TEXT NOT NULL,
	redacted_narrative TEXT,
	product            TEXT,
	issue              TEXT,
	company            TEXT,
	embedding          TEXT,
	metadata           TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
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
	warnings      TEXT,
	started_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_tenant_state ON pipeline_runs(tenant_id, state);

CREATE TABLE IF NOT EXISTS stage_outputs (
	complaint_id TEXT NOT NULL REFERENCES complaints(id),
	tenant_id    TEXT NOT NULL,
	stage        TEXT NOT NULL,
	status       TEXT NOT NULL,
	output       TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (complaint_id, stage)
);

CREATE TABLE IF NOT EXISTS classifications (
	complaint_id    TEXT PRIMARY KEY REFERENCES complaints(id),
	tenant_id       TEXT NOT NULL,
	product         TEXT NOT NULL,
	issue           TEXT NOT NULL,
	company         TEXT,
	urgency         TEXT NOT NULL,
	confidence      REAL NOT NULL,
	sentiment       TEXT,
	emotion         TEXT,
	escalation_risk TEXT,
	novel_label     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS risk_scores (
	complaint_id    TEXT PRIMARY KEY REFERENCES complaints(id),
	tenant_id       TEXT NOT NULL,
	score           REAL NOT NULL,
	category        TEXT NOT NULL,
	factors         TEXT NOT NULL,
	model_version   TEXT NOT NULL,
	confidence      REAL NOT NULL,
	mitigations     TEXT,
	regulatory_flag INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS solutions (
	id             TEXT PRIMARY KEY,
	complaint_id   TEXT NOT NULL REFERENCES complaints(id),
	tenant_id      TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	letter         TEXT NOT NULL,
	next_steps     TEXT,
	alternatives   TEXT,
	estimated_days INTEGER NOT NULL,
	fallback       INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_solutions_complaint ON solutions(complaint_id, created_at DESC);

CREATE TABLE IF NOT EXISTS feedback (
	id              TEXT PRIMARY KEY,
	complaint_id    TEXT NOT NULL REFERENCES complaints(id),
	tenant_id       TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	rating          INTEGER NOT NULL,
	comment         TEXT,
	idempotency_key TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_feedback_idempotency
	ON feedback(tenant_id, idempotency_key) WHERE idempotency_key <> '';

CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	complaint_id TEXT,
	action       TEXT NOT NULL,
	detail       TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
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
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letters(error_type);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateComplaint(ctx context.Context, c *model.Complaint) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	var metaJSON, embJSON []byte
	var err error
	if c.Metadata != nil {
		metaJSON, err = json.Marshal(c.Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal metadata")
		}
	}
	if c.Embedding != nil {
		embJSON, err = json.Marshal(c.Embedding)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal embedding")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO complaints (id, tenant_id, user_id, narrative, redacted_narrative, product, issue, company, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.UserID, c.Narrative, nullIfEmpty(c.RedactedNarrative),
		nullIfEmpty(c.Product), nullIfEmpty(c.Issue), nullIfEmpty(c.Company),
		nullBytes(embJSON), nullBytes(metaJSON), c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert complaint")
}

func (s *SQLiteStore) GetComplaint(ctx context.Context, tc tenant.Context, complaintID string) (*model.Complaint, error) {
	var c model.Complaint
	var redacted, product, issue, company, embJSON, metaJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, narrative, redacted_narrative, product, issue, company, embedding, metadata, created_at
		 FROM complaints WHERE id = ?`,
		complaintID,
	).Scan(&c.ID, &c.TenantID, &c.UserID, &c.Narrative, &redacted, &product, &issue, &company, &embJSON, &metaJSON, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get complaint %s", complaintID)
	}
	if err := checkOwner(tc, c.TenantID, "complaint "+complaintID); err != nil {
		return nil, err
	}

	c.RedactedNarrative = redacted.String
	c.Product = product.String
	c.Issue = issue.String
	c.Company = company.String
	if embJSON.Valid && embJSON.String != "" {
		if err := json.Unmarshal([]byte(embJSON.String), &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		c.Metadata = &model.NarrativeMetadata{}
		if err := json.Unmarshal([]byte(metaJSON.String), c.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	return &c, nil
}

func (s *SQLiteStore) UpdateComplaintEnrichment(ctx context.Context, tc tenant.Context, complaintID, redacted string, meta model.NarrativeMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE complaints SET redacted_narrative = ?, metadata = ? WHERE id = ? AND tenant_id = ?`,
		redacted, string(metaJSON), complaintID, tc.TenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update enrichment %s", complaintID)
	}
	return checkAffected(res, "complaint not found: "+complaintID)
}

func (s *SQLiteStore) UpdateComplaintEmbedding(ctx context.Context, tc tenant.Context, complaintID string, embedding []float32) error {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE complaints SET embedding = ? WHERE id = ? AND tenant_id = ?`,
		string(embJSON), complaintID, tc.TenantID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update embedding %s", complaintID)
	}
	return checkAffected(res, "complaint not found: "+complaintID)
}

func (s *SQLiteStore) CountUserComplaints(ctx context.Context, tc tenant.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM complaints WHERE tenant_id = ? AND user_id = ?`,
		tc.TenantID, tc.UserID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count user complaints")
	}
	return n, nil
}

func (s *SQLiteStore) TenantLabelHistory(ctx context.Context, tc tenant.Context) (*LabelHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product, issue FROM classifications WHERE tenant_id = ?`,
		tc.TenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: label history")
	}
	defer rows.Close()

	h := &LabelHistory{Products: map[string]int{}, Issues: map[string]int{}}
	for rows.Next() {
		var product, issue string
		if err := rows.Scan(&product, &issue); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan label history")
		}
		h.Products[product]++
		h.Issues[issue]++
	}
	return h, eris.Wrap(rows.Err(), "sqlite: label history iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, complaint_id, tenant_id, state, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, complaintID, tc.TenantID, string(model.RunStatePending), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for %s", complaintID)
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

func (s *SQLiteStore) GetRun(ctx context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var stage, cause, errMsg, warningsJSON sql.NullString
	var completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, complaint_id, tenant_id, state, current_stage, cause, error, warnings, started_at, updated_at, completed_at
		 FROM pipeline_runs WHERE complaint_id = ?`,
		complaintID,
	).Scan(&r.ID, &r.ComplaintID, &r.TenantID, &r.State, &stage, &cause, &errMsg, &warningsJSON, &r.StartedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run for %s", complaintID)
	}
	if err := checkOwner(tc, r.TenantID, "run for complaint "+complaintID); err != nil {
		return nil, err
	}

	r.CurrentStage = model.StageName(stage.String)
	r.Cause = model.FailureCause(cause.String)
	r.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &r.Warnings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal warnings")
		}
	}
	return &r, nil
}

func (s *SQLiteStore) AdvanceRun(ctx context.Context, complaintID string, state model.RunState, stage model.StageName) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET state = ?, current_stage = ?, updated_at = ?
		 WHERE complaint_id = ? AND state NOT IN ('completed', 'failed')`,
		string(state), string(stage), time.Now().UTC(), complaintID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: advance run %s", complaintID)
	}
	return checkAffected(res, "run not found or already terminal: "+complaintID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, complaintID string, warnings []string) error {
	var warningsJSON any
	if len(warnings) > 0 {
		b, err := json.Marshal(warnings)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal warnings")
		}
		warningsJSON = string(b)
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET state = ?, warnings = ?, updated_at = ?, completed_at = ?
		 WHERE complaint_id = ? AND state NOT IN ('completed', 'failed')`,
		string(model.RunStateCompleted), warningsJSON, now, now, complaintID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", complaintID)
	}
	return checkAffected(res, "run not found or already terminal: "+complaintID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, complaintID string, cause model.FailureCause, errMsg string) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET state = ?, cause = ?, error = ?, updated_at = ?, completed_at = ?
		 WHERE complaint_id = ? AND state NOT IN ('completed', 'failed')`,
		string(model.RunStateFailed), string(cause), errMsg, now, now, complaintID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", complaintID)
	}
	return checkAffected(res, "run not found or already terminal: "+complaintID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	query := `SELECT id, complaint_id, tenant_id, state, current_stage, cause, error, warnings, started_at, updated_at, completed_at FROM pipeline_runs WHERE true`
	args := []any{}

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		var r model.PipelineRun
		var stage, cause, errMsg, warningsJSON sql.NullString
		var completedAt sql.NullTime

		if err := rows.Scan(&r.ID, &r.ComplaintID, &r.TenantID, &r.State, &stage, &cause, &errMsg, &warningsJSON, &r.StartedAt, &r.UpdatedAt, &completedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.CurrentStage = model.StageName(stage.String)
		r.Cause = model.FailureCause(cause.String)
		r.Error = errMsg.String
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if warningsJSON.Valid && warningsJSON.String != "" {
			if err := json.Unmarshal([]byte(warningsJSON.String), &r.Warnings); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal warnings")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveStageOutput(ctx context.Context, out model.StageOutput) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_outputs (complaint_id, tenant_id, stage, status, output, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (complaint_id, stage) DO UPDATE SET status = excluded.status, output = excluded.output, duration_ms = excluded.duration_ms, created_at = excluded.created_at`,
		out.ComplaintID, out.TenantID, string(out.Stage), string(out.Status), string(out.Output), out.Duration, out.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save stage output %s/%s", out.ComplaintID, out.Stage)
}

func (s *SQLiteStore) GetStageOutput(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName) (*model.StageOutput, error) {
	var out model.StageOutput
	var output string

	err := s.db.QueryRowContext(ctx,
		`SELECT complaint_id, tenant_id, stage, status, output, duration_ms, created_at
		 FROM stage_outputs WHERE complaint_id = ? AND stage = ?`,
		complaintID, string(stage),
	).Scan(&out.ComplaintID, &out.TenantID, &out.Stage, &out.Status, &output, &out.Duration, &out.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get stage output %s/%s", complaintID, stage)
	}
	if err := checkOwner(tc, out.TenantID, fmt.Sprintf("stage output %s/%s", complaintID, stage)); err != nil {
		return nil, err
	}
	out.Output = []byte(output)
	return &out, nil
}

func (s *SQLiteStore) ListStageOutputs(ctx context.Context, tc tenant.Context, complaintID string) ([]model.StageOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT complaint_id, tenant_id, stage, status, output, duration_ms, created_at
		 FROM stage_outputs WHERE complaint_id = ? AND tenant_id = ? ORDER BY created_at`,
		complaintID, tc.TenantID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage outputs")
	}
	defer rows.Close()

	var outs []model.StageOutput
	for rows.Next() {
		var out model.StageOutput
		var output string
		if err := rows.Scan(&out.ComplaintID, &out.TenantID, &out.Stage, &out.Status, &output, &out.Duration, &out.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage output")
		}
		out.Output = []byte(output)
		outs = append(outs, out)
	}
	return outs, eris.Wrap(rows.Err(), "sqlite: list stage outputs iterate")
}

func (s *SQLiteStore) SaveClassification(ctx context.Context, c *model.Classification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classifications (complaint_id, tenant_id, product, issue, company, urgency, confidence, sentiment, emotion, escalation_risk, novel_label)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (complaint_id) DO UPDATE SET product = excluded.product, issue = excluded.issue, company = excluded.company, urgency = excluded.urgency, confidence = excluded.confidence, sentiment = excluded.sentiment, emotion = excluded.emotion, escalation_risk = excluded.escalation_risk, novel_label = excluded.novel_label`,
		c.ComplaintID, c.TenantID, c.Product, c.Issue, nullIfEmpty(c.Company),
		c.Urgency, c.Confidence, nullIfEmpty(c.Sentiment), nullIfEmpty(c.Emotion),
		nullIfEmpty(c.EscalationRisk), c.NovelLabel,
	)
	return eris.Wrapf(err, "sqlite: save classification %s", c.ComplaintID)
}

func (s *SQLiteStore) GetClassification(ctx context.Context, tc tenant.Context, complaintID string) (*model.Classification, error) {
	var c model.Classification
	var company, sentiment, emotion, escalation sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT complaint_id, tenant_id, product, issue, company, urgency, confidence, sentiment, emotion, escalation_risk, novel_label
		 FROM classifications WHERE complaint_id = ?`,
		complaintID,
	).Scan(&c.ComplaintID, &c.TenantID, &c.Product, &c.Issue, &company, &c.Urgency, &c.Confidence, &sentiment, &emotion, &escalation, &c.NovelLabel)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get classification %s", complaintID)
	}
	if err := checkOwner(tc, c.TenantID, "classification "+complaintID); err != nil {
		return nil, err
	}

	c.Company = company.String
	c.Sentiment = sentiment.String
	c.Emotion = emotion.String
	c.EscalationRisk = escalation.String
	return &c, nil
}

func (s *SQLiteStore) SaveRiskAssessment(ctx context.Context, ra *model.RiskAssessment) error {
	factorsJSON, err := json.Marshal(ra.Factors)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal factors")
	}
	var mitigationsJSON []byte
	if len(ra.Mitigations) > 0 {
		mitigationsJSON, err = json.Marshal(ra.Mitigations)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal mitigations")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO risk_scores (complaint_id, tenant_id, score, category, factors, model_version, confidence, mitigations, regulatory_flag)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (complaint_id) DO UPDATE SET score = excluded.score, category = excluded.category, factors = excluded.factors, model_version = excluded.model_version, confidence = excluded.confidence, mitigations = excluded.mitigations, regulatory_flag = excluded.regulatory_flag`,
		ra.ComplaintID, ra.TenantID, ra.Score, string(ra.Category), string(factorsJSON),
		ra.ModelVersion, ra.Confidence, nullBytes(mitigationsJSON), ra.RegulatoryFlag,
	)
	return eris.Wrapf(err, "sqlite: save risk assessment %s", ra.ComplaintID)
}

func (s *SQLiteStore) GetRiskAssessment(ctx context.Context, tc tenant.Context, complaintID string) (*model.RiskAssessment, error) {
	var ra model.RiskAssessment
	var factorsJSON string
	var mitigationsJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT complaint_id, tenant_id, score, category, factors, model_version, confidence, mitigations, regulatory_flag
		 FROM risk_scores WHERE complaint_id = ?`,
		complaintID,
	).Scan(&ra.ComplaintID, &ra.TenantID, &ra.Score, &ra.Category, &factorsJSON, &ra.ModelVersion, &ra.Confidence, &mitigationsJSON, &ra.RegulatoryFlag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get risk assessment %s", complaintID)
	}
	if err := checkOwner(tc, ra.TenantID, "risk assessment "+complaintID); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(factorsJSON), &ra.Factors); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal factors")
	}
	if mitigationsJSON.Valid && mitigationsJSON.String != "" {
		if err := json.Unmarshal([]byte(mitigationsJSON.String), &ra.Mitigations); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal mitigations")
		}
	}
	return &ra, nil
}

func (s *SQLiteStore) SaveSolution(ctx context.Context, sol *model.Solution) error {
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
			return eris.Wrap(err, "sqlite: marshal next steps")
		}
	}
	if len(sol.Alternatives) > 0 {
		altsJSON, err = json.Marshal(sol.Alternatives)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal alternatives")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO solutions (id, complaint_id, tenant_id, strategy, letter, next_steps, alternatives, estimated_days, fallback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sol.ID, sol.ComplaintID, sol.TenantID, sol.Strategy, sol.Letter,
		nullBytes(stepsJSON), nullBytes(altsJSON), sol.EstimatedResolutionDays, sol.Fallback, sol.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: save solution %s", sol.ComplaintID)
}

func (s *SQLiteStore) GetSolution(ctx context.Context, tc tenant.Context, complaintID string) (*model.Solution, error) {
	var sol model.Solution
	var stepsJSON, altsJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, complaint_id, tenant_id, strategy, letter, next_steps, alternatives, estimated_days, fallback, created_at
		 FROM solutions WHERE complaint_id = ? ORDER BY created_at DESC LIMIT 1`,
		complaintID,
	).Scan(&sol.ID, &sol.ComplaintID, &sol.TenantID, &sol.Strategy, &sol.Letter, &stepsJSON, &altsJSON, &sol.EstimatedResolutionDays, &sol.Fallback, &sol.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get solution %s", complaintID)
	}
	if err := checkOwner(tc, sol.TenantID, "solution "+complaintID); err != nil {
		return nil, err
	}

	if stepsJSON.Valid && stepsJSON.String != "" {
		if err := json.Unmarshal([]byte(stepsJSON.String), &sol.NextSteps); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal next steps")
		}
	}
	if altsJSON.Valid && altsJSON.String != "" {
		if err := json.Unmarshal([]byte(altsJSON.String), &sol.Alternatives); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal alternatives")
		}
	}
	return &sol, nil
}

func (s *SQLiteStore) InsertFeedback(ctx context.Context, f *model.Feedback) (string, bool, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	if f.IdempotencyKey == "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO feedback (id, complaint_id, tenant_id, user_id, rating, comment, idempotency_key, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, '', ?)`,
			f.ID, f.ComplaintID, f.TenantID, f.UserID, f.Rating, nullIfEmpty(f.Comment), f.CreatedAt,
		)
		if err != nil {
			return "", false, eris.Wrapf(err, "sqlite: insert feedback %s", f.ComplaintID)
		}
		return f.ID, false, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, complaint_id, tenant_id, user_id, rating, comment, idempotency_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key <> '' DO NOTHING`,
		f.ID, f.ComplaintID, f.TenantID, f.UserID, f.Rating, nullIfEmpty(f.Comment), f.IdempotencyKey, f.CreatedAt,
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: insert feedback %s", f.ComplaintID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return f.ID, false, nil
	}

	var existingID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM feedback WHERE tenant_id = ? AND idempotency_key = ?`,
		f.TenantID, f.IdempotencyKey,
	).Scan(&existingID)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: lookup duplicate feedback")
	}
	return existingID, true, nil
}

func (s *SQLiteStore) ListEmbeddingCandidates(ctx context.Context, tc tenant.Context, window int) ([]Candidate, error) {
	if window <= 0 {
		window = 500
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.embedding,
			COALESCE(cl.product, c.product), COALESCE(cl.issue, c.issue),
			COALESCE((SELECT strategy FROM solutions WHERE complaint_id = c.id ORDER BY created_at DESC LIMIT 1), ''),
			c.created_at
		 FROM complaints c
		 LEFT JOIN classifications cl ON cl.complaint_id = c.id
		 WHERE c.tenant_id = ? AND c.embedding IS NOT NULL
		 ORDER BY c.created_at DESC LIMIT ?`,
		tc.TenantID, window,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list embedding candidates")
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var embJSON string
		var product, issue sql.NullString

		if err := rows.Scan(&c.ComplaintID, &embJSON, &product, &issue, &c.OutcomeSummary, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		if err := json.Unmarshal([]byte(embJSON), &c.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal candidate embedding")
		}
		c.Product = product.String
		c.Issue = issue.String
		candidates = append(candidates, c)
	}
	return candidates, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) BenchmarkStats(ctx context.Context, tc tenant.Context) (*model.BenchmarkStats, error) {
	var b model.BenchmarkStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE((SELECT AVG(estimated_days) FROM solutions WHERE tenant_id = ?), 0),
			COALESCE((SELECT AVG(rating) FROM feedback WHERE tenant_id = ?), 0),
			COALESCE((SELECT AVG(estimated_days) FROM solutions), 0),
			COALESCE((SELECT AVG(rating) FROM feedback), 0),
			(SELECT COUNT(*) FROM solutions WHERE tenant_id = ?)`,
		tc.TenantID, tc.TenantID, tc.TenantID,
	).Scan(&b.TenantAvgResolutionDays, &b.TenantSatisfaction, &b.GlobalAvgResolutionDays, &b.GlobalSatisfaction, &b.SampleSize)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: benchmark stats")
	}
	return &b, nil
}

func (s *SQLiteStore) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, tenant_id, complaint_id, action, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullIfEmpty(e.ComplaintID), e.Action, nullIfEmpty(e.Detail), e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert audit event")
}

func (s *SQLiteStore) EnqueueDeadLetter(ctx context.Context, e resilience.DeadLetter) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, tenant_id, complaint_id, stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.ComplaintID, e.Stage, e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "sqlite: enqueue dead letter")
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, tenant_id, complaint_id, stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at FROM dead_letters WHERE true`
	args := []any{}

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var entries []resilience.DeadLetter
	for rows.Next() {
		var e resilience.DeadLetter
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ComplaintID, &e.Stage, &e.Error, &e.ErrorType, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count dead letters")
	}
	return n, nil
}

func checkAffected(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.New(msg)
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
