// Package store persists complaints, pipeline runs, stage outputs, and
// analysis artifacts. Every read and write is scoped to the tenant in the
// supplied context; a row owned by a different tenant surfaces a
// tenant.IsolationError rather than an empty result.
package store

import (
	"context"
	"time"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
)

// RunFilter specifies criteria for listing pipeline runs.
type RunFilter struct {
	TenantID     string         `json:"tenant_id,omitempty"`
	State        model.RunState `json:"state,omitempty"`
	CreatedAfter time.Time      `json:"created_after,omitempty"`
	Limit        int            `json:"limit,omitempty"`
	Offset       int            `json:"offset,omitempty"`
}

// Candidate is one historical complaint eligible for similarity matching.
type Candidate struct {
	ComplaintID    string    `json:"complaint_id"`
	Embedding      []float32 `json:"embedding"`
	Product        string    `json:"product,omitempty"`
	Issue          string    `json:"issue,omitempty"`
	OutcomeSummary string    `json:"outcome_summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LabelHistory counts the labels previously assigned within one tenant,
// used by the classifier's soft validation.
type LabelHistory struct {
	Products map[string]int `json:"products"`
	Issues   map[string]int `json:"issues"`
}

// Store defines the persistence interface for the complaint pipeline.
type Store interface {
	// Complaints
	CreateComplaint(ctx context.Context, c *model.Complaint) error
	GetComplaint(ctx context.Context, tc tenant.Context, complaintID string) (*model.Complaint, error)
	UpdateComplaintEnrichment(ctx context.Context, tc tenant.Context, complaintID, redacted string, meta model.NarrativeMetadata) error
	UpdateComplaintEmbedding(ctx context.Context, tc tenant.Context, complaintID string, embedding []float32) error
	CountUserComplaints(ctx context.Context, tc tenant.Context) (int, error)
	TenantLabelHistory(ctx context.Context, tc tenant.Context) (*LabelHistory, error)

	// Runs
	CreateRun(ctx context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error)
	GetRun(ctx context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error)
	AdvanceRun(ctx context.Context, complaintID string, state model.RunState, stage model.StageName) error
	CompleteRun(ctx context.Context, complaintID string, warnings []string) error
	FailRun(ctx context.Context, complaintID string, cause model.FailureCause, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)

	// Stage outputs, keyed (complaint_id, stage) for idempotent resume.
	SaveStageOutput(ctx context.Context, out model.StageOutput) error
	GetStageOutput(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName) (*model.StageOutput, error)
	ListStageOutputs(ctx context.Context, tc tenant.Context, complaintID string) ([]model.StageOutput, error)

	// Analysis artifacts
	SaveClassification(ctx context.Context, c *model.Classification) error
	GetClassification(ctx context.Context, tc tenant.Context, complaintID string) (*model.Classification, error)
	SaveRiskAssessment(ctx context.Context, ra *model.RiskAssessment) error
	GetRiskAssessment(ctx context.Context, tc tenant.Context, complaintID string) (*model.RiskAssessment, error)
	SaveSolution(ctx context.Context, s *model.Solution) error
	GetSolution(ctx context.Context, tc tenant.Context, complaintID string) (*model.Solution, error)

	// InsertFeedback appends a feedback row. When an idempotency key is
	// supplied and already present for the tenant, the existing row's id
	// is returned with duplicate=true and no new row is written.
	InsertFeedback(ctx context.Context, f *model.Feedback) (id string, duplicate bool, err error)

	// Similarity and benchmarking
	ListEmbeddingCandidates(ctx context.Context, tc tenant.Context, window int) ([]Candidate, error)
	BenchmarkStats(ctx context.Context, tc tenant.Context) (*model.BenchmarkStats, error)

	// Audit and dead letters
	InsertAuditEvent(ctx context.Context, e model.AuditEvent) error
	EnqueueDeadLetter(ctx context.Context, e resilience.DeadLetter) error
	ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
