package model

import "time"

// RunState represents the current state of a pipeline run.
type RunState string

const (
	RunStatePending     RunState = "pending"
	RunStateExtracting  RunState = "extracting"
	RunStateClassifying RunState = "classifying"
	RunStateSearching   RunState = "searching"
	RunStateScoring     RunState = "scoring"
	RunStateGenerating  RunState = "generating"
	RunStateCompleted   RunState = "completed"
	RunStateFailed      RunState = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// StageName identifies one step of the analysis pipeline.
type StageName string

const (
	StageExtract  StageName = "extract"
	StageClassify StageName = "classify"
	StageSearch   StageName = "search"
	StageScore    StageName = "score"
	StageGenerate StageName = "generate"
)

// StageOrder lists the stages in execution order.
var StageOrder = []StageName{
	StageExtract,
	StageClassify,
	StageSearch,
	StageScore,
	StageGenerate,
}

// stageStates maps each stage to the run state that signals it is active.
var stageStates = map[StageName]RunState{
	StageExtract:  RunStateExtracting,
	StageClassify: RunStateClassifying,
	StageSearch:   RunStateSearching,
	StageScore:    RunStateScoring,
	StageGenerate: RunStateGenerating,
}

// StateForStage returns the active run state for a stage.
func StateForStage(stage StageName) RunState {
	return stageStates[stage]
}

// ProgressPercent maps a run state to a coarse completion percentage for
// polling clients.
func ProgressPercent(s RunState) int {
	switch s {
	case RunStatePending:
		return 0
	case RunStateExtracting:
		return 15
	case RunStateClassifying:
		return 35
	case RunStateSearching:
		return 55
	case RunStateScoring:
		return 75
	case RunStateGenerating:
		return 90
	case RunStateCompleted, RunStateFailed:
		return 100
	default:
		return 0
	}
}

// FailureCause is the stable cause code surfaced when a run fails.
type FailureCause string

const (
	CauseExtractionFailed     FailureCause = "extraction_failed"
	CauseClassificationFailed FailureCause = "classification_failed"
	CauseRiskAssessmentFailed FailureCause = "risk_assessment_failed"
	CauseTenantIsolation      FailureCause = "tenant_isolation_violation"
	CauseCancelled            FailureCause = "cancelled"
	CauseInternal             FailureCause = "internal_error"
)

// PipelineRun tracks one complaint's progress through the pipeline.
// Owned exclusively by the orchestrator; only the state, stage pointer,
// warnings, and terminal fields are mutable.
type PipelineRun struct {
	ID           string       `json:"id"`
	ComplaintID  string       `json:"complaint_id"`
	TenantID     string       `json:"tenant_id"`
	State        RunState     `json:"state"`
	CurrentStage StageName    `json:"current_stage,omitempty"`
	Cause        FailureCause `json:"cause,omitempty"`
	Error        string       `json:"error,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// StageStatus is the outcome recorded for a persisted stage output.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusDegraded StageStatus = "degraded"
	StageStatusFailed   StageStatus = "failed"
)

// StageOutput is one durably persisted stage result, keyed by
// (complaint_id, stage) to support idempotent resume.
type StageOutput struct {
	ComplaintID string      `json:"complaint_id"`
	TenantID    string      `json:"tenant_id"`
	Stage       StageName   `json:"stage"`
	Status      StageStatus `json:"status"`
	Output      []byte      `json:"output"`
	Duration    int64       `json:"duration_ms"`
	CreatedAt   time.Time   `json:"created_at"`
}
