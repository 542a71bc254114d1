// Package pipeline orchestrates the complaint analysis pipeline: PII
// extraction, classification, similarity search, risk scoring, and
// solution generation. Each stage output is persisted before the run
// advances, so an interrupted run resumes from its last durable stage.
package pipeline

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/complaint-orchestrator/internal/config"
	"github.com/sells-group/complaint-orchestrator/internal/cost"
	"github.com/sells-group/complaint-orchestrator/internal/events"
	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
	"github.com/sells-group/complaint-orchestrator/pkg/embeddings"
)

// runTimeout bounds one asynchronous pipeline execution.
const runTimeout = 5 * time.Minute

// Orchestrator drives complaint runs through the stage sequence and owns
// all run state transitions.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	ai       anthropic.Client
	embed    embeddings.Client
	emitter  *events.Emitter
	costCalc *cost.Calculator
	retry    resilience.RetryConfig
	logger   *zap.Logger

	// async controls whether Submit launches the run in a goroutine.
	// Tests disable it to drive runs synchronously.
	async bool
}

// New creates an Orchestrator.
func New(cfg *config.Config, st store.Store, ai anthropic.Client, embed embeddings.Client, emitter *events.Emitter) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		ai:       ai,
		embed:    embed,
		emitter:  emitter,
		costCalc: cost.NewCalculator(cost.DefaultRates()),
		retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(cfg.Retry.MaxBackoffSecs) * time.Second,
		},
		logger: zap.L().Named("pipeline"),
		async:  true,
	}
}

// RunStatus is the polling view of a run. TimedOut is an overlay computed
// at read time; it is never persisted, so a resumed run clears it simply
// by making progress.
type RunStatus struct {
	model.PipelineRun
	ProgressPercent int  `json:"progress_percent"`
	TimedOut        bool `json:"timed_out,omitempty"`
}

// Submission is the caller payload for a new complaint. The label fields
// are optional hints recorded on the complaint record; the classify stage
// still derives its own labels from the narrative.
type Submission struct {
	Narrative string `json:"narrative"`
	Product   string `json:"product,omitempty"`
	Issue     string `json:"issue,omitempty"`
	Company   string `json:"company,omitempty"`
}

// Submit validates and persists a new complaint, then starts its pipeline
// run. The returned run is in the pending state; callers poll Status.
func (o *Orchestrator) Submit(ctx context.Context, tc tenant.Context, sub Submission) (*model.PipelineRun, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	if sub.Narrative == "" {
		return nil, &ValidationError{Field: "narrative", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(sub.Narrative); n > o.cfg.Pipeline.MaxNarrativeRunes {
		return nil, &InputTooLargeError{Limit: o.cfg.Pipeline.MaxNarrativeRunes, Actual: n}
	}

	complaint := &model.Complaint{
		TenantID:  tc.TenantID,
		UserID:    tc.UserID,
		Narrative: sub.Narrative,
		Product:   sub.Product,
		Issue:     sub.Issue,
		Company:   sub.Company,
	}
	if err := o.store.CreateComplaint(ctx, complaint); err != nil {
		return nil, eris.Wrap(err, "pipeline: create complaint")
	}
	run, err := o.store.CreateRun(ctx, tc, complaint.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	o.audit(ctx, tc, complaint.ID, "complaint_submitted", "")

	if o.async {
		go func() {
			runCtx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()
			if err := o.Run(runCtx, tc, complaint.ID); err != nil {
				o.logger.Error("pipeline run failed",
					zap.String("complaint_id", complaint.ID),
					zap.String("tenant_id", tc.TenantID),
					zap.Error(err))
			}
		}()
	}
	return run, nil
}

// Run executes the stage sequence for a complaint, resuming past any
// stage whose output is already persisted. Safe to call again after a
// crash or a dead-letter replay; completed runs are a no-op.
func (o *Orchestrator) Run(ctx context.Context, tc tenant.Context, complaintID string) error {
	run, err := o.store.GetRun(ctx, tc, complaintID)
	if err != nil {
		return o.failRun(ctx, tc, complaintID, "", model.CauseInternal, err)
	}
	if run == nil {
		return &NotFoundError{ComplaintID: complaintID}
	}
	if run.State.Terminal() {
		return nil
	}

	complaint, err := o.store.GetComplaint(ctx, tc, complaintID)
	if err != nil || complaint == nil {
		if err == nil {
			err = eris.New("pipeline: complaint missing for run")
		}
		return o.failRun(ctx, tc, complaintID, "", model.CauseInternal, err)
	}

	warnings := append([]string(nil), run.Warnings...)
	var usage anthropic.TokenUsage

	// Stage 1: extraction.
	extraction, err := o.runExtract(ctx, tc, complaint, &usage)
	if err != nil {
		return o.failRun(ctx, tc, complaintID, model.StageExtract, model.CauseExtractionFailed, err)
	}
	complaint.RedactedNarrative = extraction.RedactedNarrative

	// Stage 2: classification.
	classification, err := o.runClassify(ctx, tc, complaint, extraction, &usage)
	if err != nil {
		return o.failRun(ctx, tc, complaintID, model.StageClassify, model.CauseClassificationFailed, err)
	}

	// Stage 3: similarity search, degradable.
	search, degraded, err := o.runSearch(ctx, tc, complaint, extraction)
	if err != nil {
		return o.failRun(ctx, tc, complaintID, model.StageSearch, model.CauseInternal, err)
	}
	if degraded {
		warnings = append(warnings, "similarity search unavailable, matches omitted")
	}

	// Stage 4: risk scoring.
	risk, err := o.runScore(ctx, tc, complaint, classification, extraction.Metadata, degraded)
	if err != nil {
		return o.failRun(ctx, tc, complaintID, model.StageScore, model.CauseRiskAssessmentFailed, err)
	}

	// Stage 5: solution generation, best effort.
	_, solWarnings := o.runGenerate(ctx, tc, complaint, classification, risk, search, &usage)
	warnings = append(warnings, solWarnings...)

	if err := o.store.CompleteRun(ctx, complaintID, warnings); err != nil {
		return o.failRun(ctx, tc, complaintID, "", model.CauseInternal, err)
	}

	o.audit(ctx, tc, complaintID, "run_completed", "")
	o.logCost(complaintID, usage, extraction)
	return nil
}

// runExtract returns the extraction result, loading the persisted output
// when a prior attempt already completed the stage.
func (o *Orchestrator) runExtract(ctx context.Context, tc tenant.Context, complaint *model.Complaint, usage *anthropic.TokenUsage) (*model.ExtractionResult, error) {
	var cached model.ExtractionResult
	if ok, err := o.loadStageOutput(ctx, tc, complaint.ID, model.StageExtract, &cached); err != nil {
		return nil, err
	} else if ok {
		return &cached, nil
	}

	if err := o.advance(ctx, complaint.ID, model.StageExtract); err != nil {
		return nil, err
	}

	started := time.Now()
	out, err := resilience.DoVal(ctx, o.retryFor("extract"), func(ctx context.Context) (extractOut, error) {
		res, u, err := Extract(ctx, o.ai, o.cfg.Anthropic.Model, o.cfg.Anthropic.MaxTokens, complaint.Narrative)
		return extractOut{res, u}, err
	})
	if err != nil {
		return nil, err
	}
	addUsage(usage, out.usage)
	out.usage.LogCost(o.cfg.Anthropic.Model, string(model.StageExtract))

	if err := o.store.UpdateComplaintEnrichment(ctx, tc, complaint.ID, out.res.RedactedNarrative, out.res.Metadata); err != nil {
		return nil, err
	}
	if err := o.saveStageOutput(ctx, tc, complaint.ID, model.StageExtract, model.StageStatusComplete, out.res, started); err != nil {
		return nil, err
	}
	return out.res, nil
}

type extractOut struct {
	res   *model.ExtractionResult
	usage anthropic.TokenUsage
}

func (o *Orchestrator) runClassify(ctx context.Context, tc tenant.Context, complaint *model.Complaint, extraction *model.ExtractionResult, usage *anthropic.TokenUsage) (*model.Classification, error) {
	var cached model.Classification
	if ok, err := o.loadStageOutput(ctx, tc, complaint.ID, model.StageClassify, &cached); err != nil {
		return nil, err
	} else if ok {
		return &cached, nil
	}

	if err := o.advance(ctx, complaint.ID, model.StageClassify); err != nil {
		return nil, err
	}

	history, err := o.store.TenantLabelHistory(ctx, tc)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	out, err := resilience.DoVal(ctx, o.retryFor("classify"), func(ctx context.Context) (classifyOut, error) {
		c, u, err := Classify(ctx, o.ai, o.cfg.Anthropic.Model, o.cfg.Anthropic.MaxTokens, o.cfg.Pipeline.NoveltyPenalty, extraction, history)
		return classifyOut{c, u}, err
	})
	if err != nil {
		return nil, err
	}
	addUsage(usage, out.usage)
	out.usage.LogCost(o.cfg.Anthropic.Model, string(model.StageClassify))

	out.c.ComplaintID = complaint.ID
	out.c.TenantID = tc.TenantID
	if err := o.store.SaveClassification(ctx, out.c); err != nil {
		return nil, err
	}
	if err := o.saveStageOutput(ctx, tc, complaint.ID, model.StageClassify, model.StageStatusComplete, out.c, started); err != nil {
		return nil, err
	}
	return out.c, nil
}

type classifyOut struct {
	c     *model.Classification
	usage anthropic.TokenUsage
}

// runSearch degrades rather than fails: when the embedding capability is
// down after retries, the run continues with no matches and the failure
// is dead-lettered for later replay.
func (o *Orchestrator) runSearch(ctx context.Context, tc tenant.Context, complaint *model.Complaint, extraction *model.ExtractionResult) (*model.SearchResult, bool, error) {
	var cached model.SearchResult
	if ok, err := o.loadStageOutput(ctx, tc, complaint.ID, model.StageSearch, &cached); err != nil {
		return nil, false, err
	} else if ok {
		return &cached, cached.Degraded, nil
	}

	if err := o.advance(ctx, complaint.ID, model.StageSearch); err != nil {
		return nil, false, err
	}

	started := time.Now()
	out, err := resilience.DoVal(ctx, o.retryFor("search"), func(ctx context.Context) (searchOut, error) {
		vector, res, err := Search(ctx, o.store, o.embed, tc, complaint.ID,
			extraction.RedactedNarrative, o.cfg.Pipeline.SimilarityTopK, o.cfg.Pipeline.CandidateWindow)
		return searchOut{vector, res}, err
	})
	if err != nil {
		// Isolation is fatal even here; only capability trouble degrades.
		if tenant.IsIsolation(err) {
			return nil, false, err
		}
		o.logger.Warn("similarity search degraded",
			zap.String("complaint_id", complaint.ID),
			zap.Error(err))
		o.deadLetter(ctx, tc, complaint.ID, model.StageSearch, err)
		degradedRes := &model.SearchResult{Matches: []model.SimilarityMatch{}, Degraded: true}
		if err := o.saveStageOutput(ctx, tc, complaint.ID, model.StageSearch, model.StageStatusDegraded, degradedRes, started); err != nil {
			return nil, false, err
		}
		return degradedRes, true, nil
	}

	if len(out.vector) > 0 {
		if err := o.store.UpdateComplaintEmbedding(ctx, tc, complaint.ID, out.vector); err != nil {
			return nil, false, err
		}
	}
	if err := o.saveStageOutput(ctx, tc, complaint.ID, model.StageSearch, model.StageStatusComplete, out.res, started); err != nil {
		return nil, false, err
	}
	return out.res, false, nil
}

type searchOut struct {
	vector []float32
	res    *model.SearchResult
}

func (o *Orchestrator) runScore(ctx context.Context, tc tenant.Context, complaint *model.Complaint, classification *model.Classification, meta model.NarrativeMetadata, searchDegraded bool) (*model.RiskAssessment, error) {
	var cached model.RiskAssessment
	if ok, err := o.loadStageOutput(ctx, tc, complaint.ID, model.StageScore, &cached); err != nil {
		return nil, err
	} else if ok {
		return &cached, nil
	}

	if err := o.advance(ctx, complaint.ID, model.StageScore); err != nil {
		return nil, err
	}

	started := time.Now()
	risk, err := Score(ctx, o.store, tc, classification, meta, searchDegraded)
	if err != nil {
		return nil, err
	}
	risk.ComplaintID = complaint.ID
	if err := o.store.SaveRiskAssessment(ctx, risk); err != nil {
		return nil, err
	}
	if err := o.saveStageOutput(ctx, tc, complaint.ID, model.StageScore, model.StageStatusComplete, risk, started); err != nil {
		return nil, err
	}
	return risk, nil
}

// runGenerate never fails the run. Any trouble producing or persisting a
// solution surfaces as a warning on the completed run instead.
func (o *Orchestrator) runGenerate(ctx context.Context, tc tenant.Context, complaint *model.Complaint, classification *model.Classification, risk *model.RiskAssessment, search *model.SearchResult, usage *anthropic.TokenUsage) (*model.Solution, []string) {
	var cached model.Solution
	ok, err := o.loadStageOutput(ctx, tc, complaint.ID, model.StageGenerate, &cached)
	if err != nil {
		// Still best effort: an unreadable resume record means the
		// stage regenerates rather than failing the run.
		o.logger.Warn("solution stage output unavailable",
			zap.String("complaint_id", complaint.ID),
			zap.Error(err))
	} else if ok {
		return &cached, nil
	}

	if err := o.advance(ctx, complaint.ID, model.StageGenerate); err != nil {
		return nil, []string{"solution generation skipped: " + err.Error()}
	}

	started := time.Now()
	sol, u, err := Generate(ctx, o.ai, o.cfg.Anthropic.Model, o.cfg.Anthropic.MaxTokens, complaint, classification, risk, search)
	if err != nil || sol == nil {
		o.logger.Warn("solution generation failed",
			zap.String("complaint_id", complaint.ID),
			zap.Error(err))
		return nil, []string{"solution generation failed"}
	}
	addUsage(usage, u)
	u.LogCost(o.cfg.Anthropic.Model, string(model.StageGenerate))

	if err := o.store.SaveSolution(ctx, sol); err != nil {
		o.logger.Warn("solution persist failed",
			zap.String("complaint_id", complaint.ID),
			zap.Error(err))
		return nil, []string{"solution generation failed"}
	}

	status := model.StageStatusComplete
	var warnings []string
	if sol.Fallback {
		status = model.StageStatusDegraded
		warnings = append(warnings, "solution generated from fallback template")
	}
	if err := o.saveStageOutput(ctx, tc, complaint.ID, model.StageGenerate, status, sol, started); err != nil {
		warnings = append(warnings, "solution stage output not persisted")
	}
	return sol, warnings
}

// Status returns the polling view of a run.
func (o *Orchestrator) Status(ctx context.Context, tc tenant.Context, complaintID string) (*RunStatus, error) {
	run, err := o.store.GetRun(ctx, tc, complaintID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &NotFoundError{ComplaintID: complaintID}
	}

	status := &RunStatus{
		PipelineRun:     *run,
		ProgressPercent: model.ProgressPercent(run.State),
	}
	stuck := time.Duration(o.cfg.Pipeline.StuckTimeoutSecs) * time.Second
	if !run.State.Terminal() && stuck > 0 && time.Since(run.UpdatedAt) > stuck {
		status.TimedOut = true
	}
	return status, nil
}

// Analysis assembles the full result bundle for a terminal run. Callers
// polling a run that is still in flight get a NotReadyError.
func (o *Orchestrator) Analysis(ctx context.Context, tc tenant.Context, complaintID string) (*model.Analysis, error) {
	run, err := o.store.GetRun(ctx, tc, complaintID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &NotFoundError{ComplaintID: complaintID}
	}
	if !run.State.Terminal() {
		return nil, &NotReadyError{State: run.State}
	}

	analysis := &model.Analysis{
		ComplaintID: complaintID,
		State:       run.State,
		Cause:       run.Cause,
		Similar:     []model.SimilarityMatch{},
		Warnings:    run.Warnings,
	}

	var extraction model.ExtractionResult
	if ok, err := o.loadStageOutput(ctx, tc, complaintID, model.StageExtract, &extraction); err != nil {
		return nil, err
	} else if ok {
		analysis.Entities = &extraction.Entities
		analysis.Redacted = extraction.RedactedNarrative
	}

	if analysis.Classification, err = o.store.GetClassification(ctx, tc, complaintID); err != nil {
		return nil, err
	}
	if analysis.Risk, err = o.store.GetRiskAssessment(ctx, tc, complaintID); err != nil {
		return nil, err
	}
	if analysis.Solution, err = o.store.GetSolution(ctx, tc, complaintID); err != nil {
		return nil, err
	}

	var search model.SearchResult
	if ok, err := o.loadStageOutput(ctx, tc, complaintID, model.StageSearch, &search); err != nil {
		return nil, err
	} else if ok {
		if search.Matches != nil {
			analysis.Similar = search.Matches
		}
		analysis.Benchmark = search.Benchmark
	}

	return analysis, nil
}

// RecordFeedback stores a rating for a completed run's solution. The
// idempotency key dedupes retried submissions within the tenant.
func (o *Orchestrator) RecordFeedback(ctx context.Context, tc tenant.Context, complaintID string, rating int, comment, idempotencyKey string) (*model.Feedback, bool, error) {
	if rating < 1 || rating > 5 {
		return nil, false, &ValidationError{Field: "rating", Reason: "must be between 1 and 5"}
	}

	run, err := o.store.GetRun(ctx, tc, complaintID)
	if err != nil {
		return nil, false, err
	}
	if run == nil {
		return nil, false, &NotFoundError{ComplaintID: complaintID}
	}
	if run.State != model.RunStateCompleted {
		return nil, false, &NotReadyError{State: run.State}
	}

	fb := &model.Feedback{
		ComplaintID:    complaintID,
		TenantID:       tc.TenantID,
		UserID:         tc.UserID,
		Rating:         rating,
		Comment:        comment,
		IdempotencyKey: idempotencyKey,
	}
	id, duplicate, err := o.store.InsertFeedback(ctx, fb)
	if err != nil {
		return nil, false, eris.Wrap(err, "pipeline: insert feedback")
	}
	fb.ID = id
	if !duplicate {
		o.audit(ctx, tc, complaintID, "feedback_recorded", "")
	}
	return fb, duplicate, nil
}

// Cancel marks an in-flight run as failed with a cancelled cause. The
// worker goroutine notices the terminal state at its next transition and
// stops; already-persisted stage outputs are retained.
func (o *Orchestrator) Cancel(ctx context.Context, tc tenant.Context, complaintID string) error {
	run, err := o.store.GetRun(ctx, tc, complaintID)
	if err != nil {
		return err
	}
	if run == nil {
		return &NotFoundError{ComplaintID: complaintID}
	}
	if run.State.Terminal() {
		return &NotReadyError{State: run.State}
	}
	if err := o.store.FailRun(ctx, complaintID, model.CauseCancelled, "cancelled by user"); err != nil {
		return eris.Wrap(err, "pipeline: cancel run")
	}
	o.audit(ctx, tc, complaintID, "run_cancelled", "")
	return nil
}

// advance moves the run into the stage's active state. A zero-row update
// means the run went terminal underneath us (cancel or a concurrent
// failure) and the stage must not execute.
func (o *Orchestrator) advance(ctx context.Context, complaintID string, stage model.StageName) error {
	return o.store.AdvanceRun(ctx, complaintID, model.StateForStage(stage), stage)
}

// loadStageOutput returns true and decodes into target when the stage has
// a persisted non-failed output, which is the resume signal.
func (o *Orchestrator) loadStageOutput(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName, target any) (bool, error) {
	out, err := o.store.GetStageOutput(ctx, tc, complaintID, stage)
	if err != nil {
		return false, err
	}
	if out == nil || out.Status == model.StageStatusFailed || len(out.Output) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(out.Output, target); err != nil {
		// Unreadable prior output is treated as absent; the stage reruns.
		o.logger.Warn("discarding unreadable stage output",
			zap.String("complaint_id", complaintID),
			zap.String("stage", string(stage)),
			zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (o *Orchestrator) saveStageOutput(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName, status model.StageStatus, payload any, started time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "pipeline: marshal stage output")
	}
	return o.store.SaveStageOutput(ctx, model.StageOutput{
		ComplaintID: complaintID,
		TenantID:    tc.TenantID,
		Stage:       stage,
		Status:      status,
		Output:      raw,
		Duration:    time.Since(started).Milliseconds(),
	})
}

// failRun records the terminal failure, dead-letters transient causes,
// and audits isolation violations as security events.
func (o *Orchestrator) failRun(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName, cause model.FailureCause, err error) error {
	if tenant.IsIsolation(err) {
		cause = model.CauseTenantIsolation
		o.audit(ctx, tc, complaintID, "tenant_isolation_rejected", err.Error())
	} else if resilience.IsTransient(err) && stage != "" {
		o.deadLetter(ctx, tc, complaintID, stage, err)
	}

	if stage != "" && cause != model.CauseTenantIsolation {
		if serr := o.saveStageOutput(ctx, tc, complaintID, stage, model.StageStatusFailed,
			map[string]string{"error": err.Error()}, time.Now()); serr != nil {
			o.logger.Warn("failed stage output not persisted", zap.Error(serr))
		}
	}

	if ferr := o.store.FailRun(ctx, complaintID, cause, err.Error()); ferr != nil {
		o.logger.Error("run failure not persisted",
			zap.String("complaint_id", complaintID),
			zap.Error(ferr))
	}
	o.audit(ctx, tc, complaintID, "run_failed", string(cause))

	o.logger.Error("pipeline stage failed",
		zap.String("complaint_id", complaintID),
		zap.String("tenant_id", tc.TenantID),
		zap.String("stage", string(stage)),
		zap.String("cause", string(cause)),
		zap.String("error_type", resilience.ClassifyError(err)),
		zap.Error(err))
	return err
}

func (o *Orchestrator) deadLetter(ctx context.Context, tc tenant.Context, complaintID string, stage model.StageName, err error) {
	entry := resilience.DeadLetter{
		TenantID:     tc.TenantID,
		ComplaintID:  complaintID,
		Stage:        string(stage),
		Error:        err.Error(),
		ErrorType:    resilience.ClassifyError(err),
		MaxRetries:   o.cfg.Retry.MaxAttempts,
		NextRetryAt:  time.Now().Add(time.Duration(o.cfg.Retry.MaxBackoffSecs) * time.Second),
		LastFailedAt: time.Now(),
	}
	if derr := o.store.EnqueueDeadLetter(ctx, entry); derr != nil {
		o.logger.Error("dead letter enqueue failed",
			zap.String("complaint_id", complaintID),
			zap.Error(derr))
	}
}

// audit writes the durable audit row and emits the best-effort event.
func (o *Orchestrator) audit(ctx context.Context, tc tenant.Context, complaintID, action, detail string) {
	event := model.AuditEvent{
		TenantID:    tc.TenantID,
		ComplaintID: complaintID,
		Action:      action,
		Detail:      detail,
	}
	if err := o.store.InsertAuditEvent(ctx, event); err != nil {
		o.logger.Warn("audit event not persisted",
			zap.String("action", action),
			zap.Error(err))
	}
	o.emitter.Emit(ctx, event)
}

func (o *Orchestrator) retryFor(operation string) resilience.RetryConfig {
	cfg := o.retry
	cfg.OnRetry = resilience.RetryLogger("pipeline", operation)
	return cfg
}

// logCost summarizes spend for a completed run. Embedding tokens are
// estimated from the normalized narrative length.
func (o *Orchestrator) logCost(complaintID string, usage anthropic.TokenUsage, extraction *model.ExtractionResult) {
	embedTokens := 0
	if extraction != nil {
		embedTokens = len(NormalizeForEmbedding(extraction.RedactedNarrative)) / 4
	}
	total := o.costCalc.Run(o.cfg.Anthropic.Model,
		int(usage.InputTokens), int(usage.OutputTokens),
		int(usage.CacheCreationInputTokens), int(usage.CacheReadInputTokens),
		embedTokens)
	o.logger.Info("run cost summary",
		zap.String("complaint_id", complaintID),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Int("embedding_tokens", embedTokens),
		zap.Float64("estimated_cost_usd", total))
}

func addUsage(total *anthropic.TokenUsage, u anthropic.TokenUsage) {
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.CacheCreationInputTokens += u.CacheCreationInputTokens
	total.CacheReadInputTokens += u.CacheReadInputTokens
}
