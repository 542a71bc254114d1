package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/complaint-orchestrator/internal/model"
	"github.com/sells-group/complaint-orchestrator/internal/resilience"
	"github.com/sells-group/complaint-orchestrator/internal/store"
	"github.com/sells-group/complaint-orchestrator/internal/tenant"
	"github.com/sells-group/complaint-orchestrator/pkg/anthropic"
	"github.com/sells-group/complaint-orchestrator/pkg/embeddings"
)

var testTenant = tenant.Context{TenantID: "acme-bank", UserID: "user-1", Role: "agent"}

// mockAnthropicClient mocks the language model capability.
type mockAnthropicClient struct {
	mock.Mock
}

var _ anthropic.Client = (*mockAnthropicClient)(nil)

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

// matchPrompt matches a CreateMessage request whose system prompt
// contains the given fragment, which distinguishes the stages.
func matchPrompt(fragment string) any {
	return mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		for _, b := range req.System {
			if strings.Contains(b.Text, fragment) {
				return true
			}
		}
		return false
	})
}

// mockEmbeddingsClient mocks the embedding capability.
type mockEmbeddingsClient struct {
	mock.Mock
}

var _ embeddings.Client = (*mockEmbeddingsClient)(nil)

func (m *mockEmbeddingsClient) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

func (m *mockEmbeddingsClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

// memStore is an in-memory store.Store used to drive orchestrator tests
// without a database. Behavior mirrors the SQL stores: point reads return
// (nil, nil) when absent, cross-tenant reads surface IsolationError, and
// terminal runs reject further transitions.
type memStore struct {
	mu              sync.Mutex
	complaints      map[string]*model.Complaint
	runs            map[string]*model.PipelineRun
	stageOutputs    map[string]map[model.StageName]model.StageOutput
	classifications map[string]*model.Classification
	risks           map[string]*model.RiskAssessment
	solutions       []model.Solution
	feedback        []model.Feedback
	audits          []model.AuditEvent
	deadLetters     []resilience.DeadLetter
	benchmark       *model.BenchmarkStats

	// stageOutputErr forces GetStageOutput failures per stage.
	stageOutputErr map[model.StageName]error

	nextID int
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		complaints:      map[string]*model.Complaint{},
		runs:            map[string]*model.PipelineRun{},
		stageOutputs:    map[string]map[model.StageName]model.StageOutput{},
		classifications: map[string]*model.Classification{},
		risks:           map[string]*model.RiskAssessment{},
	}
}

func (s *memStore) genID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *memStore) CreateComplaint(_ context.Context, c *model.Complaint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = s.genID("c")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.complaints[c.ID] = &cp
	return nil
}

func (s *memStore) GetComplaint(_ context.Context, tc tenant.Context, id string) (*model.Complaint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.complaints[id]
	if !ok {
		return nil, nil
	}
	if c.TenantID != tc.TenantID {
		return nil, &tenant.IsolationError{TenantID: tc.TenantID, OwnerTenantID: c.TenantID, Resource: "complaint"}
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateComplaintEnrichment(_ context.Context, tc tenant.Context, id, redacted string, meta model.NarrativeMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.complaints[id]
	if !ok || c.TenantID != tc.TenantID {
		return eris.New("memstore: complaint not found")
	}
	c.RedactedNarrative = redacted
	c.Metadata = &meta
	return nil
}

func (s *memStore) UpdateComplaintEmbedding(_ context.Context, tc tenant.Context, id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.complaints[id]
	if !ok || c.TenantID != tc.TenantID {
		return eris.New("memstore: complaint not found")
	}
	c.Embedding = embedding
	return nil
}

func (s *memStore) CountUserComplaints(_ context.Context, tc tenant.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.complaints {
		if c.TenantID == tc.TenantID && c.UserID == tc.UserID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) TenantLabelHistory(_ context.Context, tc tenant.Context) (*store.LabelHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &store.LabelHistory{Products: map[string]int{}, Issues: map[string]int{}}
	for _, c := range s.classifications {
		if c.TenantID == tc.TenantID {
			h.Products[c.Product]++
			h.Issues[c.Issue]++
		}
	}
	return h, nil
}

func (s *memStore) CreateRun(_ context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &model.PipelineRun{
		ID:          s.genID("r"),
		ComplaintID: complaintID,
		TenantID:    tc.TenantID,
		State:       model.RunStatePending,
		StartedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.runs[complaintID] = run
	cp := *run
	return &cp, nil
}

func (s *memStore) GetRun(_ context.Context, tc tenant.Context, complaintID string) (*model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[complaintID]
	if !ok {
		return nil, nil
	}
	if run.TenantID != tc.TenantID {
		return nil, &tenant.IsolationError{TenantID: tc.TenantID, OwnerTenantID: run.TenantID, Resource: "pipeline_run"}
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) AdvanceRun(_ context.Context, complaintID string, state model.RunState, stage model.StageName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[complaintID]
	if !ok || run.State.Terminal() {
		return eris.New("memstore: run not found or already terminal")
	}
	run.State = state
	run.CurrentStage = stage
	run.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) CompleteRun(_ context.Context, complaintID string, warnings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[complaintID]
	if !ok || run.State.Terminal() {
		return eris.New("memstore: run not found or already terminal")
	}
	now := time.Now()
	run.State = model.RunStateCompleted
	run.Warnings = warnings
	run.UpdatedAt = now
	run.CompletedAt = &now
	return nil
}

func (s *memStore) FailRun(_ context.Context, complaintID string, cause model.FailureCause, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[complaintID]
	if !ok || run.State.Terminal() {
		return eris.New("memstore: run not found or already terminal")
	}
	now := time.Now()
	run.State = model.RunStateFailed
	run.Cause = cause
	run.Error = errMsg
	run.UpdatedAt = now
	run.CompletedAt = &now
	return nil
}

func (s *memStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PipelineRun
	for _, run := range s.runs {
		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}
		if filter.State != "" && run.State != filter.State {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *memStore) SaveStageOutput(_ context.Context, out model.StageOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stageOutputs[out.ComplaintID] == nil {
		s.stageOutputs[out.ComplaintID] = map[model.StageName]model.StageOutput{}
	}
	out.CreatedAt = time.Now()
	s.stageOutputs[out.ComplaintID][out.Stage] = out
	return nil
}

func (s *memStore) GetStageOutput(_ context.Context, tc tenant.Context, complaintID string, stage model.StageName) (*model.StageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stageOutputErr[stage]; err != nil {
		return nil, err
	}
	out, ok := s.stageOutputs[complaintID][stage]
	if !ok {
		return nil, nil
	}
	if out.TenantID != tc.TenantID {
		return nil, &tenant.IsolationError{TenantID: tc.TenantID, OwnerTenantID: out.TenantID, Resource: "stage_output"}
	}
	cp := out
	return &cp, nil
}

func (s *memStore) ListStageOutputs(_ context.Context, tc tenant.Context, complaintID string) ([]model.StageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StageOutput
	for _, o := range s.stageOutputs[complaintID] {
		if o.TenantID == tc.TenantID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) SaveClassification(_ context.Context, c *model.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.classifications[c.ComplaintID] = &cp
	return nil
}

func (s *memStore) GetClassification(_ context.Context, tc tenant.Context, complaintID string) (*model.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.classifications[complaintID]
	if !ok {
		return nil, nil
	}
	if c.TenantID != tc.TenantID {
		return nil, &tenant.IsolationError{TenantID: tc.TenantID, OwnerTenantID: c.TenantID, Resource: "classification"}
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) SaveRiskAssessment(_ context.Context, ra *model.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ra
	s.risks[ra.ComplaintID] = &cp
	return nil
}

func (s *memStore) GetRiskAssessment(_ context.Context, tc tenant.Context, complaintID string) (*model.RiskAssessment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ra, ok := s.risks[complaintID]
	if !ok {
		return nil, nil
	}
	if ra.TenantID != tc.TenantID {
		return nil, &tenant.IsolationError{TenantID: tc.TenantID, OwnerTenantID: ra.TenantID, Resource: "risk_assessment"}
	}
	cp := *ra
	return &cp, nil
}

func (s *memStore) SaveSolution(_ context.Context, sol *model.Solution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sol
	if cp.ID == "" {
		cp.ID = s.genID("s")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	sol.ID = cp.ID
	s.solutions = append(s.solutions, cp)
	return nil
}

func (s *memStore) GetSolution(_ context.Context, tc tenant.Context, complaintID string) (*model.Solution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Solution
	for i := range s.solutions {
		sol := &s.solutions[i]
		if sol.ComplaintID != complaintID {
			continue
		}
		if sol.TenantID != tc.TenantID {
			return nil, &tenant.IsolationError{TenantID: tc.TenantID, OwnerTenantID: sol.TenantID, Resource: "solution"}
		}
		if latest == nil || sol.CreatedAt.After(latest.CreatedAt) {
			latest = sol
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) InsertFeedback(_ context.Context, f *model.Feedback) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.IdempotencyKey != "" {
		for _, existing := range s.feedback {
			if existing.TenantID == f.TenantID && existing.IdempotencyKey == f.IdempotencyKey {
				return existing.ID, true, nil
			}
		}
	}
	cp := *f
	cp.ID = s.genID("f")
	cp.CreatedAt = time.Now()
	s.feedback = append(s.feedback, cp)
	return cp.ID, false, nil
}

func (s *memStore) ListEmbeddingCandidates(_ context.Context, tc tenant.Context, window int) ([]store.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Candidate
	for _, c := range s.complaints {
		if c.TenantID != tc.TenantID || len(c.Embedding) == 0 {
			continue
		}
		cand := store.Candidate{
			ComplaintID: c.ID,
			Embedding:   c.Embedding,
			Product:     c.Product,
			Issue:       c.Issue,
			CreatedAt:   c.CreatedAt,
		}
		// Classification labels win over submission hints, as in SQL.
		if cl, ok := s.classifications[c.ID]; ok {
			cand.Product = cl.Product
			cand.Issue = cl.Issue
		}
		for i := len(s.solutions) - 1; i >= 0; i-- {
			if s.solutions[i].ComplaintID == c.ID {
				cand.OutcomeSummary = s.solutions[i].Strategy
				break
			}
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > window {
		out = out[:window]
	}
	return out, nil
}

func (s *memStore) BenchmarkStats(_ context.Context, tc tenant.Context) (*model.BenchmarkStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.benchmark != nil {
		cp := *s.benchmark
		return &cp, nil
	}
	return &model.BenchmarkStats{}, nil
}

func (s *memStore) InsertAuditEvent(_ context.Context, e model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.genID("a")
	e.CreatedAt = time.Now()
	s.audits = append(s.audits, e)
	return nil
}

func (s *memStore) EnqueueDeadLetter(_ context.Context, e resilience.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.genID("d")
	e.CreatedAt = time.Now()
	s.deadLetters = append(s.deadLetters, e)
	return nil
}

func (s *memStore) ListDeadLetters(_ context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []resilience.DeadLetter
	for _, d := range s.deadLetters {
		if filter.TenantID != "" && d.TenantID != filter.TenantID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *memStore) CountDeadLetters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters), nil
}

func (s *memStore) Ping(context.Context) error    { return nil }
func (s *memStore) Migrate(context.Context) error { return nil }
func (s *memStore) Close() error                  { return nil }

// auditActions lists recorded audit actions in order, for assertions.
func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var actions []string
	for _, a := range s.audits {
		actions = append(actions, a.Action)
	}
	return actions
}
