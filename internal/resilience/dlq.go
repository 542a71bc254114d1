package resilience

import "time"

// DeadLetter records a stage failure so an operator (or a replay job) can
// retry the complaint later. Tenant scoping is preserved in the entry.
type DeadLetter struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ComplaintID  string    `json:"complaint_id"`
	Stage        string    `json:"stage"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DeadLetterFilter specifies criteria for querying the dead letter queue.
type DeadLetterFilter struct {
	TenantID  string `json:"tenant_id,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry is still below its retry budget.
func (e *DeadLetter) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
