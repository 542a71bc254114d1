package model

import "time"

// Complaint is the append-only record of one submitted complaint. The
// narrative is immutable after submission; redacted_narrative, embedding,
// and metadata are filled in by the pipeline.
type Complaint struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenant_id"`
	UserID            string             `json:"user_id"`
	Narrative         string             `json:"narrative"`
	RedactedNarrative string             `json:"redacted_narrative,omitempty"`
	Product           string             `json:"product,omitempty"`
	Issue             string             `json:"issue,omitempty"`
	Company           string             `json:"company,omitempty"`
	Embedding         []float32          `json:"embedding,omitempty"`
	Metadata          *NarrativeMetadata `json:"metadata,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}

// NarrativeMetadata holds signals derived from the raw narrative at
// extraction time, used later by the risk scorer.
type NarrativeMetadata struct {
	WordCount       int      `json:"word_count"`
	UrgencyKeywords []string `json:"urgency_keywords,omitempty"`
	ComplexityScore float64  `json:"complexity_score"`
	AmountMentioned bool     `json:"amount_mentioned"`
}

// Entities are the structured fields pulled out of a narrative.
type Entities struct {
	Product string   `json:"product,omitempty"`
	Issue   string   `json:"issue,omitempty"`
	Company string   `json:"company,omitempty"`
	Amount  *float64 `json:"amount,omitempty"`
	Date    string   `json:"date,omitempty"`
}

// ExtractionResult is the output of the extraction stage.
type ExtractionResult struct {
	Entities          Entities          `json:"entities"`
	RedactedNarrative string            `json:"redacted_narrative"`
	PIITypes          []string          `json:"pii_types,omitempty"`
	Metadata          NarrativeMetadata `json:"metadata"`
}

// Feedback is one user rating of a generated solution. Append-only;
// multiple entries per complaint are retained for aggregate analytics.
type Feedback struct {
	ID             string    `json:"id"`
	ComplaintID    string    `json:"complaint_id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	Rating         int       `json:"rating"`
	Comment        string    `json:"comment,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuditEvent records a state transition or security-relevant rejection.
type AuditEvent struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	ComplaintID string    `json:"complaint_id,omitempty"`
	Action      string    `json:"action"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
