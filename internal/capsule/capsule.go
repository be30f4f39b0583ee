package capsule

import (
	"strings"
	"time"
)

// ID identifies a capsule (uuid v4, assigned by the store on create).
type ID = string

// Status tracks a capsule through its delivery lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the capsule can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// Recipient is the delivery address of a capsule.
//
// ThreadID targets a forum topic; 0 means the chat's main thread.
type Recipient struct {
	ChatID   int64 `json:"chat_id"`
	ThreadID int   `json:"thread_id,omitempty"`
}

func (r Recipient) Zero() bool { return r.ChatID == 0 }

// Capsule is a sealed message scheduled for delivery at UnlockAt.
type Capsule struct {
	ID        ID        `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Recipient Recipient `json:"recipient"`

	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
	// BlobKey references an attachment in the blob store (optional).
	BlobKey string `json:"blob_key,omitempty"`

	UnlockAt time.Time `json:"unlock_at"`
	// MinLead records the lead requirement the capsule was sealed against.
	MinLead time.Duration `json:"min_lead,omitempty"`

	Status   Status `json:"status"`
	Attempts int    `json:"attempts,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	// LastError keeps the most recent delivery error for operators.
	LastError string `json:"last_error,omitempty"`
}

// Validate checks the capsule is well-formed for sealing: required fields
// present and UnlockAt acceptable per ValidateUnlockTime. now is injected so
// callers (and tests) control the clock.
func (c *Capsule) Validate(now time.Time, minLead time.Duration) error {
	if c == nil {
		return Validationf("capsule is nil")
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return Validationf("owner_id is required")
	}
	if c.Recipient.Zero() {
		return Validationf("recipient chat_id is required")
	}
	if strings.TrimSpace(c.Message) == "" && strings.TrimSpace(c.BlobKey) == "" {
		return Validationf("message or blob_key is required")
	}
	if c.UnlockAt.IsZero() {
		return Validationf("unlock_at is required")
	}
	return ValidateUnlockTime(c.UnlockAt, now, minLead)
}
