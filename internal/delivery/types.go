package delivery

import "time"

// Config controls the delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses re-delivery of the same capsule to the same
	// recipient. Zero disables dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int

	// BreakerThreshold is the consecutive-failure count that opens a
	// recipient's breaker; BreakerCooldown is the first open interval.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Event types published on the bus.
const (
	EventQueued    = "capsule.queued"
	EventDeduped   = "capsule.deduped"
	EventDropped   = "capsule.dropped"
	EventDelivered = "capsule.delivered"
	EventFailed    = "capsule.failed"
)

// DeliveryEvent is emitted on the event bus for pipeline lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	CapsuleID string    `json:"capsule_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Key       string    `json:"key,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

// Metrics receives pipeline measurements. Implementations must be safe for
// concurrent use; the prometheus recorder satisfies this.
type Metrics interface {
	DeliveryAttempt()
	DeliveryOutcome(outcome string)
	DeliverySendSeconds(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) DeliveryAttempt()                    {}
func (nopMetrics) DeliveryOutcome(string)              {}
func (nopMetrics) DeliverySendSeconds(d time.Duration) {}
