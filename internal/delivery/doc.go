// Package delivery implements the async capsule delivery pipeline.
//
// Due capsules are enqueued (by the scheduler or operators) and delivered by a
// worker pool through the transport adapter. The pipeline layers, in order:
//
//   - Dedup: an fnv64a key over capsule id + recipient suppresses repeat
//     enqueues inside a configurable window, persisted through the store so the
//     suppression survives restarts.
//   - Per-recipient circuit breaker: consecutive send failures open the
//     breaker for an exponentially growing cooldown; enqueues for that
//     recipient are dropped while it is open.
//   - Rate limit: a shared token bucket caps outbound sends per second.
//   - Retry: transient send errors back off and retry; validation and fatal
//     errors fail the capsule immediately.
//
// Outcomes are written back to the store (MarkDelivered/MarkFailed), recorded
// in the audit log, and published on the event bus as capsule.* events.
package delivery
