// Package capsule holds the time-capsule domain model: the capsule record,
// its delivery lifecycle, unlock-time validation, and the error taxonomy the
// rest of the repo uses to decide what is retryable.
package capsule
