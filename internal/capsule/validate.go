package capsule

import (
	"fmt"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// PastTimeError reports an unlock time at or before the reference clock.
type PastTimeError struct {
	// Elapsed is how far in the past the candidate lies (now - candidate).
	Elapsed time.Duration
}

func (e *PastTimeError) Error() string {
	var ref time.Time
	return fmt.Sprintf("unlock time already passed (%s)",
		humanize.RelTime(ref, ref.Add(e.Elapsed), "ago", "ago"))
}

func (e *PastTimeError) Class() Kind { return KindValidation }

// TooSoonError reports an unlock time inside the minimum-lead window.
type TooSoonError struct {
	Required time.Duration // minimum lead
	Lead     time.Duration // actual candidate - now
}

func (e *TooSoonError) Error() string {
	return fmt.Sprintf("unlock time must be at least %s ahead (got %s)", e.Required, e.Lead)
}

func (e *TooSoonError) Class() Kind { return KindValidation }

// ValidateUnlockTime checks candidate against now + minLead.
//
//	candidate <= now               -> *PastTimeError (equality counts as past)
//	now < candidate < now+minLead  -> *TooSoonError
//	candidate >= now + minLead     -> nil (the boundary itself is acceptable)
//
// It never reads the wall clock; now is always injected. Negative minLead is
// treated as zero.
func ValidateUnlockTime(candidate, now time.Time, minLead time.Duration) error {
	if minLead < 0 {
		minLead = 0
	}
	if !candidate.After(now) {
		return &PastTimeError{Elapsed: now.Sub(candidate)}
	}
	lead := candidate.Sub(now)
	if lead < minLead {
		return &TooSoonError{Required: minLead, Lead: lead}
	}
	return nil
}
