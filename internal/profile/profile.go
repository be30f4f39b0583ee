// Package profile holds the owner profile record and the loader port used by
// the profile cache to reach the authoritative store.
package profile

import (
	"context"
	"strings"
	"time"
)

// ID identifies a profile (uuid v4, assigned by the store on create).
type ID = string

// Profile is the owner-facing account record. It travels through the cache,
// so it must stay a plain value (no internal pointers).
type Profile struct {
	ID          ID     `json:"id"`
	DisplayName string `json:"display_name"`
	// Timezone is an IANA name used to render unlock times; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// ChatID is the default recipient chat for capsules sealed by this owner.
	ChatID int64 `json:"chat_id,omitempty"`
	// Quota caps pending capsules per owner; 0 means unlimited.
	Quota int `json:"quota,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Profile) Zero() bool { return strings.TrimSpace(p.ID) == "" }

// Location resolves the profile timezone, falling back to UTC.
func (p Profile) Location() *time.Location {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Loader fetches the authoritative profile record.
type Loader interface {
	LoadProfile(ctx context.Context, id ID) (Profile, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, id ID) (Profile, error)

func (f LoaderFunc) LoadProfile(ctx context.Context, id ID) (Profile, error) {
	return f(ctx, id)
}
