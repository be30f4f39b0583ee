package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"capsuled/internal/capsule"
	"capsuled/internal/eventbus"
	"capsuled/internal/profile"
	"capsuled/internal/storage"
	"capsuled/pkg/logx"
)

// Event types published on the bus.
const (
	EventSealed    = "capsule.sealed"
	EventCancelled = "capsule.cancelled"
)

// CapsuleEvent is the bus payload for capsules sealed or cancelled over HTTP.
type CapsuleEvent struct {
	CapsuleID string    `json:"capsule_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	UnlockAt  time.Time `json:"unlock_at,omitempty"`
}

var errBodyTooLarge = errors.New("request body too large")

func (s *Service) buildMux(cur Config) *http.ServeMux {
	mux := http.NewServeMux()

	open := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return s.instrument(route, h)
	}
	guarded := func(route string, h http.HandlerFunc) http.HandlerFunc {
		return s.instrument(route, s.withAuth(cur.Token, h))
	}

	// Liveness stays reachable without the token so probes keep working.
	mux.HandleFunc("GET /healthz", open("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /metrics", guarded("/metrics", s.deps.Metrics.Handler().ServeHTTP))

	mux.HandleFunc("POST /v1/capsules", guarded("/v1/capsules", s.handleCreateCapsule))
	mux.HandleFunc("GET /v1/capsules", guarded("/v1/capsules", s.handleListCapsules))
	mux.HandleFunc("GET /v1/capsules/{id}", guarded("/v1/capsules/{id}", s.handleGetCapsule))
	mux.HandleFunc("DELETE /v1/capsules/{id}", guarded("/v1/capsules/{id}", s.handleCancelCapsule))
	mux.HandleFunc("POST /v1/capsules/{id}/blob", guarded("/v1/capsules/{id}/blob", s.handleUploadBlob))
	mux.HandleFunc("GET /v1/profiles/{id}", guarded("/v1/profiles/{id}", s.handleGetProfile))
	mux.HandleFunc("PUT /v1/profiles/{id}", guarded("/v1/profiles/{id}", s.handlePutProfile))
	return mux
}

// instrument records one request-duration observation per call, labeled by
// the registered route pattern so label cardinality stays bounded.
func (s *Service) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.deps.Metrics.ObserveRequest(route, r.Method, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type createCapsuleRequest struct {
	OwnerID   string            `json:"owner_id"`
	Recipient capsule.Recipient `json:"recipient"`
	Title     string            `json:"title,omitempty"`
	Message   string            `json:"message"`
	BlobKey   string            `json:"blob_key,omitempty"`
	UnlockAt  time.Time         `json:"unlock_at"`
}

func (s *Service) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	cur := s.snapshot()

	var req createCapsuleRequest
	if err := decodeJSON(w, r, cur.maxBody(), &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	c := capsule.Capsule{
		OwnerID:   strings.TrimSpace(req.OwnerID),
		Recipient: req.Recipient,
		Title:     req.Title,
		Message:   req.Message,
		BlobKey:   req.BlobKey,
		UnlockAt:  req.UnlockAt,
		MinLead:   cur.MinLead,
	}

	prof := s.ownerProfile(r.Context(), c.OwnerID)
	if c.Recipient.Zero() && prof.ChatID != 0 {
		c.Recipient = capsule.Recipient{ChatID: prof.ChatID}
	}

	if err := c.Validate(time.Now(), cur.MinLead); err != nil {
		s.writeError(w, r, err)
		return
	}

	if prof.Quota > 0 {
		pending, err := s.deps.Store.ListCapsules(r.Context(), c.OwnerID, capsule.StatusPending)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(pending) >= prof.Quota {
			s.writeError(w, r, fmt.Errorf("owner %s has %d pending capsules (quota %d): %w",
				c.OwnerID, len(pending), prof.Quota, capsule.ErrConflict))
			return
		}
	}

	created, err := s.deps.Store.CreateCapsule(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.audit(r.Context(), storage.AuditEntry{
		CapsuleID: created.ID,
		OwnerID:   created.OwnerID,
		Action:    "sealed",
		ChatID:    created.Recipient.ChatID,
		ThreadID:  created.Recipient.ThreadID,
	})
	s.publish(EventSealed, created)
	if s.deps.Timers != nil {
		s.deps.Timers.Arm(created)
	}
	s.log.Info("capsule sealed",
		logx.String("capsule_id", created.ID),
		logx.String("owner_id", created.OwnerID),
		logx.Time("unlock_at", created.UnlockAt),
	)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Service) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := strings.TrimSpace(q.Get("owner"))
	status := capsule.Status(strings.TrimSpace(q.Get("status")))
	if status != "" && !status.Valid() {
		s.writeError(w, r, capsule.Validationf("unknown status %q", string(status)))
		return
	}

	items, err := s.deps.Store.ListCapsules(r.Context(), owner, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []capsule.Capsule{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetCapsule(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleCancelCapsule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.deps.Store.CancelCapsule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Timers != nil {
		s.deps.Timers.Disarm(id)
	}
	s.audit(r.Context(), storage.AuditEntry{
		CapsuleID: c.ID,
		OwnerID:   c.OwnerID,
		Action:    "cancelled",
		ChatID:    c.Recipient.ChatID,
		ThreadID:  c.Recipient.ThreadID,
	})
	s.publish(EventCancelled, c)
	s.log.Info("capsule cancelled",
		logx.String("capsule_id", c.ID),
		logx.String("owner_id", c.OwnerID),
	)
	writeJSON(w, http.StatusOK, c)
}

func (s *Service) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil {
		s.writeError(w, r, capsule.Transientf("attachment store unavailable"))
		return
	}
	cur := s.snapshot()
	id := r.PathValue("id")

	// Cheap pre-check so a multi-megabyte upload for a missing or settled
	// capsule is rejected before the body is read.
	prev, err := s.deps.Store.GetCapsule(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if prev.Status != capsule.StatusPending {
		s.writeError(w, r, fmt.Errorf("capsule %s is %s: %w", id, prev.Status, capsule.ErrConflict))
		return
	}

	body := http.MaxBytesReader(w, r.Body, cur.maxBlob())
	key, size, err := s.deps.Blobs.Put(r.Context(), body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, errBodyTooLarge)
			return
		}
		s.writeError(w, r, err)
		return
	}

	updated, err := s.deps.Store.SetCapsuleBlob(r.Context(), id, key)
	if err != nil {
		// The capsule settled or vanished mid-upload; drop the orphan.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.deps.Blobs.Delete(dctx, key)
		cancel()
		s.writeError(w, r, err)
		return
	}
	if prev.BlobKey != "" && prev.BlobKey != key {
		// The replaced attachment is unreachable now.
		if err := s.deps.Blobs.Delete(r.Context(), prev.BlobKey); err != nil {
			s.log.Debug("stale attachment delete failed",
				logx.String("key", prev.BlobKey), logx.Err(err))
		}
	}

	s.audit(r.Context(), storage.AuditEntry{
		CapsuleID: updated.ID,
		OwnerID:   updated.OwnerID,
		Action:    "attached",
		Detail:    fmt.Sprintf("key=%s size=%d", key, size),
	})
	s.log.Info("attachment stored",
		logx.String("capsule_id", id),
		logx.String("key", key),
		logx.Int64("size", size),
	)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Service) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var (
		p   profile.Profile
		err error
	)
	if s.deps.Profiles != nil {
		p, err = s.deps.Profiles.Get(r.Context(), id)
	} else {
		p, err = s.deps.Store.GetProfile(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	cur := s.snapshot()
	id := r.PathValue("id")

	var p profile.Profile
	if err := decodeJSON(w, r, cur.maxBody(), &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	if p.ID != "" && p.ID != id {
		s.writeError(w, r, capsule.Validationf("body id %q does not match path id %q", p.ID, id))
		return
	}
	p.ID = id
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			s.writeError(w, r, capsule.Validationf("unknown timezone %q", tz))
			return
		}
	}

	updated, err := s.deps.Store.UpsertProfile(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Profiles != nil {
		// Write-through keeps cached readers current and notifies subscribers.
		s.deps.Profiles.Set(r.Context(), updated.ID, updated)
	}
	writeJSON(w, http.StatusOK, updated)
}

// ownerProfile is best-effort: sealing works for owners without a profile,
// and a profile fetch failure must not block sealing.
func (s *Service) ownerProfile(ctx context.Context, owner string) profile.Profile {
	if owner == "" || s.deps.Profiles == nil {
		return profile.Profile{}
	}
	p, err := s.deps.Profiles.Get(ctx, owner)
	if err != nil {
		if !errors.Is(err, capsule.ErrNotFound) {
			s.log.Debug("owner profile lookup failed",
				logx.String("owner_id", owner), logx.Err(err))
		}
		return profile.Profile{}
	}
	return p
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	if err := s.deps.Store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (s *Service) publish(eventType string, c capsule.Capsule) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventType, Data: CapsuleEvent{
		CapsuleID: c.ID,
		OwnerID:   c.OwnerID,
		UnlockAt:  c.UnlockAt,
	}})
}

// apiError is the JSON error body. The unlock-time fields are filled for
// sealing rejections so clients can render "5m too early" style messages.
type apiError struct {
	Error        string `json:"error"`
	Kind         string `json:"kind,omitempty"`
	Elapsed      string `json:"elapsed,omitempty"`
	RequiredLead string `json:"required_lead,omitempty"`
	Lead         string `json:"lead,omitempty"`
}

func errorBody(err error) (int, apiError) {
	var past *capsule.PastTimeError
	if errors.As(err, &past) {
		return http.StatusBadRequest, apiError{
			Error:   err.Error(),
			Kind:    "validation",
			Elapsed: past.Elapsed.String(),
		}
	}
	var soon *capsule.TooSoonError
	if errors.As(err, &soon) {
		return http.StatusBadRequest, apiError{
			Error:        err.Error(),
			Kind:         "validation",
			RequiredLead: soon.Required.String(),
			Lead:         soon.Lead.String(),
		}
	}

	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, apiError{Error: err.Error(), Kind: "validation"}
	case errors.Is(err, capsule.ErrNotFound):
		return http.StatusNotFound, apiError{Error: err.Error(), Kind: "validation"}
	case errors.Is(err, capsule.ErrConflict):
		return http.StatusConflict, apiError{Error: err.Error(), Kind: "validation"}
	}

	switch capsule.KindOf(err) {
	case capsule.KindValidation:
		return http.StatusBadRequest, apiError{Error: err.Error(), Kind: "validation"}
	case capsule.KindTransient:
		return http.StatusServiceUnavailable, apiError{Error: err.Error(), Kind: "transient"}
	case capsule.KindFatal:
		return http.StatusInternalServerError, apiError{Error: err.Error(), Kind: "fatal"}
	}
	return http.StatusInternalServerError, apiError{Error: err.Error()}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads one strict JSON document, bounded by limit bytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return capsule.Validationf("invalid json: %v", err)
	}
	if dec.More() {
		return capsule.Validationf("invalid json: trailing data")
	}
	return nil
}
