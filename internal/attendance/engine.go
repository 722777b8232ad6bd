package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Extractor produces a face embedding from raw image bytes. It must return an
// *Error with KindNoFaceDetected or KindExtractionFailed on failure.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float32, error)
}

// Store is the slice of the repository the engine needs. *Repository
// satisfies it; tests use fakes.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	Population(ctx context.Context) ([]Candidate, error)
	GetWindow(ctx context.Context, id uuid.UUID) (*Window, error)
	CloseWindow(ctx context.Context, id uuid.UUID) error
	UpsertRecord(ctx context.Context, userID, windowID uuid.UUID, date time.Time, status string, markedBy uuid.UUID) (*Record, bool, error)
}

// Config carries the tunables the engine is constructed with, so tests can
// run alternate boundaries and thresholds.
type Config struct {
	// MatchThreshold is the maximum L2 distance accepted as a match.
	MatchThreshold float64
	// Boundary is the campus geofence.
	Boundary Polygon
	// Now supplies the clock; nil means time.Now.
	Now func() time.Time
}

// Engine verifies attendance submissions end to end: embedding match, role
// and ownership checks, window liveness, geofence, then one idempotent record
// write per (user, window, day).
type Engine struct {
	store     Store
	extractor Extractor
	cfg       Config
}

// NewEngine wires the verification pipeline.
func NewEngine(store Store, extractor Extractor, cfg Config) *Engine {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.55
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{store: store, extractor: extractor, cfg: cfg}
}

// Verify runs the full check sequence for one submission. Checks fail fast in
// a fixed order; nothing is written until every precondition holds. The bool
// result distinguishes a newly created record from an overwrite of today's
// existing one.
func (e *Engine) Verify(ctx context.Context, submitter *User, windowID uuid.UUID, image []byte) (*Record, bool, error) {
	embedding, err := e.extractor.Extract(ctx, image)
	if err != nil {
		if KindOf(err) != "" {
			return nil, false, err
		}
		return nil, false, Errf(KindExtractionFailed, "face extraction failed: %v", err)
	}

	if !submitter.Role.Allowed(RoleStudent, RoleTeacher, RoleAdmin) {
		return nil, false, Errf(KindForbidden, "role %q may not mark attendance", submitter.Role)
	}

	population, err := e.store.Population(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(population) == 0 {
		return nil, false, Errf(KindPopulationEmpty, "no enrolled faces to match against")
	}
	match, ok := Nearest(embedding, population)
	if !ok {
		return nil, false, Errf(KindPopulationEmpty, "no enrolled face matches the embedding dimension")
	}
	if match.Distance > e.cfg.MatchThreshold {
		return nil, false, Errf(KindNoMatchFound, "face did not match any enrolled user")
	}

	target := submitter
	if submitter.Role == RoleStudent {
		// Students only ever mark themselves.
		if submitter.ID != match.UserID {
			return nil, false, Errf(KindSelfMarkOnly, "students can only mark their own attendance")
		}
	} else {
		target, err = e.store.GetUser(ctx, match.UserID)
		if err != nil {
			return nil, false, err
		}
		if target == nil {
			return nil, false, Errf(KindNotFound, "matched user %s not found", match.UserID)
		}
	}

	window, err := e.store.GetWindow(ctx, windowID)
	if err != nil {
		return nil, false, err
	}
	if window == nil {
		return nil, false, Errf(KindNotFound, "attendance window %s not found", windowID)
	}

	if target.BatchID == nil || *target.BatchID != window.BatchID {
		return nil, false, Errf(KindGroupMismatch, "user does not belong to the window's batch")
	}

	now := e.cfg.Now()
	open, expired := EvaluateOpen(window, now)
	if expired {
		if err := e.store.CloseWindow(ctx, window.ID); err != nil {
			return nil, false, err
		}
	}
	if !open {
		return nil, false, Errf(KindWindowClosed, "attendance window is closed")
	}

	loc, hasLoc := target.Location()
	if !hasLoc {
		return nil, false, Errf(KindLocationUnavailable, "user location not available")
	}
	if !e.cfg.Boundary.Contains(loc) {
		return nil, false, Errf(KindOutOfBounds, "user is outside the attendance boundary")
	}

	day := now.UTC()
	today := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return e.store.UpsertRecord(ctx, target.ID, window.ID, today, StatusPresent, submitter.ID)
}
