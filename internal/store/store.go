// Package store persists scheduled messages. The sqlite backend is the only
// implementation; services depend on the Store interface so tests can swap
// in fakes.
package store

import (
	"context"
	"errors"
	"time"

	"heraldbot/internal/schedule"
)

var ErrNotFound = errors.New("store: schedule not found")

// Patch is a partial update of a schedule. Nil fields are left unchanged.
type Patch struct {
	Status    *schedule.Status
	Body      *string
	TimeOfDay *string
	Frequency *schedule.Frequency
	NextRunAt *time.Time
}

func (p Patch) IsZero() bool {
	return p.Status == nil && p.Body == nil && p.TimeOfDay == nil &&
		p.Frequency == nil && p.NextRunAt == nil
}

// Store is the schedule persistence contract the core consumes.
//
// A write through one method is visible to subsequent reads on the same
// Store (read-after-write); no stronger isolation is assumed.
type Store interface {
	// Insert persists a new schedule and returns its assigned id.
	Insert(ctx context.Context, m *schedule.Message) (int64, error)

	// Get returns one schedule by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*schedule.Message, error)

	// ListDue returns active schedules with next_run_at <= asOf, ordered by
	// next_run_at ascending, id ascending for equal instants.
	ListDue(ctx context.Context, asOf time.Time) ([]*schedule.Message, error)

	// ListActive returns all active schedules ordered by next_run_at ascending.
	ListActive(ctx context.Context) ([]*schedule.Message, error)

	// Update applies a partial update to one schedule.
	Update(ctx context.Context, id int64, p Patch) error

	// MarkRun records a dispatch attempt: sets last_run_at, replaces
	// next_run_at (nil clears it) and the status in one write.
	MarkRun(ctx context.Context, id int64, lastRun time.Time, next *time.Time, status schedule.Status) error

	Close() error
}
