// Package attendance commits at most one attendance record per identity per
// calendar day and computes attendance reports.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	// ErrIdentityNotFound is returned by a Directory for an unknown id.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrUnknownIdentity means the matched id does not resolve to an active identity.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrGroupMismatch means the identity belongs to a group the recorder may not mark.
	ErrGroupMismatch = errors.New("identity belongs to another group")
	// ErrDuplicate is returned by a Tx when (identity, date) already exists.
	ErrDuplicate = errors.New("attendance already recorded")
)

// Directory resolves identity ids.
type Directory interface {
	ResolveIdentity(ctx context.Context, id string) (types.Identity, error)
}

// Tx is the storage view inside one serialised commit.
type Tx interface {
	HasRecord(ctx context.Context, identityID string, date types.Date) (bool, error)
	InsertSchoolDayIfAbsent(ctx context.Context, date types.Date) error
	InsertAttendance(ctx context.Context, rec types.AttendanceRecord) error
}

// Store runs fn atomically. Concurrent units touching the same
// (identity, date) must not interleave.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Status is the outcome of a successful commit.
type Status int

const (
	StatusMarked Status = iota
	StatusAlreadyMarked
)

func (s Status) String() string {
	switch s {
	case StatusMarked:
		return "marked"
	case StatusAlreadyMarked:
		return "already-marked"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome describes a commit.
type Outcome struct {
	Identity types.Identity
	Date     types.Date
	Status   Status
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithLocation sets the time zone that decides the calendar day.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) { r.loc = loc }
}

// WithGroup restricts commits to identities of one group.
func WithGroup(group string) Option {
	return func(r *Recorder) { r.group = group }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// Recorder commits attendance.
type Recorder struct {
	dir    Directory
	store  Store
	now    func() time.Time
	loc    *time.Location
	group  string
	logger *slog.Logger
}

func NewRecorder(dir Directory, store Store, opts ...Option) *Recorder {
	r := &Recorder{
		dir:    dir,
		store:  store,
		now:    time.Now,
		loc:    time.Local,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Today is the calendar day commits are recorded against right now.
func (r *Recorder) Today() types.Date {
	return types.DateOf(r.now().In(r.loc))
}

// Commit records identityID as present today. A second commit on the same
// day reports StatusAlreadyMarked and writes nothing. The school day is
// recorded before the first attendance of the day.
func (r *Recorder) Commit(ctx context.Context, identityID string) (Outcome, error) {
	ident, err := r.dir.ResolveIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, identityID)
		}
		return Outcome{}, fmt.Errorf("failed to resolve identity %s: %w", identityID, err)
	}
	if !ident.Active {
		return Outcome{}, fmt.Errorf("%w: %s is not enrolled", ErrUnknownIdentity, identityID)
	}
	if r.group != "" && ident.Group != r.group {
		return Outcome{}, fmt.Errorf("%w: %s is in %q", ErrGroupMismatch, identityID, ident.Group)
	}

	now := r.now().In(r.loc)
	out := Outcome{Identity: ident, Date: types.DateOf(now), Status: StatusMarked}

	err = r.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		marked, err := tx.HasRecord(ctx, ident.ID, out.Date)
		if err != nil {
			return err
		}
		if marked {
			out.Status = StatusAlreadyMarked
			return nil
		}
		if err := tx.InsertSchoolDayIfAbsent(ctx, out.Date); err != nil {
			return fmt.Errorf("failed to record school day: %w", err)
		}
		return tx.InsertAttendance(ctx, types.AttendanceRecord{
			IdentityID: ident.ID,
			Date:       out.Date,
			Group:      ident.Group,
			Status:     types.StatusPresent,
			MarkedAt:   now,
		})
	})
	if errors.Is(err, ErrDuplicate) {
		out.Status = StatusAlreadyMarked
		err = nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to commit attendance for %s: %w", ident.ID, err)
	}

	r.logger.Info("attendance committed", "identity", ident.ID, "date", out.Date, "status", out.Status)
	return out, nil
}
