// Package memory is an in-process storage backend. It backs tests and
// `--db memory://` demo runs; nothing survives the process.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
)

type recordKey struct {
	identityID string
	date       types.Date
}

// Store keeps every table in maps guarded by one mutex. WithinTx holds the
// mutex for the whole unit, so commits are fully serialised.
type Store struct {
	mu         sync.Mutex
	identities map[string]types.Identity
	encodings  map[string][]float64
	records    map[recordKey]types.AttendanceRecord
	schoolDays map[types.Date]struct{}
}

func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.identities = make(map[string]types.Identity)
	s.encodings = make(map[string][]float64)
	s.records = make(map[recordKey]types.AttendanceRecord)
	s.schoolDays = make(map[types.Date]struct{})
}

// AllEncodings returns every encoding ordered by identity id.
func (s *Store) AllEncodings(_ context.Context) ([]types.FaceEncoding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FaceEncoding, 0, len(s.encodings))
	for id, vec := range s.encodings {
		out = append(out, types.FaceEncoding{IdentityID: id, Vector: slices.Clone(vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

// UpsertEncoding stores vec, creating an active identity named after the id if needed.
func (s *Store) UpsertEncoding(_ context.Context, identityID string, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identityID]; !ok {
		s.identities[identityID] = types.Identity{ID: identityID, DisplayName: identityID, Active: true}
	}
	s.encodings[identityID] = slices.Clone(vec)
	return nil
}

func (s *Store) ResolveIdentity(_ context.Context, id string) (types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return types.Identity{}, attendance.ErrIdentityNotFound
	}
	return ident, nil
}

func (s *Store) UpsertIdentity(_ context.Context, ident types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[ident.ID] = ident
	return nil
}

func (s *Store) RenameIdentity(_ context.Context, id, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return attendance.ErrIdentityNotFound
	}
	ident.DisplayName = displayName
	s.identities[id] = ident
	return nil
}

// ListIdentities returns every identity ordered by id.
func (s *Store) ListIdentities(_ context.Context) ([]types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Identity, 0, len(s.identities))
	for _, ident := range s.identities {
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, attendance.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage writes so a failing unit leaves nothing behind.
	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, d := range tx.days {
		s.schoolDays[d] = struct{}{}
	}
	for _, rec := range tx.records {
		s.records[recordKey{rec.IdentityID, rec.Date}] = rec
	}
	return nil
}

type memTx struct {
	s       *Store
	days    []types.Date
	records []types.AttendanceRecord
}

func (t *memTx) HasRecord(_ context.Context, identityID string, date types.Date) (bool, error) {
	if _, ok := t.s.records[recordKey{identityID, date}]; ok {
		return true, nil
	}
	for _, r := range t.records {
		if r.IdentityID == identityID && r.Date == date {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertSchoolDayIfAbsent(_ context.Context, date types.Date) error {
	if _, ok := t.s.schoolDays[date]; ok || slices.Contains(t.days, date) {
		return nil
	}
	t.days = append(t.days, date)
	return nil
}

func (t *memTx) InsertAttendance(ctx context.Context, rec types.AttendanceRecord) error {
	if ok, _ := t.HasRecord(ctx, rec.IdentityID, rec.Date); ok {
		return attendance.ErrDuplicate
	}
	t.records = append(t.records, rec)
	return nil
}

func (s *Store) CountPresent(_ context.Context, identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.records {
		if k.identityID == identityID && rec.Status == types.StatusPresent {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountSchoolDays(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schoolDays), nil
}

// Records returns the attendance of one day ordered by identity id.
func (s *Store) Records(_ context.Context, date types.Date) ([]types.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.AttendanceRecord
	for k, rec := range s.records {
		if k.date == date {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out, nil
}

// SchoolDays returns every recorded school day in date order.
func (s *Store) SchoolDays(_ context.Context) ([]types.SchoolDay, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SchoolDay, 0, len(s.schoolDays))
	for d := range s.schoolDays {
		out = append(out, types.SchoolDay{Date: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func (s *Store) Close() error { return nil }
