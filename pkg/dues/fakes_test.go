package dues

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/sirupsen/logrus"
)

type periodKey struct {
	memberID int64
	period   Period
}

// memStore is an in-memory Store with the same uniqueness and conditional
// write rules as the SQL stores.
type memStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*DueRecord
	byKey   map[periodKey]int64

	// hooks for failure injection
	createErr     func(rec *DueRecord) error
	updateErr     func(rec *DueRecord) error
	existsErr     error
	findErr       error
	hideExisting  bool
	createCalls   int
	existsCalls   int
	updatedStatus map[int64]Status
}

func newMemStore() *memStore {
	return &memStore{
		records:       make(map[int64]*DueRecord),
		byKey:         make(map[periodKey]int64),
		updatedStatus: make(map[int64]Status),
	}
}

func cloneRecord(rec *DueRecord) *DueRecord {
	c := *rec
	if rec.PaymentDate != nil {
		d := *rec.PaymentDate
		c.PaymentDate = &d
	}
	return &c
}

func (s *memStore) Create(ctx context.Context, rec *DueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		if err := s.createErr(rec); err != nil {
			return err
		}
	}
	key := periodKey{rec.MemberID, rec.Period}
	if _, ok := s.byKey[key]; ok {
		return ErrDuplicate
	}
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.ID] = cloneRecord(rec)
	s.byKey[key] = rec.ID
	return nil
}

func (s *memStore) Update(ctx context.Context, rec *DueRecord, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		if err := s.updateErr(rec); err != nil {
			return err
		}
	}
	stored, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrConflict
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.updatedStatus[rec.ID] = rec.Status
	return nil
}

func (s *memStore) ExistsFor(ctx context.Context, memberID int64, period Period) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	if s.existsErr != nil {
		return false, s.existsErr
	}
	if s.hideExisting {
		return false, nil
	}
	_, ok := s.byKey[periodKey{memberID, period}]
	return ok, nil
}

func (s *memStore) FindPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*DueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	var out []*DueRecord
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.DueDate.Before(cutoff) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindByID(ctx context.Context, id int64) (*DueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *memStore) ListByMember(ctx context.Context, memberID int64) ([]*DueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DueRecord
	for _, rec := range s.records {
		if rec.MemberID == memberID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrConflict
	}
	delete(s.records, id)
	delete(s.byKey, periodKey{rec.MemberID, rec.Period})
	return nil
}

// put stores rec directly, bypassing Create hooks
func (s *memStore) put(rec *DueRecord) *DueRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.ID] = cloneRecord(rec)
	s.byKey[periodKey{rec.MemberID, rec.Period}] = rec.ID
	return rec
}

func (s *memStore) count(memberID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.MemberID == memberID {
			n++
		}
	}
	return n
}

func (s *memStore) has(memberID int64, p Period) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[periodKey{memberID, p}]
	return ok
}

type fakeDirectory struct {
	members []*members.Member
	listErr error
}

func (d *fakeDirectory) ListActiveBillableMembers(ctx context.Context, roles []members.Role) ([]*members.Member, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []*members.Member
	for _, m := range d.members {
		if !m.Active {
			continue
		}
		for _, r := range roles {
			if m.Role == r {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (d *fakeDirectory) GetMember(ctx context.Context, id int64) (*members.Member, error) {
	for _, m := range d.members {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, members.ErrNotFound
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func intPtr(n int) *int {
	return &n
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.AutomaticGenerationEnabled = true
	return cfg
}

func player(id int64, created time.Time) *members.Member {
	return &members.Member{
		ID:        id,
		FullName:  "Player " + string(rune('A'+id%26)),
		Role:      members.RolePlayer,
		Active:    true,
		CreatedAt: timePtr(created),
	}
}
