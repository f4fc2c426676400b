// Package token implements the outbound-auth token lifecycle: an in-memory
// record store keyed by upstream id, with proactive refresh scheduling and
// an optional encrypted-file-backed persistence layer.
package token

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultRefreshSkew is how far ahead of expiry a proactive refresh fires.
const DefaultRefreshSkew = 5 * time.Minute

// Record is one outbound access token and its metadata. Never logged raw:
// callers must route it through common.RedactSecret before any log call.
type Record struct {
	AccessToken  string
	TokenType    string // defaults to "Bearer"
	ExpiresAt    time.Time
	Scope        string
	RefreshToken string
}

// IsExpired reports whether the record is expired as of now. A record with
// a zero ExpiresAt never expires (useful for static bearer tokens).
func (r Record) IsExpired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(r.ExpiresAt)
}

// ErrEmpty is returned by Retrieve when no record has been stored.
var ErrEmpty = errors.New("token: no record stored")

// Store holds at most one Record and at most one scheduled refresh timer.
// Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	record *Record
	timer  *time.Timer
	skew   time.Duration

	persist Persister
}

// Persister is an optional backing store a Store can write through to, e.g.
// an OS keychain or an encrypted file (see EncryptedFileStore).
type Persister interface {
	Save(upstreamID string, record Record) error
	Load(upstreamID string) (Record, bool, error)
	Delete(upstreamID string) error
}

// New creates a Store with the default refresh skew and no persistence.
func New() *Store {
	return &Store{skew: DefaultRefreshSkew}
}

// WithPersister attaches a Persister used by Persist/LoadPersisted.
func (s *Store) WithPersister(p Persister) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
	return s
}

// WithSkew overrides the default proactive-refresh skew.
func (s *Store) WithSkew(skew time.Duration) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew = skew
	return s
}

// StoreRecord saves a record, replacing any existing one.
func (s *Store) StoreRecord(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.TokenType == "" {
		record.TokenType = "Bearer"
	}
	s.record = &record
}

// Retrieve returns the current record, or ErrEmpty if none is stored.
func (s *Store) Retrieve() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return Record{}, ErrEmpty
	}
	return *s.record, nil
}

// Clear discards the stored record and cancels any scheduled refresh.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
	s.record = nil
}

// IsExpired reports whether the stored record is expired or absent.
func (s *Store) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return true
	}
	return s.record.IsExpired(now)
}

// ScheduleRefresh arranges for callback to run at (expiry - skew). A prior
// scheduled refresh is cancelled. If the computed fire time has already
// passed, no timer is scheduled: the caller must perform a lazy refresh on
// next use instead.
func (s *Store) ScheduleRefresh(now time.Time, callback func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelTimerLocked()

	if s.record == nil || s.record.ExpiresAt.IsZero() {
		return
	}

	fireAt := s.record.ExpiresAt.Add(-s.skew)
	delay := fireAt.Sub(now)
	if delay <= 0 {
		return
	}

	s.timer = time.AfterFunc(delay, callback)
}

// CancelRefresh cancels any scheduled refresh timer. Idempotent.
func (s *Store) CancelRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
}

func (s *Store) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Persist writes the current record through the attached Persister, if any.
func (s *Store) Persist(upstreamID string) error {
	s.mu.Lock()
	record := s.record
	p := s.persist
	s.mu.Unlock()

	if p == nil || record == nil {
		return nil
	}
	return p.Save(upstreamID, *record)
}

// LoadPersisted loads a record from the attached Persister into the store,
// if one exists.
func (s *Store) LoadPersisted(upstreamID string) error {
	s.mu.Lock()
	p := s.persist
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	record, ok, err := p.Load(upstreamID)
	if err != nil {
		return fmt.Errorf("token: load persisted record for %q: %w", upstreamID, err)
	}
	if !ok {
		return nil
	}
	s.StoreRecord(record)
	return nil
}
