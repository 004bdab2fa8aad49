// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/warp/story-engine/generic"
	"github.com/warp/story-engine/session"
	"github.com/warp/story-engine/wallet"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.DedupeStore, wallet.Store and session.Store
// behind one mutex. Every uniqueness rule the SQL stores enforce with
// constraints is enforced here by checking and writing under the lock.
type Memory struct {
	mu sync.RWMutex

	records map[string]generic.Record

	balances     map[string]int64
	entries      []wallet.Entry // append order
	entryByID    map[string]int
	entryByKey   map[string]int
	entriesByUsr map[string][]int

	sessions map[string]session.Session
	active   map[activeKey]string
}

type activeKey struct {
	UserID  string
	StoryID string
}

var (
	_ generic.DedupeStore = (*Memory)(nil)
	_ wallet.Store        = (*Memory)(nil)
	_ session.Store       = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		records:      make(map[string]generic.Record),
		balances:     make(map[string]int64),
		entryByID:    make(map[string]int),
		entryByKey:   make(map[string]int),
		entriesByUsr: make(map[string][]int),
		sessions:     make(map[string]session.Session),
		active:       make(map[activeKey]string),
	}
}

// =============================================================================
// DEDUPE RECORDS
// =============================================================================

func (m *Memory) UpsertIfAbsent(_ context.Context, rec generic.Record) (bool, error) {
	if rec.Key == "" {
		return false, generic.Invalid("key", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Key]; ok {
		return false, nil
	}
	rec.Payload = generic.ClonePayload(rec.Payload)
	m.records[rec.Key] = rec
	return true, nil
}

func (m *Memory) GetRecord(_ context.Context, key string) (*generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	rec.Payload = generic.ClonePayload(rec.Payload)
	return &rec, nil
}

func (m *Memory) ListRecords(_ context.Context, prefix string) ([]generic.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Record
	for k, rec := range m.records {
		if strings.HasPrefix(k, prefix) {
			rec.Payload = generic.ClonePayload(rec.Payload)
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[userID], nil
}

func (m *Memory) ApplyEntry(_ context.Context, e wallet.Entry) (wallet.Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.DedupeKey != "" {
		if i, ok := m.entryByKey[e.DedupeKey]; ok {
			return cloneEntry(m.entries[i]), false, nil
		}
	}
	if _, ok := m.entryByID[e.ID]; ok {
		return wallet.Entry{}, false, generic.Invalid("id", "duplicate entry id")
	}

	balance := m.balances[e.UserID]
	next := balance + e.Delta()
	if next < 0 {
		return wallet.Entry{}, false, &generic.InsufficientFundsError{UserID: e.UserID, Needed: e.Amount, Balance: balance}
	}

	e = cloneEntry(e)
	e.BalanceAfter = next
	m.balances[e.UserID] = next

	i := len(m.entries)
	m.entries = append(m.entries, e)
	m.entryByID[e.ID] = i
	if e.DedupeKey != "" {
		m.entryByKey[e.DedupeKey] = i
	}
	m.entriesByUsr[e.UserID] = append(m.entriesByUsr[e.UserID], i)
	return cloneEntry(e), true, nil
}

func (m *Memory) GetEntry(_ context.Context, id string) (*wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.entryByID[id]
	if !ok {
		return nil, nil
	}
	e := cloneEntry(m.entries[i])
	return &e, nil
}

func (m *Memory) GetEntryByKey(_ context.Context, key string) (*wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.entryByKey[key]
	if !ok {
		return nil, nil
	}
	e := cloneEntry(m.entries[i])
	return &e, nil
}

func (m *Memory) ListEntries(_ context.Context, userID string, filter wallet.EntryFilter) ([]wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.entriesByUsr[userID]
	var result []wallet.Entry
	for j := len(idx) - 1; j >= 0; j-- {
		e := m.entries[idx[j]]
		if !filter.Matches(e) {
			continue
		}
		result = append(result, cloneEntry(e))
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) LedgerSum(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, i := range m.entriesByUsr[userID] {
		sum += m.entries[i].Delta()
	}
	return sum, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.balances))
	for u := range m.balances {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

func (m *Memory) SetBalance(_ context.Context, userID string, balance int64) error {
	if balance < 0 {
		return generic.Invalid("balance", "must be >= 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
	return nil
}

func (m *Memory) RepairBalance(_ context.Context, userID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for _, i := range m.entriesByUsr[userID] {
		sum += m.entries[i].Delta()
	}
	counter := m.balances[userID]
	m.balances[userID] = max(sum, 0)
	return counter, sum, nil
}

func cloneEntry(e wallet.Entry) wallet.Entry {
	if e.Sequence != nil {
		s := *e.Sequence
		e.Sequence = &s
	}
	return e
}

// =============================================================================
// SESSIONS
// =============================================================================

func (m *Memory) CreateSession(_ context.Context, s session.Session) (session.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return session.Session{}, false, generic.Invalid("id", "duplicate session id")
	}
	k := activeKey{UserID: s.UserID, StoryID: s.StoryID}
	if !s.Progress.Completed {
		if id, ok := m.active[k]; ok {
			return m.sessions[id].Clone(), false, nil
		}
		m.active[k] = s.ID
	}
	m.sessions[s.ID] = s.Clone()
	return s.Clone(), true, nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	out := s.Clone()
	return &out, nil
}

func (m *Memory) FindActiveSession(_ context.Context, userID, storyID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[activeKey{UserID: userID, StoryID: storyID}]
	if !ok {
		return nil, nil
	}
	out := m.sessions[id].Clone()
	return &out, nil
}

func (m *Memory) UpdateSession(_ context.Context, s session.Session, expectedVersion int64) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.ID]
	if !ok {
		return session.Session{}, generic.ErrNotFound
	}
	if current.Version != expectedVersion {
		return session.Session{}, generic.ErrConcurrentModification
	}

	s.Version = expectedVersion + 1
	m.sessions[s.ID] = s.Clone()
	if s.Progress.Completed {
		k := activeKey{UserID: s.UserID, StoryID: s.StoryID}
		if m.active[k] == s.ID {
			delete(m.active, k)
		}
	}
	return s.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context, userID string) ([]session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []session.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (m *Memory) ListActivity(_ context.Context) ([]session.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byUser := make(map[string]*session.Activity)
	for _, s := range m.sessions {
		a, ok := byUser[s.UserID]
		if !ok {
			a = &session.Activity{UserID: s.UserID}
			byUser[s.UserID] = a
		}
		if s.UpdatedAt.After(a.LastActiveAt) {
			a.LastActiveAt = s.UpdatedAt
		}
		if s.Progress.Completed {
			a.CompletedSessions++
		} else {
			a.OpenSessions++
		}
	}

	result := make([]session.Activity, 0, len(byUser))
	for _, a := range byUser {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}
