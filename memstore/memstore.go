// Package memstore holds in-process implementations of the import stores. They back
// the unit tests and single-instance development runs; production wiring uses the
// MySQL and Redis implementations in models and workflow.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/registry_importer/identity"
	"github.com/mmdatafocus/registry_importer/models"
	"github.com/mmdatafocus/registry_importer/utils"
)

// Tables is a set of backing tables keyed by normalized file number.
type Tables struct {
	mu    sync.RWMutex
	rows  map[string]map[string]identity.Match
	fail  map[string]error
	Calls atomic.Int64
}

func NewTables() *Tables {
	return &Tables{rows: map[string]map[string]identity.Match{}, fail: map[string]error{}}
}

func (t *Tables) Add(table, key string, propId int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rows[table] == nil {
		t.rows[table] = map[string]identity.Match{}
	}
	t.rows[table][key] = identity.Match{PropId: propId, Table: table, Raw: key}
}

// Fail makes every lookup against table return err; a nil err heals it.
func (t *Tables) Fail(table string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.fail, table)
		return
	}
	t.fail[table] = err
}

func (t *Tables) Lookup(ctx context.Context, table string, key string) (*identity.Match, error) {
	t.Calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.fail[table]; err != nil {
		return nil, err
	}
	m, ok := t.rows[table][key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// Counter is an atomic sequence shared by every resolver holding it.
type Counter struct {
	value atomic.Int64
	Mints atomic.Int64
	// Err, when set, fails every increment
	Err error
}

func NewCounter(start int64) *Counter {
	c := &Counter{}
	c.value.Store(start)
	return c
}

func (c *Counter) NextID(ctx context.Context, name string) (int64, error) {
	if c.Err != nil {
		return 0, c.Err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.Mints.Add(1)
	return c.value.Add(1), nil
}

// Registry is the prop id mapping with minting serialized per key.
type Registry struct {
	mu       sync.Mutex
	mappings map[string]identity.Match
	keyLocks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{mappings: map[string]identity.Match{}, keyLocks: map[string]*sync.Mutex{}}
}

func (r *Registry) Find(ctx context.Context, key string) (*identity.Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// Ensure records key -> propId unless the key is already mapped, like the committed-record writer does.
func (r *Registry) Ensure(key string, propId int64, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappings[key]; !ok {
		r.mappings[key] = identity.Match{PropId: propId, Table: source, Raw: key}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}

func (r *Registry) keyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.keyLocks[key]
	if l == nil {
		l = &sync.Mutex{}
		r.keyLocks[key] = l
	}
	return l
}

func (r *Registry) MintOnce(ctx context.Context, key string, mint func(context.Context) (int64, error)) (identity.Match, bool, error) {
	l := r.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if existing, _ := r.Find(ctx, key); existing != nil {
		return *existing, false, nil
	}
	propId, err := mint(ctx)
	if err != nil {
		return identity.Match{}, false, err
	}
	m := identity.Match{PropId: propId, Table: identity.SourceMinted, Raw: key}
	r.mu.Lock()
	r.mappings[key] = m
	r.mu.Unlock()
	return m, true, nil
}

type storedSession struct {
	generation string
	payload    []byte
	expiresAt  time.Time
}

// SessionStore keeps sessions as JSON, the same shape the Redis store writes, so no
// caller ever shares a pointer with the stored copy.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]storedSession
	now      func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: map[string]storedSession{}, now: time.Now}
}

func (s *SessionStore) Get(ctx context.Context, id string) (*models.ImportSession, error) {
	s.mu.Lock()
	stored, ok := s.sessions[id]
	if ok && !stored.expiresAt.IsZero() && s.now().After(stored.expiresAt) {
		delete(s.sessions, id)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, utils.ErrorSessionNotFound
	}
	var session models.ImportSession
	if err := utils.UnmarshalFromJSON(stored.payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStore) Put(ctx context.Context, session *models.ImportSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = storedSession{generation: session.Generation, payload: payload, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *SessionStore) Replace(ctx context.Context, session *models.ImportSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[session.ID]
	if !ok || stored.generation != session.Generation {
		return utils.ErrorSessionDiscarded
	}
	s.sessions[session.ID] = storedSession{generation: session.Generation, payload: payload, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *SessionStore) Generation(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[id]
	if !ok {
		return "", utils.ErrorSessionNotFound
	}
	return stored.generation, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *SessionStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Locker hands out one holder per key at a time.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{slots: map[string]chan struct{}{}}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot := l.slots[key]
	if slot == nil {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-slot }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", utils.ErrorLockNotObtained, ctx.Err())
	}
}

// PersistedRecord is what the Writer keeps per file number and mode.
type PersistedRecord struct {
	FileNumber string
	Mode       models.ImportMode
	PropId     int64
	SessionId  string
	Data       models.NewPropertyRecord
}

// Writer persists committed records and feeds their mappings into a Registry.
type Writer struct {
	mu       sync.Mutex
	records  map[string]PersistedRecord
	registry *Registry
	// FailOn makes Persist fail for the given file numbers
	FailOn map[string]error
	// BeforePersist, when set, runs ahead of every write
	BeforePersist func(rec *models.ImportRecord)
}

func NewWriter(registry *Registry) *Writer {
	return &Writer{records: map[string]PersistedRecord{}, registry: registry, FailOn: map[string]error{}}
}

func (w *Writer) Persist(ctx context.Context, rec *models.ImportRecord, mode models.ImportMode, sessionId string) (bool, error) {
	if w.BeforePersist != nil {
		w.BeforePersist(rec)
	}
	if rec.PropId == nil {
		return false, fmt.Errorf("record %d has no prop id", rec.RecordIndex)
	}
	if err := w.FailOn[rec.FileNumber]; err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	key := string(mode) + "|" + rec.FileNumber
	_, exists := w.records[key]
	w.records[key] = PersistedRecord{FileNumber: rec.FileNumber, Mode: mode, PropId: *rec.PropId, SessionId: sessionId, Data: rec.Data}
	if w.registry != nil {
		source := identity.SourceRegistry
		if rec.PropIdSource != nil && *rec.PropIdSource != identity.SourceSession {
			source = *rec.PropIdSource
		}
		w.registry.Ensure(rec.FileNumber, *rec.PropId, source)
	}
	return !exists, nil
}

func (w *Writer) Records() []PersistedRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PersistedRecord, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, r)
	}
	return out
}

func (w *Writer) Get(mode models.ImportMode, fileNumber string) (PersistedRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.records[string(mode)+"|"+fileNumber]
	return r, ok
}
