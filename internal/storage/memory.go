package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	logx "botwatch/pkg/logx"
)

var errMemoryClosed = errors.New("database is closed")

// NewMemoryDialer returns a Dialer whose backends all share one in-memory
// database, so data survives reconnects. Used by the "memory" driver and tests.
func NewMemoryDialer() Dialer {
	db := &memoryDB{records: map[string]*CommunityRecord{}}
	return func(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
		return &memoryBackend{db: db}, nil
	}
}

type memoryDB struct {
	mu      sync.Mutex
	records map[string]*CommunityRecord
	order   []string
}

type memoryBackend struct {
	db     *memoryDB
	closed atomic.Bool
}

func (m *memoryBackend) check() error {
	if m.closed.Load() {
		return ConnectionError(errMemoryClosed)
	}
	return nil
}

func (m *memoryBackend) Bind(context.Context) error { return m.check() }
func (m *memoryBackend) Ping(context.Context) error { return m.check() }

func (m *memoryBackend) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *memoryBackend) Get(_ context.Context, id string) (*CommunityRecord, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.records[id].Clone(), nil
}

func (m *memoryBackend) Insert(_ context.Context, id string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if _, ok := m.db.records[id]; ok {
		return ErrDuplicate
	}
	m.db.put(&CommunityRecord{ID: id, TrackedAgents: []TrackedAgent{}})
	return nil
}

func (d *memoryDB) put(rec *CommunityRecord) {
	if _, ok := d.records[rec.ID]; !ok {
		d.order = append(d.order, rec.ID)
	}
	d.records[rec.ID] = rec
}

func (d *memoryDB) remove(id string) {
	delete(d.records, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (m *memoryBackend) Delete(_ context.Context, id string) (bool, error) {
	if err := m.check(); err != nil {
		return false, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	_, ok := m.db.records[id]
	m.db.remove(id)
	return ok, nil
}

func (m *memoryBackend) UpsertBroadcastChannel(_ context.Context, id, channelID string) error {
	if err := m.check(); err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	rec, ok := m.db.records[id]
	if !ok {
		rec = &CommunityRecord{ID: id, TrackedAgents: []TrackedAgent{}}
		m.db.put(rec)
	}
	rec.BroadcastChannel = channelID
	return nil
}

func (m *memoryBackend) SaveAgents(_ context.Context, u AgentsUpdate) error {
	if err := m.check(); err != nil {
		return err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return m.db.save(u)
}

func (d *memoryDB) save(u AgentsUpdate) error {
	rec, ok := d.records[u.CommunityID]
	if !ok {
		return ErrCommunityNotFound
	}
	if rec.Version != u.Version {
		return ErrConflict
	}
	next := (&CommunityRecord{TrackedAgents: u.Agents}).Clone()
	rec.TrackedAgents = next.TrackedAgents
	rec.Version++
	return nil
}

func (m *memoryBackend) DeleteExcept(_ context.Context, keep map[string]struct{}) ([]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var removed []string
	for _, id := range append([]string(nil), m.db.order...) {
		if _, ok := keep[id]; !ok {
			m.db.remove(id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (m *memoryBackend) ListTracked(context.Context) ([]CommunityRecord, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []CommunityRecord
	for _, id := range m.db.order {
		rec := m.db.records[id]
		if len(rec.TrackedAgents) > 0 {
			out = append(out, *rec.Clone())
		}
	}
	return out, nil
}

func (m *memoryBackend) BulkSaveAgents(_ context.Context, updates []AgentsUpdate) (int, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, u := range updates {
		if m.db.save(u) == nil {
			n++
		}
	}
	return n, nil
}
