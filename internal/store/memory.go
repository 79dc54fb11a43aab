package store

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
)

type memoryDoc struct {
	version uint64
	fields  map[string]json.RawMessage
}

type subscriber struct {
	q      Query
	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
}

func (s *subscriber) send(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		offer(s.ch, snap)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Memory is an in-process Store. It backs single-node deployments and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*memoryDoc
	subs map[*subscriber]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]*memoryDoc),
		subs: make(map[*subscriber]struct{}),
	}
}

func (m *Memory) Put(_ context.Context, key string, f Fields) error {
	enc, err := encode(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	d, ok := m.docs[key]
	if !ok {
		d = &memoryDoc{fields: make(map[string]json.RawMessage)}
		m.docs[key] = d
	}
	maps.Copy(d.fields, enc)
	d.version++
	snap := Snapshot{Key: key, Version: d.version, Fields: maps.Clone(d.fields)}
	m.publish(snap)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[key]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return Snapshot{Key: key, Version: d.version, Fields: maps.Clone(d.fields)}, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	d, ok := m.docs[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.docs, key)
	snap := Snapshot{Key: key, Version: d.version + 1, Deleted: true}
	m.publish(snap)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, q Query) (<-chan Snapshot, error) {
	s := &subscriber{q: q, ch: make(chan Snapshot, subscriberBuffer)}

	m.mu.Lock()
	m.subs[s] = struct{}{}
	for key, d := range m.docs {
		snap := Snapshot{Key: key, Version: d.version, Fields: maps.Clone(d.fields)}
		if q.matches(snap) {
			offer(s.ch, snap)
		}
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
		s.close()
	}()
	return s.ch, nil
}

// Subscribers is the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// publish runs under m.mu so every subscriber sees writes in version order.
func (m *Memory) publish(snap Snapshot) {
	for s := range m.subs {
		if s.q.matches(snap) {
			s.send(snap)
		}
	}
}

var _ Store = (*Memory)(nil)
