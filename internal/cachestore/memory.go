package cachestore

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Store. Contents do not survive a restart.
type Memory struct {
	mu   sync.Mutex
	gens map[string]*memGeneration
}

func NewMemory() *Memory {
	return &Memory{gens: map[string]*memGeneration{}}
}

func (m *Memory) Open(_ context.Context, name string) (Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[name]
	if !ok {
		g = &memGeneration{name: name, entries: map[string]Entry{}}
		m.gens[name] = g
	}
	return g, nil
}

func (m *Memory) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.gens[name]
	return ok, nil
}

func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.gens))
	for n := range m.gens {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	g, ok := m.gens[name]
	delete(m.gens, name)
	m.mu.Unlock()
	if ok {
		g.mu.Lock()
		g.gone = true
		g.entries = nil
		g.mu.Unlock()
	}
	return ok, nil
}

func (m *Memory) Close() error { return nil }

type memGeneration struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
	gone    bool
}

func (g *memGeneration) Name() string { return g.name }

func (g *memGeneration) Match(_ context.Context, key string) (Entry, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ent, ok := g.entries[key]
	return ent, ok, nil
}

func (g *memGeneration) Put(_ context.Context, key string, ent Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone {
		return ErrGenerationGone
	}
	g.entries[key] = ent
	return nil
}

func (g *memGeneration) PutBatch(_ context.Context, recs []Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone {
		return ErrGenerationGone
	}
	for _, r := range recs {
		g.entries[r.Key] = r.Entry
	}
	return nil
}

func (g *memGeneration) Keys(_ context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.entries))
	for k := range g.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
