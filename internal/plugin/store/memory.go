package store

import (
	"strings"
	"sync"

	"github.com/dshills/modhost/internal/plugin"
)

// Memory is a StateStore that keeps state in process.
type Memory struct {
	mu           sync.Mutex
	states       map[string]plugin.ModuleState
	acknowledged map[string]bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:       make(map[string]plugin.ModuleState),
		acknowledged: make(map[string]bool),
	}
}

// Load implements plugin.StateStore.
func (m *Memory) Load(namespace string) (plugin.ModuleState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[strings.ToLower(namespace)]
	if !ok {
		return plugin.ModuleState{}, false, nil
	}
	return state.Clone(), true, nil
}

// Save implements plugin.StateStore.
func (m *Memory) Save(namespace string, state plugin.ModuleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[strings.ToLower(namespace)] = state.Clone()
	return nil
}

// Delete implements plugin.StateStore.
func (m *Memory) Delete(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, strings.ToLower(namespace))
	return nil
}

// Acknowledged reports whether the update was acknowledged.
func (m *Memory) Acknowledged(namespace, version string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acknowledged[ackKey(namespace, version)]
}

// Acknowledge records an acknowledged update.
func (m *Memory) Acknowledge(namespace, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acknowledged[ackKey(namespace, version)] = true
	return nil
}
