// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package costs

import (
	"context"
	"sync"
)

// MemoryBackend keeps entries for the process lifetime. Used by tests and by
// deployments that only care about live budget enforcement.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{nextID: 1}
}

// Append stores an entry and returns its id.
func (m *MemoryBackend) Append(_ context.Context, e Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.nextID
	m.nextID++
	m.entries = append(m.entries, e)
	return e.ID, nil
}

// List returns matching entries oldest first.
func (m *MemoryBackend) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close is a no-op for the memory backend.
func (m *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)
