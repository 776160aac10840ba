package dataveil

import (
	"context"
	"sync"
)

// MemStore is an in-memory VaultStore. It honours the same uniqueness
// contract as the persistent stores and is the default choice for
// tests and dry runs; entries do not survive the process.
type MemStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry  // (field, fingerprint) -> entry
	byMasked map[string]string // (field, masked) -> fingerprint
}

// NewMemStore returns an empty in-memory vault store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries:  map[string]Entry{},
		byMasked: map[string]string{},
	}
}

func vaultKey(field FieldIdentity, s string) string {
	return field.Key() + "\x00" + s
}

// Lookup implements VaultStore.
func (s *MemStore) Lookup(ctx context.Context, field FieldIdentity, fingerprint string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[vaultKey(field, fingerprint)]
	if !ok {
		return "", false, nil
	}
	return entry.Masked, true, nil
}

// Insert implements VaultStore. The entry is committed atomically
// under the store lock, with both uniqueness checks applied first.
func (s *MemStore) Insert(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fpKey := vaultKey(entry.Field, entry.Fingerprint)
	if _, ok := s.entries[fpKey]; ok {
		return ErrFingerprintExists
	}
	maskedKey := vaultKey(entry.Field, entry.Masked)
	if _, ok := s.byMasked[maskedKey]; ok {
		return ErrMaskedValueTaken
	}
	s.entries[fpKey] = entry
	s.byMasked[maskedKey] = entry.Fingerprint
	return nil
}

// Close implements VaultStore.
func (s *MemStore) Close() error {
	return nil
}

// Len reports the number of stored entries.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entry returns the stored entry for a (field, fingerprint) key.
func (s *MemStore) Entry(field FieldIdentity, fingerprint string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[vaultKey(field, fingerprint)]
	return entry, ok
}

// MemAuditSink is an in-memory AuditSink for tests and dry runs.
type MemAuditSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemAuditSink returns an empty in-memory audit sink.
func NewMemAuditSink() *MemAuditSink {
	return &MemAuditSink{}
}

// Append implements AuditSink.
func (s *MemAuditSink) Append(ctx context.Context, event AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Close implements AuditSink.
func (s *MemAuditSink) Close() error {
	return nil
}

// Events returns a copy of the recorded events in append order.
func (s *MemAuditSink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
