package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"launchpad/internal/provisioning"
)

// MemoryStore keeps state in process. Records and credentials are copied on
// the way in and out so callers cannot mutate stored values.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]Record
	credentials map[string]storedCredentials
	leases      map[string]Lease
	audit       map[string][]AuditEntry
	sealer      *Sealer
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore(sealer *Sealer) *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]Record),
		credentials: make(map[string]storedCredentials),
		leases:      make(map[string]Lease),
		audit:       make(map[string][]AuditEntry),
		sealer:      sealer,
		now:         time.Now,
	}
}

// SetClock replaces the time source used for lease expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Close() error { return nil }

func copyRecord(r Record) *Record {
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return &r
}

func (s *MemoryStore) CreateRecord(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("%w: deployment %s already exists", ErrConflict, r.ID)
	}
	s.records[r.ID] = *copyRecord(*r)
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return copyRecord(r), nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[r.ID]
	if !ok {
		return fmt.Errorf("deployment %s: %w", r.ID, ErrNotFound)
	}
	if err := CheckUpdate(&prev, r); err != nil {
		return err
	}
	s.records[r.ID] = *copyRecord(*r)
	return nil
}

func (s *MemoryStore) ListRecords(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if r.TenantID == tenantID {
			out = append(out, copyRecord(r))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PutCredentials(_ context.Context, tenantID string, creds provisioning.Credentials) error {
	stored, err := sealCredentials(s.sealer, tenantID, creds)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[tenantID] = stored
	return nil
}

func (s *MemoryStore) GetCredentials(_ context.Context, tenantID string) (provisioning.Credentials, error) {
	s.mu.Lock()
	stored, ok := s.credentials[tenantID]
	s.mu.Unlock()
	if !ok {
		return provisioning.Credentials{}, fmt.Errorf("credentials for tenant %s: %w", tenantID, ErrNotFound)
	}
	return openCredentials(s.sealer, tenantID, stored)
}

func (s *MemoryStore) AcquireLease(_ context.Context, instanceID, holder string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if cur, ok := s.leases[instanceID]; ok && now.Before(cur.ExpiresAt) {
		return nil, &LeaseHeldError{InstanceID: instanceID, Holder: cur.Holder}
	}
	l := Lease{InstanceID: instanceID, Holder: holder, ExpiresAt: now.Add(ttl)}
	s.leases[instanceID] = l
	return &l, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[lease.InstanceID]; ok && cur.Holder == lease.Holder {
		delete(s.leases, lease.InstanceID)
	}
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.audit[e.InstanceID] = append(s.audit[e.InstanceID], e)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, instanceID string) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit[instanceID]...), nil
}
