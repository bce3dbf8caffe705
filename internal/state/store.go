package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"launchpad/internal/provisioning"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("concurrent modification")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseHeld         = errors.New("instance lease is held by another deployment")
)

// LeaseHeldError names the deployment currently holding an instance.
type LeaseHeldError struct {
	InstanceID string
	Holder     string
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("instance %s is leased by deployment %s", e.InstanceID, e.Holder)
}

func (e *LeaseHeldError) Unwrap() error {
	return ErrLeaseHeld
}

// Lease is an advisory, expiring claim on an instance.
type Lease struct {
	InstanceID string
	Holder     string
	ExpiresAt  time.Time
	// Token identifies the backend lease (etcd lease ID); zero for postgres.
	Token int64
}

// AuditEntry records a firewall change on an instance.
type AuditEntry struct {
	TenantID        string    `json:"tenant_id"`
	InstanceID      string    `json:"instance_id"`
	Action          string    `json:"action"`
	Rule            string    `json:"rule"`
	SecurityGroupID string    `json:"security_group_id,omitempty"`
	Changed         bool      `json:"changed"`
	CreatedAt       time.Time `json:"created_at"`
}

// RecordStore persists deployment records.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	// UpdateRecord replaces a record; status regressions and log rewrites
	// are rejected with ErrInvalidTransition.
	UpdateRecord(ctx context.Context, r *Record) error
	ListRecords(ctx context.Context, tenantID string, limit int) ([]*Record, error)
}

// CredentialStore is the only place provider credentials are looked up.
type CredentialStore interface {
	PutCredentials(ctx context.Context, tenantID string, creds provisioning.Credentials) error
	GetCredentials(ctx context.Context, tenantID string) (provisioning.Credentials, error)
}

// LeaseStore hands out per-instance advisory leases.
type LeaseStore interface {
	AcquireLease(ctx context.Context, instanceID, holder string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, lease *Lease) error
}

// AuditStore keeps the firewall change trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, instanceID string) ([]AuditEntry, error)
}

// Store combines every persistence concern of the orchestrator.
type Store interface {
	RecordStore
	CredentialStore
	LeaseStore
	AuditStore
	Close() error
}
