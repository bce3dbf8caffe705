package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"launchpad/internal/provisioning"
)

// EtcdStore handles state persistence using Etcd
type EtcdStore struct {
	client *clientv3.Client
	keys   keyspace
	sealer *Sealer
	now    func() time.Time
}

// NewEtcdStore connects to etcd and returns a Store rooted at prefix.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, prefix string, sealer *Sealer) (*EtcdStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli, keys: keyspace{prefix: prefix}, sealer: sealer, now: time.Now}, nil
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// keyspace lays out every key under one prefix.
type keyspace struct {
	prefix string
}

func (k keyspace) join(parts ...string) string {
	return path.Join(append([]string{"/", k.prefix}, parts...)...)
}

func (k keyspace) deployment(id string) string {
	return k.join("deployments", id)
}

func (k keyspace) tenantIndex(tenantID string) string {
	return k.join("tenants", tenantID, "deployments") + "/"
}

func (k keyspace) tenantDeployment(tenantID, id string) string {
	return k.tenantIndex(tenantID) + id
}

func (k keyspace) credentials(tenantID string) string {
	return k.join("tenants", tenantID, "credentials")
}

func (k keyspace) lease(instanceID string) string {
	return k.join("leases", instanceID)
}

func (k keyspace) audit(instanceID string) string {
	return k.join("audit", instanceID) + "/"
}

// CreateRecord stores a new record and indexes it under its tenant.
func (s *EtcdStore) CreateRecord(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment record: %w", err)
	}
	key := s.keys.deployment(r.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(
			clientv3.OpPut(key, string(data)),
			clientv3.OpPut(s.keys.tenantDeployment(r.TenantID, r.ID), r.ID),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to save deployment record to etcd: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: deployment %s already exists", ErrConflict, r.ID)
	}
	return nil
}

// GetRecord retrieves a deployment record
func (s *EtcdStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	r, _, err := s.getRecord(ctx, id)
	return r, err
}

func (s *EtcdStore) getRecord(ctx context.Context, id string) (*Record, int64, error) {
	resp, err := s.client.Get(ctx, s.keys.deployment(id))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get deployment record from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	var r Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &r); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal deployment record: %w", err)
	}
	return &r, resp.Kvs[0].ModRevision, nil
}

// UpdateRecord replaces a record with a compare-and-swap on its revision.
func (s *EtcdStore) UpdateRecord(ctx context.Context, r *Record) error {
	prev, rev, err := s.getRecord(ctx, r.ID)
	if err != nil {
		return err
	}
	if err := CheckUpdate(prev, r); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal deployment record: %w", err)
	}
	key := s.keys.deployment(r.ID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to save deployment record to etcd: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: deployment %s changed underneath", ErrConflict, r.ID)
	}
	return nil
}

// ListRecords returns a tenant's records, newest first.
func (s *EtcdStore) ListRecords(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	resp, err := s.client.Get(ctx, s.keys.tenantIndex(tenantID), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments from etcd: %w", err)
	}
	records := make([]*Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		r, err := s.GetRecord(ctx, string(kv.Value))
		if err != nil {
			continue
		}
		records = append(records, r)
	}
	sortNewestFirst(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// PutCredentials seals and stores a tenant's provider credentials.
func (s *EtcdStore) PutCredentials(ctx context.Context, tenantID string, creds provisioning.Credentials) error {
	stored, err := sealCredentials(s.sealer, tenantID, creds)
	if err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if _, err := s.client.Put(ctx, s.keys.credentials(tenantID), string(data)); err != nil {
		return fmt.Errorf("failed to save credentials to etcd: %w", err)
	}
	return nil
}

// GetCredentials loads and unseals a tenant's provider credentials.
func (s *EtcdStore) GetCredentials(ctx context.Context, tenantID string) (provisioning.Credentials, error) {
	resp, err := s.client.Get(ctx, s.keys.credentials(tenantID))
	if err != nil {
		return provisioning.Credentials{}, fmt.Errorf("failed to get credentials from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return provisioning.Credentials{}, fmt.Errorf("credentials for tenant %s: %w", tenantID, ErrNotFound)
	}
	var stored storedCredentials
	if err := json.Unmarshal(resp.Kvs[0].Value, &stored); err != nil {
		return provisioning.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return openCredentials(s.sealer, tenantID, stored)
}

// AcquireLease claims instanceID for holder. The key is bound to an etcd
// lease so an abandoned claim disappears after ttl.
func (s *EtcdStore) AcquireLease(ctx context.Context, instanceID, holder string, ttl time.Duration) (*Lease, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	grant, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return nil, fmt.Errorf("failed to grant etcd lease: %w", err)
	}
	key := s.keys.lease(instanceID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, holder, clientv3.WithLease(grant.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		_, _ = s.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		return nil, fmt.Errorf("failed to acquire lease in etcd: %w", err)
	}
	if !resp.Succeeded {
		_, _ = s.client.Revoke(context.WithoutCancel(ctx), grant.ID)
		current := ""
		if len(resp.Responses) > 0 {
			if rng := resp.Responses[0].GetResponseRange(); rng != nil && len(rng.Kvs) > 0 {
				current = string(rng.Kvs[0].Value)
			}
		}
		return nil, &LeaseHeldError{InstanceID: instanceID, Holder: current}
	}
	return &Lease{
		InstanceID: instanceID,
		Holder:     holder,
		ExpiresAt:  s.now().Add(time.Duration(grant.TTL) * time.Second),
		Token:      int64(grant.ID),
	}, nil
}

// ReleaseLease drops the claim if it is still held by the same holder.
func (s *EtcdStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	key := s.keys.lease(lease.InstanceID)
	_, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", lease.Holder)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to release lease in etcd: %w", err)
	}
	if lease.Token != 0 {
		if _, err := s.client.Revoke(ctx, clientv3.LeaseID(lease.Token)); err != nil && !strings.Contains(err.Error(), "requested lease not found") {
			return fmt.Errorf("failed to revoke etcd lease: %w", err)
		}
	}
	return nil
}

// AppendAudit stores a firewall change entry.
func (s *EtcdStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	key := fmt.Sprintf("%s%020d-%s", s.keys.audit(e.InstanceID), e.CreatedAt.UnixNano(), uuid.NewString()[:8])
	if _, err := s.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to save audit entry to etcd: %w", err)
	}
	return nil
}

// ListAudit returns an instance's audit trail, oldest first.
func (s *EtcdStore) ListAudit(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	resp, err := s.client.Get(ctx, s.keys.audit(instanceID), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries from etcd: %w", err)
	}
	entries := make([]AuditEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e AuditEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func sealCredentials(sealer *Sealer, tenantID string, creds provisioning.Credentials) (storedCredentials, error) {
	if err := creds.Validate(); err != nil {
		return storedCredentials{}, err
	}
	if sealer == nil {
		return storedCredentials{}, fmt.Errorf("credential sealing is not configured")
	}
	secret, err := sealer.Seal(tenantID, creds.SecretAccessKey)
	if err != nil {
		return storedCredentials{}, err
	}
	return storedCredentials{
		AccessKeyID:    creds.AccessKeyID,
		SecretSealed:   secret,
		DefaultRegion:  creds.DefaultRegion,
		MachineImageID: creds.MachineImageID,
		InstanceType:   creds.InstanceType,
	}, nil
}

func openCredentials(sealer *Sealer, tenantID string, stored storedCredentials) (provisioning.Credentials, error) {
	if sealer == nil {
		return provisioning.Credentials{}, fmt.Errorf("credential sealing is not configured")
	}
	secret, err := sealer.Open(tenantID, stored.SecretSealed)
	if err != nil {
		return provisioning.Credentials{}, err
	}
	return provisioning.Credentials{
		AccessKeyID:     stored.AccessKeyID,
		SecretAccessKey: secret,
		DefaultRegion:   stored.DefaultRegion,
		MachineImageID:  stored.MachineImageID,
		InstanceType:    stored.InstanceType,
	}, nil
}
