package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"launchpad/internal/provisioning"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	now    func() time.Time
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*EtcdStore)(nil)

// NewPostgresStore opens a connection pool for dsn.
func NewPostgresStore(ctx context.Context, dsn string, sealer *Sealer) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool, sealer: sealer, now: time.Now}, nil
}

// Close releases underlying connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const recordColumns = `id, tenant_id, name, region, instance_id, instance_mode, repository, branch,
	status, log, deployed_url, error, created_at, updated_at, completed_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var mode, status string
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Region, &r.InstanceID, &mode, &r.Repository, &r.Branch,
		&status, &r.Log, &r.DeployedURL, &r.Error, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.InstanceMode = InstanceMode(mode)
	r.Status = Status(status)
	return &r, nil
}

// CreateRecord inserts a deployment record.
func (s *PostgresStore) CreateRecord(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	const query = `INSERT INTO deployments (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.pool.Exec(ctx, query, r.ID, r.TenantID, r.Name, r.Region, r.InstanceID, string(r.InstanceMode),
		r.Repository, r.Branch, string(r.Status), r.Log, r.DeployedURL, r.Error, r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: deployment %s already exists", ErrConflict, r.ID)
		}
		return fmt.Errorf("failed to insert deployment record: %w", err)
	}
	return nil
}

// GetRecord fetches a deployment record by identifier.
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM deployments WHERE id = $1`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get deployment record: %w", err)
	}
	return r, nil
}

// UpdateRecord replaces a record inside a row-locking transaction.
func (s *PostgresStore) UpdateRecord(ctx context.Context, r *Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const lock = `SELECT ` + recordColumns + ` FROM deployments WHERE id = $1 FOR UPDATE`
		prev, err := scanRecord(tx.QueryRow(ctx, lock, r.ID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("deployment %s: %w", r.ID, ErrNotFound)
			}
			return fmt.Errorf("failed to lock deployment record: %w", err)
		}
		if err := CheckUpdate(prev, r); err != nil {
			return err
		}
		const query = `UPDATE deployments SET region = $2, instance_id = $3, repository = $4, branch = $5,
			status = $6, log = $7, deployed_url = $8, error = $9, updated_at = $10, completed_at = $11
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query, r.ID, r.Region, r.InstanceID, r.Repository, r.Branch,
			string(r.Status), r.Log, r.DeployedURL, r.Error, r.UpdatedAt, r.CompletedAt); err != nil {
			return fmt.Errorf("failed to update deployment record: %w", err)
		}
		return nil
	})
}

// ListRecords returns a tenant's records, newest first.
func (s *PostgresStore) ListRecords(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT ` + recordColumns + ` FROM deployments
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PutCredentials seals and upserts a tenant's provider credentials.
func (s *PostgresStore) PutCredentials(ctx context.Context, tenantID string, creds provisioning.Credentials) error {
	stored, err := sealCredentials(s.sealer, tenantID, creds)
	if err != nil {
		return err
	}
	const query = `INSERT INTO provider_credentials
		(tenant_id, access_key_id, secret_sealed, default_region, machine_image_id, instance_type, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			access_key_id = EXCLUDED.access_key_id,
			secret_sealed = EXCLUDED.secret_sealed,
			default_region = EXCLUDED.default_region,
			machine_image_id = EXCLUDED.machine_image_id,
			instance_type = EXCLUDED.instance_type,
			updated_at = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query, tenantID, stored.AccessKeyID, stored.SecretSealed, stored.DefaultRegion,
		stored.MachineImageID, stored.InstanceType, s.now())
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// GetCredentials loads and unseals a tenant's provider credentials.
func (s *PostgresStore) GetCredentials(ctx context.Context, tenantID string) (provisioning.Credentials, error) {
	const query = `SELECT access_key_id, secret_sealed, default_region, machine_image_id, instance_type
		FROM provider_credentials WHERE tenant_id = $1`
	var stored storedCredentials
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(&stored.AccessKeyID, &stored.SecretSealed,
		&stored.DefaultRegion, &stored.MachineImageID, &stored.InstanceType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return provisioning.Credentials{}, fmt.Errorf("credentials for tenant %s: %w", tenantID, ErrNotFound)
		}
		return provisioning.Credentials{}, fmt.Errorf("failed to get credentials: %w", err)
	}
	return openCredentials(s.sealer, tenantID, stored)
}

// AcquireLease claims instanceID for holder. An existing row is taken over
// only once it has expired.
func (s *PostgresStore) AcquireLease(ctx context.Context, instanceID, holder string, ttl time.Duration) (*Lease, error) {
	now := s.now()
	expires := now.Add(ttl)
	const query = `INSERT INTO instance_leases (instance_id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE instance_leases.expires_at < $4
		RETURNING holder`
	var got string
	err := s.pool.QueryRow(ctx, query, instanceID, holder, expires, now).Scan(&got)
	if err == nil {
		return &Lease{InstanceID: instanceID, Holder: got, ExpiresAt: expires}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	var current string
	if err := s.pool.QueryRow(ctx, `SELECT holder FROM instance_leases WHERE instance_id = $1`, instanceID).Scan(&current); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read lease holder: %w", err)
	}
	return nil, &LeaseHeldError{InstanceID: instanceID, Holder: current}
}

// ReleaseLease deletes the claim if it is still held by the same holder.
func (s *PostgresStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	const query = `DELETE FROM instance_leases WHERE instance_id = $1 AND holder = $2`
	if _, err := s.pool.Exec(ctx, query, lease.InstanceID, lease.Holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// AppendAudit inserts a firewall change entry.
func (s *PostgresStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	const query = `INSERT INTO port_audit (tenant_id, instance_id, action, rule, security_group_id, changed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.pool.Exec(ctx, query, e.TenantID, e.InstanceID, e.Action, e.Rule, e.SecurityGroupID, e.Changed, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns an instance's audit trail, oldest first.
func (s *PostgresStore) ListAudit(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	const query = `SELECT tenant_id, instance_id, action, rule, security_group_id, changed, created_at
		FROM port_audit WHERE instance_id = $1 ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.TenantID, &e.InstanceID, &e.Action, &e.Rule, &e.SecurityGroupID, &e.Changed, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
