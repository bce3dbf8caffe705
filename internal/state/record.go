package state

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a deployment attempt.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusInProgress   Status = "in_progress"
	StatusSuccess      Status = "success"
	StatusFailed       Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProvisioning:
		return 1
	case StatusInProgress:
		return 2
	case StatusSuccess, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// InstanceMode tells whether a deployment creates an instance or reuses one.
type InstanceMode string

const (
	InstanceModeNew      InstanceMode = "new"
	InstanceModeExisting InstanceMode = "existing"
)

// Record is the persisted audit row for one deployment attempt.
type Record struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	Name         string       `json:"name"`
	Region       string       `json:"region"`
	InstanceID   string       `json:"instance_id,omitempty"`
	InstanceMode InstanceMode `json:"instance_mode"`
	Repository   string       `json:"repository,omitempty"`
	Branch       string       `json:"branch,omitempty"`
	Status       Status       `json:"status"`
	Log          string       `json:"log"`
	DeployedURL  string       `json:"deployed_url,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// NewRecord returns a pending record.
func NewRecord(id, tenantID, name string, mode InstanceMode, now time.Time) *Record {
	return &Record{
		ID:           id,
		TenantID:     tenantID,
		Name:         name,
		InstanceMode: mode,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the record forward to status to. Moving backwards, staying
// put, or leaving a terminal status is rejected. CompletedAt is set exactly
// when the new status is terminal.
func (r *Record) Transition(to Status, now time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if r.Status.Terminal() || to.rank() <= r.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	if to.Terminal() {
		t := now
		r.CompletedAt = &t
	}
	return nil
}

// AppendLog adds text to the log, one entry per line.
func (r *Record) AppendLog(text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	if r.Log != "" && !strings.HasSuffix(r.Log, "\n") {
		r.Log += "\n"
	}
	r.Log += text + "\n"
}

// Logf appends a formatted line to the log.
func (r *Record) Logf(format string, args ...any) {
	r.AppendLog(fmt.Sprintf(format, args...))
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Status.Terminal() != (r.CompletedAt != nil) {
		return fmt.Errorf("record %s: completed_at must be set if and only if status is terminal (status=%s)", r.ID, r.Status)
	}
	return nil
}

// CheckUpdate validates replacing the persisted prev with next.
func CheckUpdate(prev, next *Record) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: record %s is already %s", ErrInvalidTransition, prev.ID, prev.Status)
	}
	if next.Status.rank() < prev.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if !strings.HasPrefix(next.Log, prev.Log) {
		return fmt.Errorf("record %s: log is append-only", prev.ID)
	}
	return nil
}
