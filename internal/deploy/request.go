package deploy

import (
	"strings"

	"launchpad/internal/config"
	"launchpad/internal/state"
)

// Request is the input of one deployment attempt.
type Request struct {
	TenantID           string             `json:"tenant_id" yaml:"tenant_id"`
	Name               string             `json:"deployment_name" yaml:"deployment_name"`
	Region             string             `json:"region,omitempty" yaml:"region"`
	InstanceMode       state.InstanceMode `json:"instance_mode" yaml:"instance_mode"`
	ExistingInstanceID string             `json:"existing_instance_id,omitempty" yaml:"existing_instance_id"`
	Repository         string             `json:"github_repo" yaml:"github_repo"`
	Branch             string             `json:"branch,omitempty" yaml:"branch"`
	BuildCommand       string             `json:"build_command,omitempty" yaml:"build_command"`
	OutputDir          string             `json:"output_dir,omitempty" yaml:"output_dir"`
}

// withDefaults trims the request and fills optional fields from cfg.
func (r Request) withDefaults(cfg config.DeployConfig) Request {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Name = strings.TrimSpace(r.Name)
	r.Region = strings.TrimSpace(r.Region)
	r.ExistingInstanceID = strings.TrimSpace(r.ExistingInstanceID)
	r.Repository = strings.TrimSpace(r.Repository)
	r.Branch = strings.TrimSpace(r.Branch)
	r.BuildCommand = strings.TrimSpace(r.BuildCommand)
	r.OutputDir = strings.Trim(strings.TrimSpace(r.OutputDir), "/")

	if r.InstanceMode == "" {
		if r.ExistingInstanceID != "" {
			r.InstanceMode = state.InstanceModeExisting
		} else {
			r.InstanceMode = state.InstanceModeNew
		}
	}
	if r.Branch == "" {
		r.Branch = cfg.DefaultBranch
	}
	if r.BuildCommand == "" {
		r.BuildCommand = cfg.DefaultBuild
	}
	if r.OutputDir == "" {
		r.OutputDir = cfg.DefaultOutputDir
	}
	return r
}

// checkIdentity validates what is needed before a record can exist.
func (r Request) checkIdentity() error {
	switch {
	case r.TenantID == "":
		return ErrMissingTenant
	case r.Name == "":
		return ErrMissingName
	case r.InstanceMode != state.InstanceModeNew && r.InstanceMode != state.InstanceModeExisting:
		return ErrInvalidInstanceMode
	}
	return nil
}

// checkInputs validates the remaining required inputs. It runs after the
// record is created so the failure is recorded.
func (r Request) checkInputs() error {
	switch {
	case r.Repository == "":
		return ErrNoRepository
	case r.InstanceMode == state.InstanceModeExisting && r.ExistingInstanceID == "":
		return ErrMissingInstanceID
	case r.BuildCommand == "":
		return ErrMissingBuildCommand
	}
	return nil
}

// Result is the caller-visible outcome of Start.
type Result struct {
	Success      bool            `json:"success"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Status       state.Status    `json:"status,omitempty"`
	InstanceID   string          `json:"instance_id,omitempty"`
	DeployedURL  string          `json:"deployed_url,omitempty"`
	Log          string          `json:"log"`
	Error        string          `json:"error,omitempty"`
	Details      *FailureDetails `json:"details,omitempty"`
	// Err is the underlying error for in-process callers.
	Err error `json:"-"`
}

// FailureDetails carries enough context to debug without re-running.
type FailureDetails struct {
	Stage              string   `json:"stage"`
	ProviderCode       string   `json:"provider_code,omitempty"`
	PermissionDenied   bool     `json:"permission_denied,omitempty"`
	MissingPermissions []string `json:"missing_permissions,omitempty"`
	CommandStatus      string   `json:"command_status,omitempty"`
	ResponseCode       int32    `json:"response_code,omitempty"`
	TimedOut           bool     `json:"timed_out,omitempty"`
	OutputTail         string   `json:"output_tail,omitempty"`
}
