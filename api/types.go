// Package api defines the Launchpad RPC messages, service descriptor and
// client.
package api

import "time"

type StartDeploymentRequest struct {
	TenantID           string `json:"tenant_id"`
	DeploymentName     string `json:"deployment_name"`
	Region             string `json:"region,omitempty"`
	InstanceMode       string `json:"instance_mode"`
	ExistingInstanceID string `json:"existing_instance_id,omitempty"`
	GithubRepo         string `json:"github_repo"`
	Branch             string `json:"branch,omitempty"`
	BuildCommand       string `json:"build_command,omitempty"`
	OutputDir          string `json:"output_dir,omitempty"`
}

type StartDeploymentResponse struct {
	Success      bool            `json:"success"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	InstanceID   string          `json:"instance_id,omitempty"`
	DeployedURL  string          `json:"deployed_url,omitempty"`
	Log          string          `json:"log"`
	Error        string          `json:"error,omitempty"`
	Details      *FailureDetails `json:"details,omitempty"`
}

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

type Deployment struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	Name         string     `json:"name"`
	Region       string     `json:"region"`
	InstanceID   string     `json:"instance_id,omitempty"`
	InstanceMode string     `json:"instance_mode"`
	Repository   string     `json:"repository,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Status       string     `json:"status"`
	Log          string     `json:"log"`
	DeployedURL  string     `json:"deployed_url,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type GetDeploymentRequest struct {
	TenantID     string `json:"tenant_id"`
	DeploymentID string `json:"deployment_id"`
}

type GetDeploymentResponse struct {
	Deployment *Deployment `json:"deployment"`
}

type ListDeploymentsRequest struct {
	TenantID string `json:"tenant_id"`
	Limit    int    `json:"limit,omitempty"`
}

type ListDeploymentsResponse struct {
	Deployments []*Deployment `json:"deployments"`
}

// InstanceRequest addresses one instance; shared by the instance RPCs.
type InstanceRequest struct {
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	Region     string `json:"region,omitempty"`
}

type Instance struct {
	InstanceID       string    `json:"instance_id"`
	Name             string    `json:"name,omitempty"`
	PublicIP         string    `json:"public_ip,omitempty"`
	PrivateIP        string    `json:"private_ip,omitempty"`
	State            string    `json:"state"`
	InstanceType     string    `json:"instance_type,omitempty"`
	LaunchTime       time.Time `json:"launch_time"`
	AvailabilityZone string    `json:"availability_zone,omitempty"`
	SecurityGroupIDs []string  `json:"security_group_ids,omitempty"`
}

type InstanceDetailsResponse struct {
	InstanceInfo  *Instance         `json:"instance_info"`
	SystemDetails map[string]string `json:"system_details"`
	RawOutput     string            `json:"raw_output"`
	Errors        []string          `json:"errors,omitempty"`
}

type ConsoleDiagnostics struct {
	SetupStarted    bool            `json:"setup_started"`
	SetupComplete   bool            `json:"setup_complete"`
	ProgressPercent int             `json:"progress_percent"`
	CurrentStep     string          `json:"current_step"`
	Steps           map[string]bool `json:"steps"`
	Errors          []string        `json:"errors"`
	Warnings        []string        `json:"warnings"`
	LastLogLines    []string        `json:"last_log_lines"`
}

type ConsoleDiagnosticsResponse struct {
	Diagnostics   ConsoleDiagnostics `json:"diagnostics"`
	ConsoleOutput string             `json:"console_output"`
}

type PortResponse struct {
	Success         bool   `json:"success"`
	AlreadyOpen     bool   `json:"already_open,omitempty"`
	AlreadyClosed   bool   `json:"already_closed,omitempty"`
	SecurityGroupID string `json:"security_group_id,omitempty"`
	Rule            string `json:"rule,omitempty"`
	StillOpenVia    string `json:"still_open_via,omitempty"`
}

type PortAuditEntry struct {
	Action          string    `json:"action"`
	Rule            string    `json:"rule"`
	SecurityGroupID string    `json:"security_group_id,omitempty"`
	Changed         bool      `json:"changed"`
	CreatedAt       time.Time `json:"created_at"`
}

type PortAuditResponse struct {
	Entries []PortAuditEntry `json:"entries"`
}

type TerminateResponse struct {
	Success bool `json:"success"`
}

type PutCredentialsRequest struct {
	TenantID        string `json:"tenant_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	DefaultRegion   string `json:"default_region,omitempty"`
	MachineImageID  string `json:"machine_image_id,omitempty"`
	InstanceType    string `json:"instance_type,omitempty"`
}

type PutCredentialsResponse struct {
	Success bool `json:"success"`
}

type GetCredentialsRequest struct {
	TenantID string `json:"tenant_id"`
}

// CredentialsResponse never carries the secret; it is masked.
type CredentialsResponse struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	DefaultRegion   string `json:"default_region,omitempty"`
	MachineImageID  string `json:"machine_image_id,omitempty"`
	InstanceType    string `json:"instance_type,omitempty"`
}
