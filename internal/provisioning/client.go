package provisioning

import (
	"context"
	"time"
)

// Credentials are the provider credentials and per-tenant deployment
// defaults. They are owned by the credential store; everything else holds
// a borrowed copy for the duration of one call.
type Credentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	DefaultRegion   string `json:"default_region"`
	MachineImageID  string `json:"machine_image_id,omitempty"`
	InstanceType    string `json:"instance_type,omitempty"`
}

// Validate reports the first missing required field.
func (c Credentials) Validate() error {
	if c.AccessKeyID == "" {
		return &MissingCredentialsError{Field: "accessKeyId"}
	}
	if c.SecretAccessKey == "" {
		return &MissingCredentialsError{Field: "secretAccessKey"}
	}
	return nil
}

// InstanceState is the coarse lifecycle state of a cloud instance.
type InstanceState string

const (
	InstancePending    InstanceState = "pending"
	InstanceRunning    InstanceState = "running"
	InstanceStopped    InstanceState = "stopped"
	InstanceTerminated InstanceState = "terminated"
)

// InstanceSpec represents the specification for creating a VM
type InstanceSpec struct {
	Name            string
	ImageID         string
	InstanceType    string
	UserData        string
	InstanceProfile string
	SecurityGroupID string
	SubnetID        string
	KeyName         string
	Tags            map[string]string
}

// Instance is an observed cloud instance. The orchestrator never owns it.
type Instance struct {
	ID               string        `json:"instance_id"`
	Name             string        `json:"name,omitempty"`
	PublicIP         string        `json:"public_ip,omitempty"`
	PrivateIP        string        `json:"private_ip,omitempty"`
	State            InstanceState `json:"state"`
	InstanceType     string        `json:"instance_type,omitempty"`
	LaunchTime       time.Time     `json:"launch_time"`
	AvailabilityZone string        `json:"availability_zone,omitempty"`
	SecurityGroupIDs []string      `json:"security_group_ids,omitempty"`
}

// InvocationStatus is the state of a command on the remote-execution channel.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationSuccess   InvocationStatus = "success"
	InvocationFailed    InvocationStatus = "failed"
	InvocationCancelled InvocationStatus = "cancelled"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Terminal reports whether no further status change will happen.
func (s InvocationStatus) Terminal() bool {
	return s != InvocationPending && s != ""
}

// Invocation is one command dispatched to one instance.
type Invocation struct {
	CommandID  string
	InstanceID string
	Status     InvocationStatus
	// ProviderStatus is the raw status string reported by the provider.
	ProviderStatus string
	ResponseCode   int32
	Stdout         string
	Stderr         string
}

// PortResult describes the outcome of a firewall change.
type PortResult struct {
	SecurityGroupID string `json:"security_group_id,omitempty"`
	Rule            string `json:"rule,omitempty"`
	AlreadyOpen     bool   `json:"already_open,omitempty"`
	AlreadyClosed   bool   `json:"already_closed,omitempty"`
	// Changed is set when the provider added or removed a rule.
	Changed         bool   `json:"changed"`
	// StillOpenVia names a broader rule that keeps admitting the traffic
	// after a revoke.
	StillOpenVia    string `json:"still_open_via,omitempty"`
}

// Client defines the provider operations the orchestrator needs.
type Client interface {
	CreateInstance(ctx context.Context, spec InstanceSpec) (string, error)
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)
	WaitRunning(ctx context.Context, instanceID string) (*Instance, error)
	SendCommand(ctx context.Context, instanceID string, commands []string) (string, error)
	GetCommandResult(ctx context.Context, commandID, instanceID string) (*Invocation, error)
	GetBootConsoleLog(ctx context.Context, instanceID string) (string, error)
	OpenFirewallPort(ctx context.Context, instanceID string, port int32, cidr string) (*PortResult, error)
	RevokeFirewallPort(ctx context.Context, instanceID string, port int32, cidr string) (*PortResult, error)
	TerminateInstance(ctx context.Context, instanceID string) error
	Region() string
}
