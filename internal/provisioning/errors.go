package provisioning

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	// ErrInvocationNotFound means the provider has not indexed a command yet.
	ErrInvocationNotFound = errors.New("command invocation not yet visible")
	// ErrInstanceNotManaged means the instance agent has not registered with
	// the remote-execution channel yet.
	ErrInstanceNotManaged = errors.New("instance is not registered with the remote-execution channel")
	// ErrNoSecurityGroup means the instance has no security group to modify.
	ErrNoSecurityGroup = errors.New("instance has no security group")
)

// MissingCredentialsError is returned before any network call when a
// required credential field is empty.
type MissingCredentialsError struct {
	Field string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("provider credentials not configured: %s is required", e.Field)
}

// ProviderError wraps a failed provider API call with its code and message.
type ProviderError struct {
	Op               string
	Code             string
	Message          string
	PermissionDenied bool
	NotFound         bool
	Throttled        bool
	// MissingPermissions lists the IAM actions Op needs when PermissionDenied.
	MissingPermissions []string
	Err                error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Op)
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.PermissionDenied && len(e.MissingPermissions) > 0 {
		fmt.Fprintf(&b, "; required permissions: %s", strings.Join(e.MissingPermissions, ", "))
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

var requiredPermissions = map[string][]string{
	"RunInstances":                  {"ec2:RunInstances", "ec2:CreateTags", "iam:PassRole"},
	"DescribeInstances":             {"ec2:DescribeInstances"},
	"GetConsoleOutput":              {"ec2:GetConsoleOutput"},
	"DescribeSecurityGroups":        {"ec2:DescribeSecurityGroups"},
	"AuthorizeSecurityGroupIngress": {"ec2:AuthorizeSecurityGroupIngress"},
	"RevokeSecurityGroupIngress":    {"ec2:RevokeSecurityGroupIngress"},
	"TerminateInstances":            {"ec2:TerminateInstances"},
	"SendCommand":                   {"ssm:SendCommand"},
	"GetCommandInvocation":          {"ssm:GetCommandInvocation"},
}

var (
	deniedCodes = map[string]bool{
		"UnauthorizedOperation": true,
		"AccessDenied":          true,
		"AccessDeniedException": true,
		"UnauthorizedAccess":    true,
		"AuthFailure":           true,
	}
	notFoundCodes = map[string]bool{
		"InvalidInstanceID.NotFound":  true,
		"InvalidInstanceID.Malformed": true,
		"InvalidGroup.NotFound":       true,
	}
	throttleCodes = map[string]bool{
		"RequestLimitExceeded": true,
		"Throttling":           true,
		"ThrottlingException":  true,
	}
)

// ClassifyError turns an SDK error into a *ProviderError for op. Errors that
// are not API errors are wrapped with op context only.
func ClassifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	code := apiErr.ErrorCode()
	pe := &ProviderError{
		Op:               op,
		Code:             code,
		Message:          apiErr.ErrorMessage(),
		PermissionDenied: deniedCodes[code],
		NotFound:         notFoundCodes[code],
		Throttled:        throttleCodes[code],
		Err:              err,
	}
	if pe.PermissionDenied {
		pe.MissingPermissions = requiredPermissions[op]
	}
	return pe
}

// IsPermissionDenied reports whether err is a permission-denied provider error.
func IsPermissionDenied(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.PermissionDenied
}
