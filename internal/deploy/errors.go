package deploy

import (
	"errors"
	"fmt"
)

// Precondition errors. They are detected before any remote call.
var (
	ErrNoRepository        = errors.New("no repository configured")
	ErrMissingName         = errors.New("deployment name is required")
	ErrMissingInstanceID   = errors.New("existingInstanceId is required when instanceMode is existing")
	ErrMissingBuildCommand = errors.New("buildCommand is required")
	ErrInvalidInstanceMode = errors.New("instanceMode must be new or existing")
	ErrMissingTenant       = errors.New("tenant id is required")
)

// ErrDeploymentInProgress is returned when another deployment holds the
// instance lease.
var ErrDeploymentInProgress = errors.New("deployment already in progress")

// ErrInstanceNotRunning is returned when a reused instance cannot take a
// deployment.
var ErrInstanceNotRunning = errors.New("instance is not running")

// ErrNoPublicAddress is returned when the built site has no address to be
// served from. A successful deployment always carries a URL.
var ErrNoPublicAddress = errors.New("instance has no public address")

// StageError tags an error with the pipeline stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline stages reported in failure details.
const (
	StageValidate  = "validate"
	StageProvision = "provision"
	StageLease     = "lease"
	StageDeploy    = "deploy"
	StageRecord    = "record"
)
