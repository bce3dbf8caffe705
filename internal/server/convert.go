package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"launchpad/api"
	"launchpad/internal/control"
	"launchpad/internal/deploy"
	"launchpad/internal/provisioning"
	"launchpad/internal/state"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}

	var missing *provisioning.MissingCredentialsError
	var perr *provisioning.ProviderError
	switch {
	case errors.As(err, &missing),
		errors.Is(err, deploy.ErrMissingInstanceID),
		errors.Is(err, deploy.ErrMissingTenant):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, state.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, deploy.ErrDeploymentInProgress), errors.Is(err, state.ErrLeaseHeld):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, provisioning.ErrInstanceNotManaged), errors.Is(err, provisioning.ErrNoSecurityGroup):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &perr) && perr.PermissionDenied:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.As(err, &perr) && perr.NotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &perr) && perr.Throttled:
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, control.ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func toStartResponse(res deploy.Result) *api.StartDeploymentResponse {
	resp := &api.StartDeploymentResponse{
		Success:      res.Success,
		DeploymentID: res.DeploymentID,
		Status:       string(res.Status),
		InstanceID:   res.InstanceID,
		DeployedURL:  res.DeployedURL,
		Log:          res.Log,
		Error:        res.Error,
	}
	if d := res.Details; d != nil {
		resp.Details = &api.FailureDetails{
			Stage:              d.Stage,
			ProviderCode:       d.ProviderCode,
			PermissionDenied:   d.PermissionDenied,
			MissingPermissions: d.MissingPermissions,
			CommandStatus:      d.CommandStatus,
			ResponseCode:       d.ResponseCode,
			TimedOut:           d.TimedOut,
			OutputTail:         d.OutputTail,
		}
	}
	return resp
}

func toDeployment(r *state.Record) *api.Deployment {
	return &api.Deployment{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Name:         r.Name,
		Region:       r.Region,
		InstanceID:   r.InstanceID,
		InstanceMode: string(r.InstanceMode),
		Repository:   r.Repository,
		Branch:       r.Branch,
		Status:       string(r.Status),
		Log:          r.Log,
		DeployedURL:  r.DeployedURL,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

func toInstance(inst *provisioning.Instance) *api.Instance {
	if inst == nil {
		return nil
	}
	return &api.Instance{
		InstanceID:       inst.ID,
		Name:             inst.Name,
		PublicIP:         inst.PublicIP,
		PrivateIP:        inst.PrivateIP,
		State:            string(inst.State),
		InstanceType:     inst.InstanceType,
		LaunchTime:       inst.LaunchTime,
		AvailabilityZone: inst.AvailabilityZone,
		SecurityGroupIDs: inst.SecurityGroupIDs,
	}
}

func toPortResponse(c *deploy.PortChange) *api.PortResponse {
	return &api.PortResponse{
		Success:         c.Success,
		AlreadyOpen:     c.AlreadyOpen,
		AlreadyClosed:   c.AlreadyClosed,
		SecurityGroupID: c.SecurityGroupID,
		Rule:            c.Rule,
		StillOpenVia:    c.StillOpenVia,
	}
}

// mask keeps the last four characters of a secret.
func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
