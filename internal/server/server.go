// Package server exposes the orchestrator over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"launchpad/api"
	"launchpad/internal/config"
	"launchpad/internal/control"
	"launchpad/internal/deploy"
	"launchpad/internal/logging"
	"launchpad/internal/metrics"
	"launchpad/internal/provisioning"
	"launchpad/internal/state"
)

// Deps are the collaborators a Server is built from.
type Deps struct {
	Store   state.Store
	Factory provisioning.Factory
	Metrics *metrics.Metrics
	// Prober and RunnerOptions override pipeline defaults, used by tests.
	Prober        deploy.Prober
	RunnerOptions []control.Option
}

// Server represents the Launchpad gRPC server
type Server struct {
	cfg       *config.Config
	store     state.Store
	driver    *deploy.Driver
	instances *deploy.Instances
	metrics   *metrics.Metrics
}

var _ api.LaunchpadServer = (*Server)(nil)

// PollPolicy converts the remote section of the configuration.
func PollPolicy(cfg config.RemoteConfig) control.PollPolicy {
	return control.PollPolicy{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.MaxAttempts,
		Multiplier:  cfg.Multiplier,
		MaxInterval: cfg.MaxInterval,
		Jitter:      cfg.Jitter,
	}
}

// NewServer opens the configured store and builds a Server on AWS.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, err := state.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	factory := provisioning.NewAWSFactory(provisioning.WaitPolicy{
		Interval:    cfg.InstanceWait.Interval,
		MaxAttempts: cfg.InstanceWait.MaxAttempts,
	})
	return New(cfg, Deps{Store: store, Factory: factory, Metrics: metrics.New()}), nil
}

// New builds a Server from explicit dependencies.
func New(cfg *config.Config, deps Deps) *Server {
	poll := PollPolicy(cfg.Remote)
	return &Server{
		cfg:     cfg,
		store:   deps.Store,
		metrics: deps.Metrics,
		driver: deploy.NewDriver(deploy.Options{
			Factory:       deps.Factory,
			Records:       deps.Store,
			Leases:        deps.Store,
			Metrics:       deps.Metrics,
			Provider:      cfg.Provider,
			Deploy:        cfg.Deploy,
			Poll:          poll,
			Prober:        deps.Prober,
			RunnerOptions: deps.RunnerOptions,
		}),
		instances: deploy.NewInstances(deploy.InstanceOptions{
			Factory:       deps.Factory,
			Audit:         deps.Store,
			Metrics:       deps.Metrics,
			Provider:      cfg.Provider,
			Deploy:        cfg.Deploy,
			Poll:          poll,
			RunnerOptions: deps.RunnerOptions,
		}),
	}
}

// GRPCServer builds a grpc.Server with the service registered.
func (s *Server) GRPCServer() *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverInterceptor, s.observeInterceptor))
	api.RegisterLaunchpadServer(gs, s)
	return gs
}

// Start serves gRPC on the configured port and metrics on the metrics port
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if s.metrics != nil && s.cfg.Server.MetricsPort > 0 {
		go func() {
			if err := s.metrics.Serve(ctx, fmt.Sprintf(":%d", s.cfg.Server.MetricsPort)); err != nil {
				logging.Logger().Error("Metrics listener failed", zap.Error(err))
			}
		}()
	}

	gs := s.GRPCServer()
	go func() {
		<-ctx.Done()
		logging.Logger().Info("Stopping gRPC server")
		gs.GracefulStop()
	}()

	logging.Logger().Info("Starting gRPC server", zap.Int("port", s.cfg.Server.Port))
	return gs.Serve(lis)
}

// Close releases the store and worker pool.
func (s *Server) Close() error {
	s.instances.Close()
	return s.store.Close()
}

func (s *Server) observeInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	s.metrics.RPC(info.FullMethod, code.String(), time.Since(start))

	fields := []zap.Field{zap.String("method", info.FullMethod), zap.String("code", code.String()), zap.Duration("duration", time.Since(start))}
	if err != nil {
		logging.Logger().Warn("RPC failed", append(fields, zap.Error(err))...)
	} else {
		logging.Logger().Debug("RPC handled", fields...)
	}
	return resp, err
}

func (s *Server) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger().Error("RPC panicked", zap.String("method", info.FullMethod), zap.Any("panic", r), zap.Stack("stack"))
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// credentials looks up a tenant's provider credentials. Absent credentials
// yield the zero value so the pipeline records the precondition failure.
func (s *Server) credentials(ctx context.Context, tenantID string) (provisioning.Credentials, error) {
	creds, err := s.store.GetCredentials(ctx, tenantID)
	if errors.Is(err, state.ErrNotFound) {
		return provisioning.Credentials{}, nil
	}
	if err != nil {
		return provisioning.Credentials{}, status.Errorf(codes.Unavailable, "failed to load credentials: %v", err)
	}
	return creds, nil
}

// StartDeployment implements the StartDeployment RPC. Pipeline failures are
// reported in the response, not as RPC errors.
func (s *Server) StartDeployment(ctx context.Context, req *api.StartDeploymentRequest) (*api.StartDeploymentResponse, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, status.Error(codes.InvalidArgument, deploy.ErrMissingTenant.Error())
	}
	creds, err := s.credentials(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	res := s.driver.Start(ctx, creds, deploy.Request{
		TenantID:           req.TenantID,
		Name:               req.DeploymentName,
		Region:             req.Region,
		InstanceMode:       state.InstanceMode(req.InstanceMode),
		ExistingInstanceID: req.ExistingInstanceID,
		Repository:         req.GithubRepo,
		Branch:             req.Branch,
		BuildCommand:       req.BuildCommand,
		OutputDir:          req.OutputDir,
	})
	return toStartResponse(res), nil
}

// GetDeployment implements the GetDeployment RPC
func (s *Server) GetDeployment(ctx context.Context, req *api.GetDeploymentRequest) (*api.GetDeploymentResponse, error) {
	rec, err := s.store.GetRecord(ctx, req.DeploymentID)
	if err != nil {
		return nil, toStatus(err)
	}
	if rec.TenantID != req.TenantID {
		return nil, status.Errorf(codes.NotFound, "deployment %s not found", req.DeploymentID)
	}
	return &api.GetDeploymentResponse{Deployment: toDeployment(rec)}, nil
}

// ListDeployments implements the ListDeployments RPC
func (s *Server) ListDeployments(ctx context.Context, req *api.ListDeploymentsRequest) (*api.ListDeploymentsResponse, error) {
	records, err := s.store.ListRecords(ctx, req.TenantID, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &api.ListDeploymentsResponse{Deployments: make([]*api.Deployment, 0, len(records))}
	for _, r := range records {
		resp.Deployments = append(resp.Deployments, toDeployment(r))
	}
	return resp, nil
}

// GetInstanceDetails implements the GetInstanceDetails RPC
func (s *Server) GetInstanceDetails(ctx context.Context, req *api.InstanceRequest) (*api.InstanceDetailsResponse, error) {
	creds, target, err := s.instanceCall(ctx, req)
	if err != nil {
		return nil, err
	}
	details, err := s.instances.Details(ctx, creds, target)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.InstanceDetailsResponse{
		InstanceInfo:  toInstance(details.InstanceInfo),
		SystemDetails: details.SystemDetails,
		RawOutput:     details.RawOutput,
		Errors:        details.Errors,
	}, nil
}

// GetConsoleDiagnostics implements the GetConsoleDiagnostics RPC
func (s *Server) GetConsoleDiagnostics(ctx context.Context, req *api.InstanceRequest) (*api.ConsoleDiagnosticsResponse, error) {
	creds, target, err := s.instanceCall(ctx, req)
	if err != nil {
		return nil, err
	}
	report, err := s.instances.ConsoleDiagnostics(ctx, creds, target)
	if err != nil {
		return nil, toStatus(err)
	}
	d := report.Diagnostics
	return &api.ConsoleDiagnosticsResponse{
		Diagnostics: api.ConsoleDiagnostics{
			SetupStarted:    d.SetupStarted,
			SetupComplete:   d.SetupComplete,
			ProgressPercent: d.ProgressPercent,
			CurrentStep:     d.CurrentStep,
			Steps:           d.Steps,
			Errors:          d.Errors,
			Warnings:        d.Warnings,
			LastLogLines:    d.LastLogLines,
		},
		ConsoleOutput: report.ConsoleOutput,
	}, nil
}

// OpenHTTPPort implements the OpenHTTPPort RPC
func (s *Server) OpenHTTPPort(ctx context.Context, req *api.InstanceRequest) (*api.PortResponse, error) {
	creds, target, err := s.instanceCall(ctx, req)
	if err != nil {
		return nil, err
	}
	change, err := s.instances.OpenHTTPPort(ctx, creds, target)
	if err != nil {
		return nil, toStatus(err)
	}
	return toPortResponse(change), nil
}

// RevokeHTTPPort implements the RevokeHTTPPort RPC
func (s *Server) RevokeHTTPPort(ctx context.Context, req *api.InstanceRequest) (*api.PortResponse, error) {
	creds, target, err := s.instanceCall(ctx, req)
	if err != nil {
		return nil, err
	}
	change, err := s.instances.RevokeHTTPPort(ctx, creds, target)
	if err != nil {
		return nil, toStatus(err)
	}
	return toPortResponse(change), nil
}

// ListPortAudit implements the ListPortAudit RPC
func (s *Server) ListPortAudit(ctx context.Context, req *api.InstanceRequest) (*api.PortAuditResponse, error) {
	target, err := targetOf(req)
	if err != nil {
		return nil, err
	}
	entries, err := s.instances.AuditTrail(ctx, target.InstanceID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &api.PortAuditResponse{Entries: make([]api.PortAuditEntry, 0, len(entries))}
	for _, e := range entries {
		if e.TenantID != target.TenantID {
			continue
		}
		resp.Entries = append(resp.Entries, api.PortAuditEntry{
			Action:          e.Action,
			Rule:            e.Rule,
			SecurityGroupID: e.SecurityGroupID,
			Changed:         e.Changed,
			CreatedAt:       e.CreatedAt,
		})
	}
	return resp, nil
}

// TerminateInstance implements the TerminateInstance RPC
func (s *Server) TerminateInstance(ctx context.Context, req *api.InstanceRequest) (*api.TerminateResponse, error) {
	creds, target, err := s.instanceCall(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.instances.Terminate(ctx, creds, target); err != nil {
		return nil, toStatus(err)
	}
	return &api.TerminateResponse{Success: true}, nil
}

// PutCredentials implements the PutCredentials RPC
func (s *Server) PutCredentials(ctx context.Context, req *api.PutCredentialsRequest) (*api.PutCredentialsResponse, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return nil, status.Error(codes.InvalidArgument, deploy.ErrMissingTenant.Error())
	}
	creds := provisioning.Credentials{
		AccessKeyID:     strings.TrimSpace(req.AccessKeyID),
		SecretAccessKey: strings.TrimSpace(req.SecretAccessKey),
		DefaultRegion:   strings.TrimSpace(req.DefaultRegion),
		MachineImageID:  strings.TrimSpace(req.MachineImageID),
		InstanceType:    strings.TrimSpace(req.InstanceType),
	}
	if err := s.store.PutCredentials(ctx, req.TenantID, creds); err != nil {
		return nil, toStatus(err)
	}
	logging.Audit().Info("Provider credentials updated",
		zap.String("tenant_id", req.TenantID),
		zap.String("access_key_id", creds.AccessKeyID))
	return &api.PutCredentialsResponse{Success: true}, nil
}

// GetCredentials implements the GetCredentials RPC. The secret is masked.
func (s *Server) GetCredentials(ctx context.Context, req *api.GetCredentialsRequest) (*api.CredentialsResponse, error) {
	creds, err := s.store.GetCredentials(ctx, req.TenantID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &api.CredentialsResponse{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: mask(creds.SecretAccessKey),
		DefaultRegion:   creds.DefaultRegion,
		MachineImageID:  creds.MachineImageID,
		InstanceType:    creds.InstanceType,
	}, nil
}

func (s *Server) instanceCall(ctx context.Context, req *api.InstanceRequest) (provisioning.Credentials, deploy.Target, error) {
	target, err := targetOf(req)
	if err != nil {
		return provisioning.Credentials{}, deploy.Target{}, err
	}
	creds, err := s.credentials(ctx, target.TenantID)
	if err != nil {
		return provisioning.Credentials{}, deploy.Target{}, err
	}
	return creds, target, nil
}

// targetOf validates the tenant and instance of a request.
func targetOf(req *api.InstanceRequest) (deploy.Target, error) {
	if strings.TrimSpace(req.TenantID) == "" {
		return deploy.Target{}, status.Error(codes.InvalidArgument, deploy.ErrMissingTenant.Error())
	}
	if strings.TrimSpace(req.InstanceID) == "" {
		return deploy.Target{}, status.Error(codes.InvalidArgument, "instance_id is required")
	}
	return deploy.Target{TenantID: req.TenantID, InstanceID: req.InstanceID, Region: req.Region}, nil
}
