package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"launchpad/internal/config"
	"launchpad/internal/control"
	"launchpad/internal/diagnostics"
	"launchpad/internal/logging"
	"launchpad/internal/metrics"
	"launchpad/internal/provisioning"
	"launchpad/internal/state"
)

// HTTP ingress managed by the port operations.
const (
	httpPort int32 = 80
	anyCIDR        = "0.0.0.0/0"
)

// Target addresses one instance of one tenant.
type Target struct {
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	Region     string `json:"region,omitempty"`
}

// InstanceDetails is the merged result of the details flow.
type InstanceDetails struct {
	InstanceInfo  *provisioning.Instance `json:"instance_info"`
	SystemDetails map[string]string      `json:"system_details"`
	RawOutput     string                 `json:"raw_output"`
	// Errors lists dumps that could not be collected.
	Errors []string `json:"errors,omitempty"`
}

// ConsoleReport pairs parsed diagnostics with the raw console text.
type ConsoleReport struct {
	Diagnostics   diagnostics.ConsoleDiagnostics `json:"diagnostics"`
	ConsoleOutput string                         `json:"console_output"`
}

// PortChange is the outcome of an open or revoke.
type PortChange struct {
	Success         bool   `json:"success"`
	AlreadyOpen     bool   `json:"already_open,omitempty"`
	AlreadyClosed   bool   `json:"already_closed,omitempty"`
	SecurityGroupID string `json:"security_group_id,omitempty"`
	Rule            string `json:"rule,omitempty"`
	// StillOpenVia is set when a broader rule keeps the port reachable.
	StillOpenVia    string `json:"still_open_via,omitempty"`
}

// InstanceOptions wires an Instances service.
type InstanceOptions struct {
	Factory       provisioning.Factory
	Audit         state.AuditStore
	Metrics       *metrics.Metrics
	Provider      config.ProviderConfig
	Deploy        config.DeployConfig
	Poll          control.PollPolicy
	RunnerOptions []control.Option
	// MaxConcurrency bounds the parallel read-only queries.
	MaxConcurrency int
}

// Instances implements the read-only and firewall flows on instances.
type Instances struct {
	factory   provisioning.Factory
	audit     state.AuditStore
	metrics   *metrics.Metrics
	provider  config.ProviderConfig
	cfg       config.DeployConfig
	poll      control.PollPolicy
	runnerOpt []control.Option
	pool      pond.Pool
}

// NewInstances creates an Instances service. Call Close to stop its pool.
func NewInstances(opts InstanceOptions) *Instances {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 12
	}
	return &Instances{
		factory:   opts.Factory,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		provider:  opts.Provider,
		cfg:       opts.Deploy,
		poll:      opts.Poll,
		runnerOpt: opts.RunnerOptions,
		pool:      pond.NewPool(opts.MaxConcurrency),
	}
}

// Close waits for running queries and stops the pool.
func (s *Instances) Close() {
	s.pool.StopAndWait()
}

func (s *Instances) client(ctx context.Context, creds provisioning.Credentials, t Target) (provisioning.Client, error) {
	if t.InstanceID == "" {
		return nil, ErrMissingInstanceID
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	region := provisioning.ResolveRegion(t.Region, creds, s.provider.DefaultRegion)
	return s.factory(ctx, region, creds)
}

// Details describes the instance and collects the system and service dumps
// concurrently. A dump that fails is reported in Errors; a failed describe
// fails the call and cancels the dumps still running.
func (s *Instances) Details(ctx context.Context, creds provisioning.Credentials, t Target) (*InstanceDetails, error) {
	client, err := s.client(ctx, creds, t)
	if err != nil {
		return nil, err
	}
	runner := control.NewRunner(client, s.poll, s.runnerOptions()...)

	var (
		mu      sync.Mutex
		info    *provisioning.Instance
		outputs = make([]string, 2)
		errs    []string
	)
	dumps := [][]string{
		diagnostics.SystemInfoScript(),
		diagnostics.ServiceStatusScript(s.cfg.AppRoot),
	}

	group := s.pool.NewGroupContext(ctx)
	gctx := group.Context()
	group.SubmitErr(func() error {
		inst, err := client.DescribeInstance(gctx, t.InstanceID)
		if err != nil {
			return err
		}
		mu.Lock()
		info = inst
		mu.Unlock()
		return nil
	})
	for i, script := range dumps {
		group.Submit(func() {
			res, err := runner.Run(gctx, t.InstanceID, script)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err.Error())
				outputs[i] = commandOutput(res, err)
				return
			}
			outputs[i] = res.Output
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	raw := strings.Join(nonEmpty(outputs), "\n")
	details := &InstanceDetails{
		InstanceInfo:  info,
		SystemDetails: diagnostics.ParseSections(raw),
		RawOutput:     raw,
		Errors:        errs,
	}
	logging.Logger().Info("Collected instance details",
		zap.String("instance_id", t.InstanceID),
		zap.Int("sections", len(details.SystemDetails)),
		zap.Strings("errors", logging.TruncateSlice(errs, 5)))
	return details, nil
}

// ConsoleDiagnostics reads the boot console and estimates setup progress.
// The estimate is for display only.
func (s *Instances) ConsoleDiagnostics(ctx context.Context, creds provisioning.Credentials, t Target) (*ConsoleReport, error) {
	client, err := s.client(ctx, creds, t)
	if err != nil {
		return nil, err
	}
	raw, err := client.GetBootConsoleLog(ctx, t.InstanceID)
	if err != nil {
		return nil, err
	}
	return &ConsoleReport{
		Diagnostics:   diagnostics.AnalyzeConsole(raw),
		ConsoleOutput: raw,
	}, nil
}

// OpenHTTPPort allows inbound HTTP from anywhere. Opening an already open
// port changes nothing and reports AlreadyOpen.
func (s *Instances) OpenHTTPPort(ctx context.Context, creds provisioning.Credentials, t Target) (*PortChange, error) {
	client, err := s.client(ctx, creds, t)
	if err != nil {
		return nil, err
	}
	res, err := client.OpenFirewallPort(ctx, t.InstanceID, httpPort, anyCIDR)
	if err != nil {
		return nil, err
	}
	s.record(ctx, t, "open", res, res.Changed)
	return &PortChange{
		Success:         true,
		AlreadyOpen:     res.AlreadyOpen,
		SecurityGroupID: res.SecurityGroupID,
		Rule:            res.Rule,
	}, nil
}

// RevokeHTTPPort removes the rule added by OpenHTTPPort. A broader rule that
// still admits HTTP is left alone and reported in StillOpenVia.
func (s *Instances) RevokeHTTPPort(ctx context.Context, creds provisioning.Credentials, t Target) (*PortChange, error) {
	client, err := s.client(ctx, creds, t)
	if err != nil {
		return nil, err
	}
	res, err := client.RevokeFirewallPort(ctx, t.InstanceID, httpPort, anyCIDR)
	if err != nil {
		return nil, err
	}
	s.record(ctx, t, "revoke", res, res.Changed)
	return &PortChange{
		Success:         true,
		AlreadyClosed:   res.AlreadyClosed,
		SecurityGroupID: res.SecurityGroupID,
		Rule:            res.Rule,
		StillOpenVia:    res.StillOpenVia,
	}, nil
}

// Terminate deletes the instance. The pipeline never calls this.
func (s *Instances) Terminate(ctx context.Context, creds provisioning.Credentials, t Target) error {
	client, err := s.client(ctx, creds, t)
	if err != nil {
		return err
	}
	if err := client.TerminateInstance(ctx, t.InstanceID); err != nil {
		return err
	}
	logging.Audit().Info("Instance terminated",
		zap.String("tenant_id", t.TenantID),
		zap.String("instance_id", t.InstanceID))
	return nil
}

func (s *Instances) record(ctx context.Context, t Target, action string, res *provisioning.PortResult, changed bool) {
	s.metrics.PortChange(action, changed)
	logging.Audit().Info("Firewall rule "+action,
		zap.String("tenant_id", t.TenantID),
		zap.String("instance_id", t.InstanceID),
		zap.String("security_group_id", res.SecurityGroupID),
		zap.String("rule", res.Rule),
		zap.Bool("changed", changed))

	if s.audit == nil {
		return
	}
	entry := state.AuditEntry{
		TenantID:        t.TenantID,
		InstanceID:      t.InstanceID,
		Action:          action,
		Rule:            res.Rule,
		SecurityGroupID: res.SecurityGroupID,
		Changed:         changed,
	}
	if err := s.audit.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		logging.Logger().Error("Failed to store audit entry", zap.String("instance_id", t.InstanceID), zap.Error(err))
	}
}

func (s *Instances) runnerOptions() []control.Option {
	opts := []control.Option{control.WithObserver(func(attempts int, outcome string) {
		s.metrics.RemoteCommand(outcome, attempts)
	})}
	return append(opts, s.runnerOpt...)
}

func nonEmpty(items []string) []string {
	out := items[:0:0]
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// AuditTrail returns the firewall changes recorded for an instance.
func (s *Instances) AuditTrail(ctx context.Context, instanceID string) ([]state.AuditEntry, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("audit store not configured")
	}
	return s.audit.ListAudit(ctx, instanceID)
}
