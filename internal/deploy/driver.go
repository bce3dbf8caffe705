// Package deploy drives deployments and the instance maintenance flows on
// top of the provider client, the remote command runner and the stores.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"launchpad/internal/config"
	"launchpad/internal/control"
	"launchpad/internal/logging"
	"launchpad/internal/metrics"
	"launchpad/internal/provisioning"
	"launchpad/internal/state"
)

// outputTailLines bounds how much remote output is copied into the record log.
const outputTailLines = 200

// Options wires a Driver.
type Options struct {
	Factory  provisioning.Factory
	Records  state.RecordStore
	Leases   state.LeaseStore
	Metrics  *metrics.Metrics
	Provider config.ProviderConfig
	Deploy   config.DeployConfig
	Poll     control.PollPolicy
	// Prober defaults to an HTTPProber when Deploy.HealthCheck is set.
	Prober Prober
	// RunnerOptions are passed to every control.Runner the driver builds.
	RunnerOptions []control.Option
	Now           func() time.Time
	NewID         func() string
}

// Driver runs the deployment pipeline. Steps run strictly in sequence.
type Driver struct {
	factory   provisioning.Factory
	records   state.RecordStore
	leases    state.LeaseStore
	metrics   *metrics.Metrics
	provider  config.ProviderConfig
	cfg       config.DeployConfig
	poll      control.PollPolicy
	prober    Prober
	runnerOpt []control.Option
	now       func() time.Time
	newID     func() string
}

// NewDriver creates a Driver.
func NewDriver(opts Options) *Driver {
	d := &Driver{
		factory:   opts.Factory,
		records:   opts.Records,
		leases:    opts.Leases,
		metrics:   opts.Metrics,
		provider:  opts.Provider,
		cfg:       opts.Deploy,
		poll:      opts.Poll,
		prober:    opts.Prober,
		runnerOpt: opts.RunnerOptions,
		now:       opts.Now,
		newID:     opts.NewID,
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.cfg.LeaseTTL <= 0 {
		d.cfg.LeaseTTL = 15 * time.Minute
	}
	if d.prober == nil {
		if d.cfg.HealthCheck {
			d.prober = NewHTTPProber(d.cfg.HealthAttempts)
		} else {
			d.prober = noProbe{}
		}
	}
	return d
}

// run holds the state of one pipeline execution.
type run struct {
	d      *Driver
	rec    *state.Record
	req    Request
	client provisioning.Client
	lease  *state.Lease
}

// Start runs one deployment attempt to a terminal status. Credentials are
// supplied by the caller; the driver never looks them up.
func (d *Driver) Start(ctx context.Context, creds provisioning.Credentials, req Request) Result {
	req = req.withDefaults(d.cfg)
	if err := req.checkIdentity(); err != nil {
		return Result{Error: err.Error(), Err: err, Details: &FailureDetails{Stage: StageValidate}}
	}

	now := d.now()
	rec := state.NewRecord(d.newID(), req.TenantID, req.Name, req.InstanceMode, now)
	rec.Region = provisioning.ResolveRegion(req.Region, creds, d.provider.DefaultRegion)
	rec.InstanceID = req.ExistingInstanceID
	rec.Repository = req.Repository
	rec.Branch = req.Branch
	rec.Logf("[%s] deployment %s created for %q in %s (%s instance)", stamp(now), rec.ID, req.Name, rec.Region, req.InstanceMode)

	log := logging.Logger().With(zap.String("deployment_id", rec.ID), zap.String("tenant_id", req.TenantID))
	if err := d.records.CreateRecord(ctx, rec); err != nil {
		log.Error("Failed to create deployment record", zap.Error(err))
		err = &StageError{Stage: StageRecord, Err: err}
		return Result{DeploymentID: rec.ID, Log: rec.Log, Error: err.Error(), Err: err, Details: &FailureDetails{Stage: StageRecord}}
	}
	log.Info("Deployment started",
		zap.String("name", req.Name),
		zap.String("region", rec.Region),
		zap.String("mode", string(req.InstanceMode)))

	r := &run{d: d, rec: rec, req: req}
	res := r.execute(ctx, creds, log)
	d.metrics.DeploymentFinished(string(res.Status), d.now().Sub(rec.CreatedAt))
	return res
}

func (r *run) execute(ctx context.Context, creds provisioning.Credentials, log *zap.Logger) Result {
	if err := r.req.checkInputs(); err != nil {
		return r.fail(ctx, log, StageValidate, err, "")
	}
	if err := creds.Validate(); err != nil {
		return r.fail(ctx, log, StageValidate, err, "")
	}

	client, err := r.d.factory(ctx, r.rec.Region, creds)
	if err != nil {
		return r.fail(ctx, log, StageProvision, err, "")
	}
	r.client = client

	if err := r.transition(ctx, state.StatusProvisioning); err != nil {
		return r.fail(ctx, log, StageRecord, err, "")
	}

	inst, err := r.provision(ctx, creds, log)
	if err != nil {
		return r.fail(ctx, log, StageProvision, err, "")
	}

	lease, err := r.d.leases.AcquireLease(ctx, inst.ID, r.rec.ID, r.d.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, state.ErrLeaseHeld) {
			err = fmt.Errorf("%w: %v", ErrDeploymentInProgress, err)
		}
		return r.fail(ctx, log, StageLease, err, "")
	}
	r.lease = lease
	defer r.release(ctx, log)

	if err := r.transition(ctx, state.StatusInProgress); err != nil {
		return r.fail(ctx, log, StageRecord, err, "")
	}

	output, err := r.deploy(ctx, inst, log)
	if err != nil {
		return r.fail(ctx, log, StageDeploy, err, output)
	}

	return r.succeed(ctx, inst, log)
}

// provision creates a new instance or validates the reused one.
func (r *run) provision(ctx context.Context, creds provisioning.Credentials, log *zap.Logger) (*provisioning.Instance, error) {
	if r.req.InstanceMode == state.InstanceModeExisting {
		r.logf("Using existing instance %s", r.req.ExistingInstanceID)
		inst, err := r.client.DescribeInstance(ctx, r.req.ExistingInstanceID)
		if err != nil {
			return nil, err
		}
		if inst.State != provisioning.InstanceRunning {
			return nil, fmt.Errorf("%w: %s is %s", ErrInstanceNotRunning, inst.ID, inst.State)
		}
		return inst, nil
	}

	script, err := provisioning.GenerateBootstrapScript(r.req.Name, r.rec.Region, provisioning.BootstrapOptions{
		WebRoot: r.d.cfg.WebRoot,
		AppRoot: r.d.cfg.AppRoot,
	})
	if err != nil {
		return nil, err
	}
	spec := provisioning.InstanceSpec{
		Name:            r.req.Name,
		ImageID:         provisioning.ResolveImage(creds, r.rec.Region),
		InstanceType:    provisioning.ResolveInstanceType(creds, r.d.provider.InstanceType),
		UserData:        script,
		InstanceProfile: r.d.provider.InstanceProfile,
		SecurityGroupID: r.d.provider.SecurityGroupID,
		SubnetID:        r.d.provider.SubnetID,
		KeyName:         r.d.provider.KeyName,
		Tags: map[string]string{
			"launchpad:deployment": r.rec.ID,
			"launchpad:tenant":     r.rec.TenantID,
		},
	}
	r.logf("Creating %s instance from image %s", spec.InstanceType, spec.ImageID)
	log.Info("Creating instance",
		zap.String("image_id", spec.ImageID),
		zap.String("instance_type", spec.InstanceType))

	id, err := r.client.CreateInstance(ctx, spec)
	if err != nil {
		return nil, err
	}
	r.rec.InstanceID = id
	r.logf("Instance %s created, waiting for it to run", id)
	r.persist(ctx, log)

	inst, err := r.client.WaitRunning(ctx, id)
	if err != nil {
		return nil, err
	}
	r.logf("Instance %s is running (public ip %s)", id, orNone(inst.PublicIP))
	return inst, nil
}

// deploy probes for an existing checkout and runs the command bundle.
func (r *run) deploy(ctx context.Context, inst *provisioning.Instance, log *zap.Logger) (string, error) {
	runner := control.NewRunner(r.client, r.d.poll, r.d.runnerOptions()...)
	layout := NewLayout(r.req.Name, r.d.cfg.AppRoot, r.d.cfg.WebRoot)

	probe, err := runner.Run(ctx, inst.ID, layout.ProbeCommands())
	if err != nil {
		return commandOutput(probe, err), fmt.Errorf("checkout probe: %w", err)
	}
	pull := strings.Contains(probe.Output, checkoutPresent)
	if pull {
		r.logf("Existing checkout found in %s, pulling %s", layout.AppDir, r.req.Branch)
	} else {
		r.logf("No checkout in %s, cloning %s at %s", layout.AppDir, r.req.Repository, r.req.Branch)
	}

	commands, err := BuildBundle(layout, r.d.cfg.AppRoot, r.req, r.rec.ID, pull)
	if err != nil {
		return "", err
	}
	r.logf("Running deploy bundle (%d lines)", len(commands))
	r.persist(ctx, log)

	res, err := runner.Run(ctx, inst.ID, commands)
	if err != nil {
		return commandOutput(res, err), err
	}
	r.rec.AppendLog(logging.Tail(res.Output, outputTailLines))
	log.Info("Deploy bundle finished", zap.Int("polls", res.Attempts), zap.Bool("pull", pull))
	return res.Output, nil
}

func (r *run) succeed(ctx context.Context, inst *provisioning.Instance, log *zap.Logger) Result {
	ip := inst.PublicIP
	if ip == "" {
		if fresh, err := r.client.DescribeInstance(ctx, inst.ID); err == nil {
			ip = fresh.PublicIP
		}
	}
	if ip == "" {
		return r.fail(ctx, log, StageDeploy, fmt.Errorf("%w: %s", ErrNoPublicAddress, inst.ID), "")
	}
	r.rec.DeployedURL = "http://" + ip

	if code, err := r.d.prober.Probe(ctx, r.rec.DeployedURL); err != nil {
		r.logf("Health check of %s failed: %v", r.rec.DeployedURL, err)
		log.Warn("Health check failed", zap.String("url", r.rec.DeployedURL), zap.Error(err))
	} else if code != 0 {
		r.logf("Health check of %s returned %d", r.rec.DeployedURL, code)
	}

	r.logf("Deployment succeeded")
	if err := r.rec.Transition(state.StatusSuccess, r.d.now()); err != nil {
		return r.fail(ctx, log, StageRecord, err, "")
	}
	r.persist(ctx, log)
	log.Info("Deployment succeeded", zap.String("url", r.rec.DeployedURL))

	return Result{
		Success:      true,
		DeploymentID: r.rec.ID,
		Status:       r.rec.Status,
		InstanceID:   r.rec.InstanceID,
		DeployedURL:  r.rec.DeployedURL,
		Log:          r.rec.Log,
	}
}

// fail moves the record to failed, keeping whatever output was captured.
func (r *run) fail(ctx context.Context, log *zap.Logger, stage string, err error, output string) Result {
	details := describeFailure(stage, err, output)
	if details.OutputTail != "" {
		r.rec.AppendLog(details.OutputTail)
	}
	r.logf("ERROR: %v", err)
	r.rec.Error = err.Error()
	if !r.rec.Status.Terminal() {
		if terr := r.rec.Transition(state.StatusFailed, r.d.now()); terr != nil {
			log.Error("Failed to mark deployment failed", zap.Error(terr))
		}
	}
	r.persist(ctx, log)

	log.Error("Deployment failed",
		zap.String("stage", stage),
		zap.String("instance_id", r.rec.InstanceID),
		zap.Error(err))

	return Result{
		DeploymentID: r.rec.ID,
		Status:       r.rec.Status,
		InstanceID:   r.rec.InstanceID,
		Log:          r.rec.Log,
		Error:        err.Error(),
		Details:      details,
		Err:          err,
	}
}

func (r *run) transition(ctx context.Context, to state.Status) error {
	if err := r.rec.Transition(to, r.d.now()); err != nil {
		return err
	}
	r.logf("Status: %s", to)
	return r.d.records.UpdateRecord(ctx, r.rec)
}

// persist writes the record, surviving a cancelled request context so the
// terminal state is not lost.
func (r *run) persist(ctx context.Context, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.d.records.UpdateRecord(ctx, r.rec); err != nil {
		log.Error("Failed to update deployment record", zap.String("status", string(r.rec.Status)), zap.Error(err))
	}
}

func (r *run) release(ctx context.Context, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.d.leases.ReleaseLease(ctx, r.lease); err != nil {
		log.Warn("Failed to release instance lease", zap.String("instance_id", r.lease.InstanceID), zap.Error(err))
	}
}

func (r *run) logf(format string, args ...any) {
	r.rec.Logf("[%s] %s", stamp(r.d.now()), fmt.Sprintf(format, args...))
}

func (d *Driver) runnerOptions() []control.Option {
	opts := []control.Option{control.WithObserver(func(attempts int, outcome string) {
		d.metrics.RemoteCommand(outcome, attempts)
	})}
	return append(opts, d.runnerOpt...)
}

// describeFailure extracts provider and command context from err.
func describeFailure(stage string, err error, output string) *FailureDetails {
	details := &FailureDetails{Stage: stage}

	var perr *provisioning.ProviderError
	if errors.As(err, &perr) {
		details.ProviderCode = perr.Code
		details.PermissionDenied = perr.PermissionDenied
		details.MissingPermissions = perr.MissingPermissions
	}
	var cerr *control.CommandError
	if errors.As(err, &cerr) {
		details.CommandStatus = cerr.ProviderStatus
		if details.CommandStatus == "" {
			details.CommandStatus = string(cerr.Status)
		}
		details.ResponseCode = cerr.ResponseCode
	}
	details.TimedOut = errors.Is(err, control.ErrCommandTimeout)
	details.OutputTail = strings.TrimSpace(logging.Tail(output, outputTailLines))
	return details
}

// commandOutput joins whatever stdout and stderr a failed run captured.
func commandOutput(res control.Result, err error) string {
	stdout, stderr := res.Output, res.Stderr
	var cerr *control.CommandError
	if errors.As(err, &cerr) {
		stdout, stderr = cerr.Stdout, cerr.Stderr
	}
	switch {
	case stdout != "" && stderr != "":
		return stdout + "\n--- stderr ---\n" + stderr
	case stderr != "":
		return "--- stderr ---\n" + stderr
	default:
		return stdout
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
