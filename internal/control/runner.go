package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/logging"
	"launchpad/internal/provisioning"
)

// ErrCommandTimeout is returned when the poll budget is spent before the
// provider reports a terminal status. It is distinct from a provider-reported
// timed_out status, which surfaces as *CommandError.
var ErrCommandTimeout = errors.New("remote command did not finish within the poll budget")

// CommandError is a provider-reported failure of a remote command.
type CommandError struct {
	CommandID      string
	InstanceID     string
	Status         provisioning.InvocationStatus
	ProviderStatus string
	ResponseCode   int32
	Stdout         string
	Stderr         string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("remote command %s on %s ended with status %s (exit %d)", e.CommandID, e.InstanceID, e.Status, e.ResponseCode)
	if tail := strings.TrimSpace(logging.Tail(e.Stderr, 5)); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Commander is the slice of the provider client the runner needs.
type Commander interface {
	SendCommand(ctx context.Context, instanceID string, commands []string) (string, error)
	GetCommandResult(ctx context.Context, commandID, instanceID string) (*provisioning.Invocation, error)
}

// Result is the captured outcome of a remote command.
type Result struct {
	CommandID string
	Output    string
	Stderr    string
	// Attempts is the number of result polls made. Together with the sends
	// it never exceeds the policy's MaxAttempts.
	Attempts int
	TimedOut bool
}

// Observer receives the poll count and outcome of each Run.
type Observer func(attempts int, outcome string)

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers an observer, used for metrics.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observe = o }
}

// WithSleep replaces the context-aware sleep, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// Runner executes shell command bundles on instances through the
// remote-execution channel and waits for their result.
type Runner struct {
	client  Commander
	policy  PollPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	observe Observer
}

// NewRunner creates a Runner. A zero MaxAttempts or Interval in policy falls
// back to DefaultPollPolicy values.
func NewRunner(client Commander, policy PollPolicy, opts ...Option) *Runner {
	def := DefaultPollPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.Interval <= 0 {
		policy.Interval = def.Interval
	}
	r := &Runner{client: client, policy: policy, sleep: sleepCtx}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective poll policy.
func (r *Runner) Policy() PollPolicy {
	return r.policy
}

// Run dispatches commands once and polls until the provider reports a
// terminal status or the attempt budget is spent. Sends and polls draw on
// the same MaxAttempts budget, so one Run makes at most MaxAttempts provider
// round trips and MaxAttempts-1 waits.
func (r *Runner) Run(ctx context.Context, instanceID string, commands []string) (Result, error) {
	logging.Logger().Debug("dispatching remote command",
		zap.String("instance_id", instanceID),
		zap.Int("lines", len(commands)),
		zap.String("command", logging.EscapeNewlines(logging.Truncate(strings.Join(commands, "\n")))))

	commandID, used, err := r.dispatch(ctx, instanceID, commands)
	if err != nil {
		r.report(0, "dispatch_error")
		return Result{}, err
	}

	res := Result{CommandID: commandID}
	for attempt := used + 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := r.sleep(ctx, r.policy.Delay(attempt-1)); err != nil {
			r.report(res.Attempts, "cancelled")
			return res, err
		}
		res.Attempts++

		inv, err := r.client.GetCommandResult(ctx, commandID, instanceID)
		if err != nil {
			if transient(err) {
				logging.Logger().Debug("command result not available yet",
					zap.String("command_id", commandID),
					zap.Int("attempt", attempt),
					zap.Error(err))
				continue
			}
			r.report(res.Attempts, "provider_error")
			return res, err
		}

		res.Output = inv.Stdout
		res.Stderr = inv.Stderr
		if !inv.Status.Terminal() {
			continue
		}

		logging.Logger().Info("remote command finished",
			zap.String("command_id", commandID),
			zap.String("instance_id", instanceID),
			zap.String("status", string(inv.Status)),
			zap.Int("attempts", attempt),
			zap.String("stdout", logging.EscapeNewlines(logging.Truncate(inv.Stdout))),
			zap.String("stderr", logging.EscapeNewlines(logging.Truncate(inv.Stderr))))

		if inv.Status == provisioning.InvocationSuccess {
			r.report(res.Attempts, "success")
			return res, nil
		}
		r.report(res.Attempts, string(inv.Status))
		return res, &CommandError{
			CommandID:      commandID,
			InstanceID:     instanceID,
			Status:         inv.Status,
			ProviderStatus: inv.ProviderStatus,
			ResponseCode:   inv.ResponseCode,
			Stdout:         inv.Stdout,
			Stderr:         inv.Stderr,
		}
	}

	res.TimedOut = true
	r.report(res.Attempts, "timeout")
	logging.Logger().Warn("remote command attempt budget exhausted",
		zap.String("command_id", commandID),
		zap.String("instance_id", instanceID),
		zap.Int("sends", used),
		zap.Int("polls", res.Attempts))
	return res, fmt.Errorf("%w: command %s after %d sends and %d polls", ErrCommandTimeout, commandID, used, res.Attempts)
}

// dispatch sends the command, retrying only while the instance agent has
// not registered with the channel yet. It returns how many attempts of the
// budget the sends used.
func (r *Runner) dispatch(ctx context.Context, instanceID string, commands []string) (string, int, error) {
	var lastErr error
	sends := 0
	for sends < r.policy.MaxAttempts {
		id, err := r.client.SendCommand(ctx, instanceID, commands)
		sends++
		if err == nil {
			return id, sends, nil
		}
		if !errors.Is(err, provisioning.ErrInstanceNotManaged) {
			return "", sends, err
		}
		lastErr = err
		logging.Logger().Info("waiting for instance agent to register",
			zap.String("instance_id", instanceID),
			zap.Int("attempt", sends))
		if sends == r.policy.MaxAttempts {
			break
		}
		if err := r.sleep(ctx, r.policy.Delay(sends)); err != nil {
			return "", sends, err
		}
	}
	return "", sends, fmt.Errorf("%w: %v", ErrCommandTimeout, lastErr)
}

func (r *Runner) report(attempts int, outcome string) {
	if r.observe != nil {
		r.observe(attempts, outcome)
	}
}

func transient(err error) bool {
	if errors.Is(err, provisioning.ErrInvocationNotFound) {
		return true
	}
	var pe *provisioning.ProviderError
	return errors.As(err, &pe) && pe.Throttled
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
