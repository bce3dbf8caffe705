package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"launchpad/internal/provisioning"
	"launchpad/internal/state"
)

// fakeCloud simulates one account: instances, the remote-execution channel
// and security groups. Remote commands are interpreted by their markers.
type fakeCloud struct {
	mu sync.Mutex

	instances map[string]*provisioning.Instance
	checkouts map[string]bool
	rules     map[string]bool
	console   string
	// broadRules holds per-instance rules that admit any port.
	broadRules map[string]string

	created     []provisioning.InstanceSpec
	clones      int
	pulls       int
	authorizes  int
	revokes     int
	terminated  []string
	commands    map[string]*provisioning.Invocation
	pendingFor  int
	polls       map[string]int
	bundleFails bool
	neverFinish bool
	createErr   error
	describeErr error
	nextID      int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		instances:  make(map[string]*provisioning.Instance),
		checkouts:  make(map[string]bool),
		rules:      make(map[string]bool),
		broadRules: make(map[string]string),
		commands:   make(map[string]*provisioning.Invocation),
		polls:      make(map[string]int),
	}
}

func (c *fakeCloud) addInstance(id, ip string, st provisioning.InstanceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[id] = &provisioning.Instance{ID: id, PublicIP: ip, State: st, SecurityGroupIDs: []string{"sg-" + id}}
}

func (c *fakeCloud) factory() provisioning.Factory {
	return func(_ context.Context, region string, creds provisioning.Credentials) (provisioning.Client, error) {
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		return &fakeClient{cloud: c, region: region}, nil
	}
}

type fakeClient struct {
	cloud  *fakeCloud
	region string
}

var _ provisioning.Client = (*fakeClient)(nil)

func (f *fakeClient) Region() string { return f.region }

func (f *fakeClient) CreateInstance(_ context.Context, spec provisioning.InstanceSpec) (string, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.nextID++
	id := fmt.Sprintf("i-%04d", c.nextID)
	c.created = append(c.created, spec)
	c.instances[id] = &provisioning.Instance{
		ID:               id,
		Name:             spec.Name,
		PublicIP:         fmt.Sprintf("203.0.113.%d", c.nextID),
		State:            provisioning.InstanceRunning,
		InstanceType:     spec.InstanceType,
		LaunchTime:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		SecurityGroupIDs: []string{"sg-" + id},
	}
	return id, nil
}

func (f *fakeClient) DescribeInstance(_ context.Context, id string) (*provisioning.Instance, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.describeErr != nil {
		return nil, c.describeErr
	}
	inst, ok := c.instances[id]
	if !ok {
		return nil, &provisioning.ProviderError{Op: "DescribeInstances", Code: "InvalidInstanceID.NotFound", NotFound: true}
	}
	cp := *inst
	return &cp, nil
}

func (f *fakeClient) WaitRunning(ctx context.Context, id string) (*provisioning.Instance, error) {
	return f.DescribeInstance(ctx, id)
}

func (f *fakeClient) SendCommand(_ context.Context, id string, commands []string) (string, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[id]; !ok {
		return "", provisioning.ErrInstanceNotManaged
	}
	script := strings.Join(commands, "\n")
	commandID := fmt.Sprintf("cmd-%d", len(c.commands)+1)
	inv := &provisioning.Invocation{CommandID: commandID, InstanceID: id, Status: provisioning.InvocationSuccess, ProviderStatus: "Success"}

	switch {
	case strings.Contains(script, checkoutPresent):
		if c.checkouts[id] {
			inv.Stdout = checkoutPresent + "\n"
		} else {
			inv.Stdout = checkoutAbsent + "\n"
		}
	case strings.Contains(script, "=== BUILD ==="):
		if strings.Contains(script, "git clone") {
			c.clones++
		} else {
			c.pulls++
		}
		if c.bundleFails {
			inv.Status = provisioning.InvocationFailed
			inv.ProviderStatus = "Failed"
			inv.ResponseCode = 1
			inv.Stdout = "=== BUILD ===\n> vite build\n"
			inv.Stderr = "Error: Cannot find module 'vite'\n"
		} else {
			c.checkouts[id] = true
			inv.Stdout = "=== BUILD ===\nbuilt in 1.2s\n=== RESTART ===\n" + deployDone + "\n"
		}
	case strings.Contains(script, "=== HOSTNAME ==="):
		inv.Stdout = "=== HOSTNAME ===\nip-10-0-0-5\n=== OS ===\nPRETTY_NAME=\"Ubuntu 22.04.4 LTS\"\n=== MEMORY ===\nMem: 949 300 649\n"
	case strings.Contains(script, "=== NGINX ==="):
		inv.Stdout = "=== NGINX ===\nactive\n=== NODE ===\nv20.11.1\n=== DEPLOYMENTS ===\nmy-site\n"
	}
	if c.neverFinish {
		inv.Status = provisioning.InvocationPending
		inv.ProviderStatus = "InProgress"
	}
	c.commands[commandID] = inv
	return commandID, nil
}

func (f *fakeClient) GetCommandResult(_ context.Context, commandID, _ string) (*provisioning.Invocation, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[commandID]++
	if c.polls[commandID] <= c.pendingFor {
		return nil, provisioning.ErrInvocationNotFound
	}
	inv, ok := c.commands[commandID]
	if !ok {
		return nil, provisioning.ErrInvocationNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeClient) GetBootConsoleLog(_ context.Context, _ string) (string, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.console, nil
}

func (f *fakeClient) OpenFirewallPort(_ context.Context, id string, port int32, cidr string) (*provisioning.PortResult, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s/%d/%s", id, port, cidr)
	res := &provisioning.PortResult{SecurityGroupID: "sg-" + id, Rule: fmt.Sprintf("tcp/%d from %s", port, cidr)}
	if c.rules[key] {
		res.AlreadyOpen = true
		return res, nil
	}
	c.authorizes++
	c.rules[key] = true
	res.Changed = true
	return res, nil
}

func (f *fakeClient) RevokeFirewallPort(_ context.Context, id string, port int32, cidr string) (*provisioning.PortResult, error) {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s/%d/%s", id, port, cidr)
	res := &provisioning.PortResult{SecurityGroupID: "sg-" + id, Rule: fmt.Sprintf("tcp/%d from %s", port, cidr)}
	res.StillOpenVia = c.broadRules[id]
	if !c.rules[key] {
		res.AlreadyClosed = res.StillOpenVia == ""
		return res, nil
	}
	c.revokes++
	delete(c.rules, key)
	res.Changed = true
	return res, nil
}

func (f *fakeClient) TerminateInstance(_ context.Context, id string) error {
	c := f.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = append(c.terminated, id)
	if inst, ok := c.instances[id]; ok {
		inst.State = provisioning.InstanceTerminated
	}
	return nil
}

// recordingStore remembers every status written for each record.
type recordingStore struct {
	*state.MemoryStore
	mu      sync.Mutex
	history map[string][]state.Status
}

func newRecordingStore(s *state.MemoryStore) *recordingStore {
	return &recordingStore{MemoryStore: s, history: make(map[string][]state.Status)}
}

func (s *recordingStore) CreateRecord(ctx context.Context, r *state.Record) error {
	if err := s.MemoryStore.CreateRecord(ctx, r); err != nil {
		return err
	}
	s.note(r)
	return nil
}

func (s *recordingStore) UpdateRecord(ctx context.Context, r *state.Record) error {
	if err := s.MemoryStore.UpdateRecord(ctx, r); err != nil {
		return err
	}
	s.note(r)
	return nil
}

func (s *recordingStore) note(r *state.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[r.ID] = append(s.history[r.ID], r.Status)
}

func (s *recordingStore) statuses(id string) []state.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]state.Status(nil), s.history[id]...)
}

// stubProber records probed URLs.
type stubProber struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (p *stubProber) Probe(_ context.Context, url string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, url)
	if p.err != nil {
		return 503, p.err
	}
	return 200, nil
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
