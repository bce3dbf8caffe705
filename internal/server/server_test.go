package server_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"launchpad/api"
	"launchpad/internal/config"
	"launchpad/internal/control"
	"launchpad/internal/metrics"
	"launchpad/internal/provisioning"
	"launchpad/internal/server"
	"launchpad/internal/state"
)

// MockClient implements provisioning.Client. Every command succeeds.
type MockClient struct {
	mu        sync.Mutex
	instances map[string]*provisioning.Instance
	open      map[string]bool
	commands  int
	nextID    int
}

func NewMockClient() *MockClient {
	return &MockClient{instances: make(map[string]*provisioning.Instance), open: make(map[string]bool)}
}

func (m *MockClient) Region() string { return "us-east-1" }

func (m *MockClient) CreateInstance(_ context.Context, spec provisioning.InstanceSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("i-mock%d", m.nextID)
	m.instances[id] = &provisioning.Instance{ID: id, Name: spec.Name, PublicIP: "198.51.100.7", State: provisioning.InstanceRunning}
	return id, nil
}

func (m *MockClient) DescribeInstance(_ context.Context, id string) (*provisioning.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, &provisioning.ProviderError{Op: "DescribeInstances", Code: "InvalidInstanceID.NotFound", NotFound: true}
	}
	cp := *inst
	return &cp, nil
}

func (m *MockClient) WaitRunning(ctx context.Context, id string) (*provisioning.Instance, error) {
	return m.DescribeInstance(ctx, id)
}

func (m *MockClient) SendCommand(_ context.Context, _ string, _ []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands++
	return fmt.Sprintf("cmd-%d", m.commands), nil
}

func (m *MockClient) GetCommandResult(_ context.Context, commandID, instanceID string) (*provisioning.Invocation, error) {
	return &provisioning.Invocation{
		CommandID:      commandID,
		InstanceID:     instanceID,
		Status:         provisioning.InvocationSuccess,
		ProviderStatus: "Success",
		Stdout:         "=== HOSTNAME ===\nmock\n",
	}, nil
}

func (m *MockClient) GetBootConsoleLog(_ context.Context, _ string) (string, error) {
	return "Cloud-init v. 23.1 running\n", nil
}

func (m *MockClient) OpenFirewallPort(_ context.Context, id string, port int32, cidr string) (*provisioning.PortResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &provisioning.PortResult{SecurityGroupID: "sg-1", Rule: fmt.Sprintf("tcp/%d from %s", port, cidr)}
	res.AlreadyOpen = m.open[id]
	res.Changed = !m.open[id]
	m.open[id] = true
	return res, nil
}

func (m *MockClient) RevokeFirewallPort(_ context.Context, id string, port int32, cidr string) (*provisioning.PortResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &provisioning.PortResult{SecurityGroupID: "sg-1", Rule: fmt.Sprintf("tcp/%d from %s", port, cidr)}
	res.AlreadyClosed = !m.open[id]
	res.Changed = m.open[id]
	delete(m.open, id)
	return res, nil
}

func (m *MockClient) TerminateInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.State = provisioning.InstanceTerminated
	}
	return nil
}

func mockFactory(client *MockClient) provisioning.Factory {
	return func(_ context.Context, _ string, creds provisioning.Credentials) (provisioning.Client, error) {
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// createTestConfig returns a configuration that never touches the network.
func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Type = config.StoreMemory
	cfg.Deploy.HealthCheck = false
	cfg.Remote.PollInterval = time.Millisecond
	return cfg
}

const bufSize = 1024 * 1024

var _ = Describe("gRPC Server", func() {
	var (
		lis    *bufconn.Listener
		srv    *grpc.Server
		conn   *grpc.ClientConn
		client *api.Client
		ctx    context.Context
		cancel context.CancelFunc
		cloud  *MockClient
		store  *state.MemoryStore
		m      *metrics.Metrics
		lp     *server.Server
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		lis = bufconn.Listen(bufSize)

		sealer, err := state.NewSealer(make([]byte, 32))
		Expect(err).NotTo(HaveOccurred())
		store = state.NewMemoryStore(sealer)
		cloud = NewMockClient()
		m = metrics.New()

		lp = server.New(createTestConfig(), server.Deps{
			Store:   store,
			Factory: mockFactory(cloud),
			Metrics: m,
			RunnerOptions: []control.Option{
				control.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
			},
		})
		srv = lp.GRPCServer()
		go func() {
			_ = srv.Serve(lis)
		}()

		conn, err = grpc.NewClient("passthrough://bufnet", append(api.DialOptions(),
			grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
				return lis.Dial()
			}))...)
		Expect(err).NotTo(HaveOccurred())
		client = api.NewClient(conn)
	})

	AfterEach(func() {
		cancel()
		conn.Close()
		srv.Stop()
		lis.Close()
		Expect(lp.Close()).To(Succeed())
	})

	putCreds := func() {
		_, err := client.PutCredentials(ctx, &api.PutCredentialsRequest{
			TenantID:        "tenant-1",
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "wJalrXUtnFEMI",
			DefaultRegion:   "us-east-1",
		})
		Expect(err).NotTo(HaveOccurred())
	}

	startRequest := func() *api.StartDeploymentRequest {
		return &api.StartDeploymentRequest{
			TenantID:       "tenant-1",
			DeploymentName: "Docs Site",
			InstanceMode:   "new",
			GithubRepo:     "https://example.com/docs.git",
		}
	}

	Context("StartDeployment", func() {
		It("should deploy and record a successful deployment", func() {
			putCreds()
			resp, err := client.StartDeployment(ctx, startRequest())
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Success).To(BeTrue(), resp.Error)
			Expect(resp.Status).To(Equal("success"))
			Expect(resp.DeployedURL).To(Equal("http://198.51.100.7"))

			got, err := client.GetDeployment(ctx, &api.GetDeploymentRequest{TenantID: "tenant-1", DeploymentID: resp.DeploymentID})
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Deployment.Status).To(Equal("success"))
			Expect(got.Deployment.CompletedAt).NotTo(BeNil())
			Expect(got.Deployment.InstanceID).To(Equal(resp.InstanceID))
		})

		It("should fail the record when the tenant has no credentials", func() {
			resp, err := client.StartDeployment(ctx, startRequest())
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Success).To(BeFalse())
			Expect(resp.Status).To(Equal("failed"))
			Expect(resp.Error).To(ContainSubstring("accessKeyId"))
			Expect(resp.Details.Stage).To(Equal("validate"))
		})

		It("should reject a request without a tenant", func() {
			req := startRequest()
			req.TenantID = ""
			_, err := client.StartDeployment(ctx, req)
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Context("GetDeployment", func() {
		It("should return NotFound for unknown deployments", func() {
			_, err := client.GetDeployment(ctx, &api.GetDeploymentRequest{TenantID: "tenant-1", DeploymentID: "missing"})
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})

		It("should hide deployments of other tenants", func() {
			putCreds()
			resp, err := client.StartDeployment(ctx, startRequest())
			Expect(err).NotTo(HaveOccurred())

			_, err = client.GetDeployment(ctx, &api.GetDeploymentRequest{TenantID: "tenant-2", DeploymentID: resp.DeploymentID})
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})
	})

	Context("ListDeployments", func() {
		It("should list a tenant's deployments newest first", func() {
			putCreds()
			first, err := client.StartDeployment(ctx, startRequest())
			Expect(err).NotTo(HaveOccurred())
			second, err := client.StartDeployment(ctx, startRequest())
			Expect(err).NotTo(HaveOccurred())

			list, err := client.ListDeployments(ctx, &api.ListDeploymentsRequest{TenantID: "tenant-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(list.Deployments).To(HaveLen(2))
			ids := []string{list.Deployments[0].ID, list.Deployments[1].ID}
			Expect(ids).To(ConsistOf(first.DeploymentID, second.DeploymentID))

			other, err := client.ListDeployments(ctx, &api.ListDeploymentsRequest{TenantID: "tenant-2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Deployments).To(BeEmpty())
		})
	})

	Context("Instances", func() {
		var instanceID string

		BeforeEach(func() {
			putCreds()
			resp, err := client.StartDeployment(ctx, startRequest())
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Success).To(BeTrue(), resp.Error)
			instanceID = resp.InstanceID
		})

		It("should open the HTTP port once and audit both calls", func() {
			req := &api.InstanceRequest{TenantID: "tenant-1", InstanceID: instanceID}
			first, err := client.OpenHTTPPort(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Success).To(BeTrue())
			Expect(first.AlreadyOpen).To(BeFalse())

			second, err := client.OpenHTTPPort(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.AlreadyOpen).To(BeTrue())

			audit, err := client.ListPortAudit(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(audit.Entries).To(HaveLen(2))
			Expect(audit.Entries[0].Changed).To(BeTrue())
			Expect(audit.Entries[1].Changed).To(BeFalse())
		})

		It("should require a tenant for the port audit", func() {
			_, err := client.OpenHTTPPort(ctx, &api.InstanceRequest{TenantID: "tenant-1", InstanceID: instanceID})
			Expect(err).NotTo(HaveOccurred())

			_, err = client.ListPortAudit(ctx, &api.InstanceRequest{InstanceID: instanceID})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))

			other, err := client.ListPortAudit(ctx, &api.InstanceRequest{TenantID: "tenant-2", InstanceID: instanceID})
			Expect(err).NotTo(HaveOccurred())
			Expect(other.Entries).To(BeEmpty())
		})

		It("should report an already closed port on revoke", func() {
			resp, err := client.RevokeHTTPPort(ctx, &api.InstanceRequest{TenantID: "tenant-1", InstanceID: instanceID})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.AlreadyClosed).To(BeTrue())
		})

		It("should return instance details", func() {
			resp, err := client.GetInstanceDetails(ctx, &api.InstanceRequest{TenantID: "tenant-1", InstanceID: instanceID})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.InstanceInfo.InstanceID).To(Equal(instanceID))
			Expect(resp.InstanceInfo.State).To(Equal("running"))
		})

		It("should parse console diagnostics", func() {
			resp, err := client.GetConsoleDiagnostics(ctx, &api.InstanceRequest{TenantID: "tenant-1", InstanceID: instanceID})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Diagnostics.SetupStarted).To(BeTrue())
			Expect(resp.ConsoleOutput).To(ContainSubstring("Cloud-init"))
		})

		It("should map an unknown instance to NotFound", func() {
			_, err := client.GetInstanceDetails(ctx, &api.InstanceRequest{TenantID: "tenant-1", InstanceID: "i-unknown"})
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})

		It("should terminate the instance", func() {
			resp, err := client.TerminateInstance(ctx, &api.InstanceRequest{TenantID: "tenant-1", InstanceID: instanceID})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Success).To(BeTrue())
		})

		It("should reject a request without an instance id", func() {
			_, err := client.OpenHTTPPort(ctx, &api.InstanceRequest{TenantID: "tenant-1"})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Context("Credentials", func() {
		It("should mask the stored secret", func() {
			putCreds()
			resp, err := client.GetCredentials(ctx, &api.GetCredentialsRequest{TenantID: "tenant-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.AccessKeyID).To(Equal("AKIAEXAMPLE"))
			Expect(resp.SecretAccessKey).To(Equal("****FEMI"))
		})

		It("should return NotFound for an unknown tenant", func() {
			_, err := client.GetCredentials(ctx, &api.GetCredentialsRequest{TenantID: "nobody"})
			Expect(status.Code(err)).To(Equal(codes.NotFound))
		})
	})
})
