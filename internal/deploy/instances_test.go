package deploy

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"launchpad/internal/config"
	"launchpad/internal/control"
	"launchpad/internal/metrics"
	"launchpad/internal/provisioning"
	"launchpad/internal/state"
)

var _ = Describe("Instances", func() {
	var (
		ctx       context.Context
		cloud     *fakeCloud
		store     *state.MemoryStore
		instances *Instances
		target    Target
	)

	BeforeEach(func() {
		ctx = context.Background()
		cloud = newFakeCloud()
		cloud.addInstance("i-web", "198.51.100.10", provisioning.InstanceRunning)
		sealer, err := state.NewSealer(bytes.Repeat([]byte{2}, 32))
		Expect(err).NotTo(HaveOccurred())
		store = state.NewMemoryStore(sealer)

		cfg := config.Default()
		instances = NewInstances(InstanceOptions{
			Factory:       cloud.factory(),
			Audit:         store,
			Metrics:       metrics.New(),
			Provider:      cfg.Provider,
			Deploy:        cfg.Deploy,
			Poll:          control.DefaultPollPolicy(),
			RunnerOptions: []control.Option{control.WithSleep(noSleep)},
		})
		target = Target{TenantID: "tenant-1", InstanceID: "i-web", Region: "us-east-1"}
	})

	AfterEach(func() {
		instances.Close()
	})

	Describe("OpenHTTPPort", func() {
		It("does not add a duplicate rule when called twice", func() {
			first, err := instances.OpenHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Success).To(BeTrue())
			Expect(first.AlreadyOpen).To(BeFalse())
			Expect(first.SecurityGroupID).To(Equal("sg-i-web"))
			Expect(first.Rule).To(Equal("tcp/80 from 0.0.0.0/0"))

			second, err := instances.OpenHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Success).To(BeTrue())
			Expect(second.AlreadyOpen).To(BeTrue())
			Expect(cloud.authorizes).To(Equal(1))
		})

		It("audits every change", func() {
			_, err := instances.OpenHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			_, err = instances.OpenHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			_, err = instances.RevokeHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())

			trail, err := instances.AuditTrail(ctx, "i-web")
			Expect(err).NotTo(HaveOccurred())
			Expect(trail).To(HaveLen(3))
			Expect(trail[0].Action).To(Equal("open"))
			Expect(trail[0].Changed).To(BeTrue())
			Expect(trail[1].Changed).To(BeFalse())
			Expect(trail[2].Action).To(Equal("revoke"))
			Expect(trail[2].TenantID).To(Equal("tenant-1"))
		})

		It("requires credentials", func() {
			_, err := instances.OpenHTTPPort(ctx, provisioning.Credentials{}, target)
			var missing *provisioning.MissingCredentialsError
			Expect(errors.As(err, &missing)).To(BeTrue())
			Expect(cloud.authorizes).To(BeZero())
		})
	})

	Describe("RevokeHTTPPort", func() {
		It("reports already closed when no rule exists", func() {
			res, err := instances.RevokeHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.AlreadyClosed).To(BeTrue())
			Expect(cloud.revokes).To(BeZero())
		})

		It("does not audit a change when a broader rule keeps the port open", func() {
			cloud.broadRules["i-web"] = "all traffic from 0.0.0.0/0"

			res, err := instances.RevokeHTTPPort(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.AlreadyClosed).To(BeFalse())
			Expect(res.StillOpenVia).To(Equal("all traffic from 0.0.0.0/0"))

			trail, err := instances.AuditTrail(ctx, "i-web")
			Expect(err).NotTo(HaveOccurred())
			Expect(trail).To(HaveLen(1))
			Expect(trail[0].Action).To(Equal("revoke"))
			Expect(trail[0].Changed).To(BeFalse())
		})
	})

	Describe("Details", func() {
		It("merges instance info and both dumps", func() {
			details, err := instances.Details(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())

			Expect(details.InstanceInfo.ID).To(Equal("i-web"))
			Expect(details.InstanceInfo.PublicIP).To(Equal("198.51.100.10"))
			Expect(details.SystemDetails).To(HaveKeyWithValue("HOSTNAME", "ip-10-0-0-5"))
			Expect(details.SystemDetails).To(HaveKeyWithValue("NGINX", "active"))
			Expect(details.SystemDetails).To(HaveKeyWithValue("DEPLOYMENTS", "my-site"))
			Expect(details.RawOutput).To(ContainSubstring("=== NODE ==="))
			Expect(details.Errors).To(BeEmpty())
		})

		It("fails when the instance cannot be described", func() {
			cloud.describeErr = &provisioning.ProviderError{Op: "DescribeInstances", Code: "UnauthorizedOperation", PermissionDenied: true}
			_, err := instances.Details(ctx, validCreds, target)

			Expect(provisioning.IsPermissionDenied(err)).To(BeTrue())
		})

		It("cancels running dumps when the describe fails", func(sctx SpecContext) {
			// Waits between polls only end when their context is cancelled.
			blocking := NewInstances(InstanceOptions{
				Factory: cloud.factory(),
				Poll:    control.DefaultPollPolicy(),
				RunnerOptions: []control.Option{control.WithSleep(func(ctx context.Context, _ time.Duration) error {
					<-ctx.Done()
					return ctx.Err()
				})},
			})
			defer blocking.Close()
			cloud.neverFinish = true
			cloud.describeErr = &provisioning.ProviderError{Op: "DescribeInstances", Code: "InvalidInstanceID.NotFound", NotFound: true}

			_, err := blocking.Details(sctx, validCreds, target)
			var perr *provisioning.ProviderError
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.NotFound).To(BeTrue())
		}, SpecTimeout(10*time.Second))

		It("reports dumps that never finish without failing", func() {
			cloud.neverFinish = true
			details, err := instances.Details(ctx, validCreds, target)

			Expect(err).NotTo(HaveOccurred())
			Expect(details.InstanceInfo).NotTo(BeNil())
			Expect(details.Errors).To(HaveLen(2))
		})

		It("requires an instance id", func() {
			_, err := instances.Details(ctx, validCreds, Target{})
			Expect(err).To(MatchError(ErrMissingInstanceID))
		})
	})

	Describe("ConsoleDiagnostics", func() {
		It("parses bootstrap progress from the console", func() {
			cloud.console = "Cloud-init v. 23.4 running 'init'\n" +
				provisioning.BootstrapStartMarker + " name=my-site region=us-east-1\n" +
				provisioning.BootstrapStepPrefix + "packages_updated\n" +
				"E: Unable to locate package foo\n"

			report, err := instances.ConsoleDiagnostics(ctx, validCreds, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Diagnostics.SetupStarted).To(BeTrue())
			Expect(report.Diagnostics.SetupComplete).To(BeFalse())
			Expect(report.Diagnostics.ProgressPercent).To(BeNumerically(">", 0))
			Expect(report.Diagnostics.Errors).To(ContainElement(ContainSubstring("Unable to locate package")))
			Expect(report.ConsoleOutput).To(Equal(cloud.console))
		})
	})

	Describe("Terminate", func() {
		It("terminates the instance", func() {
			Expect(instances.Terminate(ctx, validCreds, target)).To(Succeed())
			Expect(cloud.terminated).To(Equal([]string{"i-web"}))
		})
	})
})
