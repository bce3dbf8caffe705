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

var validCreds = provisioning.Credentials{
	AccessKeyID:     "AKIAEXAMPLE",
	SecretAccessKey: "secret",
	DefaultRegion:   "eu-west-1",
}

func sampleRequest() Request {
	return Request{
		TenantID:     "tenant-1",
		Name:         "My Site",
		InstanceMode: state.InstanceModeNew,
		Repository:   "https://example.com/sample.git",
		Branch:       "main",
		BuildCommand: "npm run build",
	}
}

// statusRank mirrors pending < provisioning < in_progress < terminal.
func statusRank(s state.Status) int {
	switch s {
	case state.StatusPending:
		return 0
	case state.StatusProvisioning:
		return 1
	case state.StatusInProgress:
		return 2
	default:
		return 3
	}
}

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		cloud  *fakeCloud
		store  *recordingStore
		prober *stubProber
		driver *Driver
		clock  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		cloud = newFakeCloud()
		sealer, err := state.NewSealer(bytes.Repeat([]byte{1}, 32))
		Expect(err).NotTo(HaveOccurred())
		store = newRecordingStore(state.NewMemoryStore(sealer))
		prober = &stubProber{}
		clock = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		cfg := config.Default()
		driver = NewDriver(Options{
			Factory:       cloud.factory(),
			Records:       store,
			Leases:        store,
			Metrics:       metrics.New(),
			Provider:      cfg.Provider,
			Deploy:        cfg.Deploy,
			Poll:          control.DefaultPollPolicy(),
			Prober:        prober,
			RunnerOptions: []control.Option{control.WithSleep(noSleep)},
			Now: func() time.Time {
				clock = clock.Add(time.Second)
				return clock
			},
		})
	})

	expectInvariants := func(id string) *state.Record {
		rec, err := store.GetRecord(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(rec.Validate()).To(Succeed())
		Expect(rec.CompletedAt != nil).To(Equal(rec.Status.Terminal()))

		history := store.statuses(id)
		Expect(history).NotTo(BeEmpty())
		Expect(history[0]).To(Equal(state.StatusPending))
		for i := 1; i < len(history); i++ {
			Expect(statusRank(history[i])).To(BeNumerically(">=", statusRank(history[i-1])),
				"statuses went backwards: %v", history)
		}
		return rec
	}

	Context("new instance", func() {
		It("deploys and reports the public URL", func() {
			res := driver.Start(ctx, validCreds, sampleRequest())

			Expect(res.Err).NotTo(HaveOccurred())
			Expect(res.Success).To(BeTrue())
			Expect(res.Status).To(Equal(state.StatusSuccess))
			Expect(res.DeployedURL).To(Equal("http://203.0.113.1"))
			Expect(res.InstanceID).To(Equal("i-0001"))
			Expect(res.Log).To(ContainSubstring("cloning https://example.com/sample.git at main"))
			Expect(res.Log).To(ContainSubstring(deployDone))

			rec := expectInvariants(res.DeploymentID)
			Expect(rec.Status).To(Equal(state.StatusSuccess))
			Expect(rec.DeployedURL).To(Equal(res.DeployedURL))
			Expect(rec.Region).To(Equal("eu-west-1"))
			Expect(store.statuses(res.DeploymentID)).To(ContainElements(
				state.StatusPending, state.StatusProvisioning, state.StatusInProgress, state.StatusSuccess))

			Expect(cloud.created).To(HaveLen(1))
			spec := cloud.created[0]
			Expect(spec.ImageID).To(Equal(provisioning.ImageForRegion("eu-west-1")))
			Expect(spec.InstanceType).To(Equal("t3.micro"))
			Expect(spec.UserData).To(ContainSubstring(provisioning.BootstrapCompleteMarker))
			Expect(spec.Tags).To(HaveKeyWithValue("launchpad:deployment", res.DeploymentID))

			Expect(prober.urls).To(Equal([]string{"http://203.0.113.1"}))
		})

		It("keeps the deployment successful when the health check fails", func() {
			prober.err = errors.New("connection refused")
			res := driver.Start(ctx, validCreds, sampleRequest())

			Expect(res.Success).To(BeTrue())
			Expect(res.Log).To(ContainSubstring("Health check of http://203.0.113.1 failed"))
		})

		It("records provider errors with their permissions", func() {
			cloud.createErr = &provisioning.ProviderError{
				Op:                 "RunInstances",
				Code:               "UnauthorizedOperation",
				PermissionDenied:   true,
				MissingPermissions: []string{"ec2:RunInstances"},
			}
			res := driver.Start(ctx, validCreds, sampleRequest())

			Expect(res.Success).To(BeFalse())
			Expect(res.Details).NotTo(BeNil())
			Expect(res.Details.Stage).To(Equal(StageProvision))
			Expect(res.Details.PermissionDenied).To(BeTrue())
			Expect(res.Details.MissingPermissions).To(ContainElement("ec2:RunInstances"))

			rec := expectInvariants(res.DeploymentID)
			Expect(rec.Status).To(Equal(state.StatusFailed))
			Expect(rec.Log).To(ContainSubstring("UnauthorizedOperation"))
		})
	})

	Context("preconditions", func() {
		It("fails with no repository configured", func() {
			req := sampleRequest()
			req.Repository = ""
			res := driver.Start(ctx, validCreds, req)

			Expect(res.Success).To(BeFalse())
			Expect(res.Err).To(MatchError(ErrNoRepository))
			Expect(res.Error).To(ContainSubstring("no repository configured"))

			rec := expectInvariants(res.DeploymentID)
			Expect(rec.Status).To(Equal(state.StatusFailed))
			Expect(rec.Log).To(ContainSubstring("no repository configured"))
			Expect(cloud.created).To(BeEmpty())
		})

		It("fails before any provider call without credentials", func() {
			res := driver.Start(ctx, provisioning.Credentials{AccessKeyID: "AKIA"}, sampleRequest())

			var missing *provisioning.MissingCredentialsError
			Expect(errors.As(res.Err, &missing)).To(BeTrue())
			Expect(missing.Field).To(Equal("secretAccessKey"))
			Expect(expectInvariants(res.DeploymentID).Status).To(Equal(state.StatusFailed))
			Expect(cloud.created).To(BeEmpty())
		})

		It("requires an instance id in existing mode", func() {
			req := sampleRequest()
			req.InstanceMode = state.InstanceModeExisting
			res := driver.Start(ctx, validCreds, req)

			Expect(res.Err).To(MatchError(ErrMissingInstanceID))
			Expect(expectInvariants(res.DeploymentID).Status).To(Equal(state.StatusFailed))
		})

		It("rejects a request without a name before creating a record", func() {
			req := sampleRequest()
			req.Name = "  "
			res := driver.Start(ctx, validCreds, req)

			Expect(res.Err).To(MatchError(ErrMissingName))
			Expect(res.DeploymentID).To(BeEmpty())
		})

		It("fills branch, build command and output directory defaults", func() {
			req := sampleRequest()
			req.Branch = ""
			req.BuildCommand = ""
			got := req.withDefaults(config.Default().Deploy)

			Expect(got.Branch).To(Equal("main"))
			Expect(got.BuildCommand).To(Equal("npm run build"))
			Expect(got.OutputDir).To(Equal("dist"))
		})
	})

	Context("existing instance", func() {
		BeforeEach(func() {
			cloud.addInstance("i-existing", "198.51.100.7", provisioning.InstanceRunning)
		})

		existing := func() Request {
			req := sampleRequest()
			req.InstanceMode = state.InstanceModeExisting
			req.ExistingInstanceID = "i-existing"
			return req
		}

		It("clones once and pulls on the second run", func() {
			first := driver.Start(ctx, validCreds, existing())
			Expect(first.Success).To(BeTrue())
			Expect(first.DeployedURL).To(Equal("http://198.51.100.7"))

			second := driver.Start(ctx, validCreds, existing())
			Expect(second.Success).To(BeTrue())
			Expect(second.Log).To(ContainSubstring("Existing checkout found"))

			Expect(cloud.clones).To(Equal(1))
			Expect(cloud.pulls).To(Equal(1))
			Expect(cloud.created).To(BeEmpty())
			expectInvariants(first.DeploymentID)
			expectInvariants(second.DeploymentID)
		})

		It("rejects a deployment while another holds the instance", func() {
			lease, err := store.AcquireLease(ctx, "i-existing", "other-deployment", time.Hour)
			Expect(err).NotTo(HaveOccurred())

			res := driver.Start(ctx, validCreds, existing())
			Expect(res.Err).To(MatchError(ErrDeploymentInProgress))
			Expect(res.Details.Stage).To(Equal(StageLease))
			Expect(expectInvariants(res.DeploymentID).Status).To(Equal(state.StatusFailed))
			Expect(cloud.clones + cloud.pulls).To(BeZero())

			Expect(store.ReleaseLease(ctx, lease)).To(Succeed())
			Expect(driver.Start(ctx, validCreds, existing()).Success).To(BeTrue())
		})

		It("releases the lease after a failed run", func() {
			cloud.bundleFails = true
			res := driver.Start(ctx, validCreds, existing())
			Expect(res.Success).To(BeFalse())

			lease, err := store.AcquireLease(ctx, "i-existing", "next", time.Minute)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.ReleaseLease(ctx, lease)).To(Succeed())
		})

		It("keeps the remote output of a failed build", func() {
			cloud.bundleFails = true
			res := driver.Start(ctx, validCreds, existing())

			var cerr *control.CommandError
			Expect(errors.As(res.Err, &cerr)).To(BeTrue())
			Expect(res.Details.CommandStatus).To(Equal("Failed"))
			Expect(res.Details.ResponseCode).To(Equal(int32(1)))
			Expect(res.Details.OutputTail).To(ContainSubstring("Cannot find module 'vite'"))

			rec := expectInvariants(res.DeploymentID)
			Expect(rec.Status).To(Equal(state.StatusFailed))
			Expect(rec.Log).To(ContainSubstring("> vite build"))
			Expect(rec.Log).To(ContainSubstring("Cannot find module 'vite'"))
		})

		It("fails with a timeout when the command never finishes", func() {
			cloud.neverFinish = true
			res := driver.Start(ctx, validCreds, existing())

			Expect(res.Err).To(MatchError(control.ErrCommandTimeout))
			Expect(res.Details.TimedOut).To(BeTrue())
			Expect(expectInvariants(res.DeploymentID).Status).To(Equal(state.StatusFailed))
		})

		It("tolerates results that are not visible yet", func() {
			cloud.pendingFor = 3
			res := driver.Start(ctx, validCreds, existing())
			Expect(res.Success).To(BeTrue())
		})

		It("fails instead of succeeding without a public address", func() {
			cloud.addInstance("i-private", "", provisioning.InstanceRunning)
			req := existing()
			req.ExistingInstanceID = "i-private"
			res := driver.Start(ctx, validCreds, req)

			Expect(res.Success).To(BeFalse())
			Expect(res.Err).To(MatchError(ErrNoPublicAddress))
			Expect(res.Details.Stage).To(Equal(StageDeploy))
			Expect(prober.urls).To(BeEmpty())

			rec := expectInvariants(res.DeploymentID)
			Expect(rec.Status).To(Equal(state.StatusFailed))
			Expect(rec.DeployedURL).To(BeEmpty())
			Expect(rec.Log).To(ContainSubstring("no public address"))
		})

		It("refuses a stopped instance", func() {
			cloud.addInstance("i-stopped", "", provisioning.InstanceStopped)
			req := existing()
			req.ExistingInstanceID = "i-stopped"
			res := driver.Start(ctx, validCreds, req)

			Expect(res.Err).To(MatchError(ErrInstanceNotRunning))
		})
	})
})
