package deploy

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Command bundle", func() {
	layout := NewLayout("My Site", "/opt/launchpad/apps", "/var/www")
	req := Request{
		Repository:   "https://example.com/sample.git",
		Branch:       "main",
		BuildCommand: "npm run build",
		OutputDir:    "dist",
	}

	render := func(pull bool) string {
		lines, err := BuildBundle(layout, "/opt/launchpad/apps", req, "dep-1", pull)
		Expect(err).NotTo(HaveOccurred())
		return strings.Join(lines, "\n")
	}

	It("lays out directories by slug", func() {
		Expect(layout.Slug).To(Equal("my-site"))
		Expect(layout.AppDir).To(Equal("/opt/launchpad/apps/my-site"))
		Expect(layout.ServedDir).To(Equal("/var/www/my-site"))
		Expect(layout.ReleaseDir).To(Equal("/var/www/.releases/my-site"))
	})

	It("probes for the git directory", func() {
		probe := strings.Join(layout.ProbeCommands(), "\n")
		Expect(probe).To(ContainSubstring("'/opt/launchpad/apps/my-site/.git'"))
		Expect(probe).To(ContainSubstring(checkoutPresent))
	})

	It("clones when no checkout exists", func() {
		script := render(false)
		Expect(script).To(ContainSubstring("git clone --depth 1 --branch 'main' --single-branch 'https://example.com/sample.git' '/opt/launchpad/apps/my-site'"))
		Expect(script).NotTo(ContainSubstring("git fetch"))
	})

	It("pulls when a checkout exists", func() {
		script := render(true)
		Expect(script).To(ContainSubstring("git fetch --depth 1 origin 'main'"))
		Expect(script).To(ContainSubstring("git reset --hard FETCH_HEAD"))
		Expect(script).NotTo(ContainSubstring("git clone"))
	})

	It("runs the steps in order", func() {
		script := render(false)
		order := []string{"=== DEPENDENCIES ===", "=== SOURCE ===", "=== INSTALL ===", "=== BUILD ===", "=== PUBLISH ===", "=== RESTART ==="}
		last := -1
		for _, marker := range order {
			idx := strings.Index(script, marker)
			Expect(idx).To(BeNumerically(">", last), "marker %s out of order", marker)
			last = idx
		}
		Expect(script).To(ContainSubstring("npm run build"))
		Expect(script).To(ContainSubstring("mv -Tf '/var/www/my-site.tmp' '/var/www/my-site'"))
		Expect(script).To(ContainSubstring("RELEASE='/var/www/.releases/my-site/dep-1'"))
		Expect(script).To(ContainSubstring("systemctl restart nginx"))
		Expect(strings.HasSuffix(script, deployDone)).To(BeTrue())
	})

	It("quotes hostile input", func() {
		hostile := req
		hostile.Branch = "main'; rm -rf /; echo '"
		lines, err := BuildBundle(layout, "/opt/launchpad/apps", hostile, "dep-1", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.Join(lines, "\n")).To(ContainSubstring(`--branch 'main'"'"'; rm -rf /; echo '"'"''`))
	})

	It("rejects output directories outside the checkout", func() {
		bad := req
		bad.OutputDir = "../../etc"
		_, err := BuildBundle(layout, "/opt/launchpad/apps", bad, "dep-1", false)
		Expect(err).To(HaveOccurred())
	})
})
