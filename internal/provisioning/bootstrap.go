package provisioning

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Markers written to the console by the bootstrap script. The console
// diagnostics match on these, so they are part of the script's contract.
const (
	BootstrapStartMarker    = "[launchpad] bootstrap started"
	BootstrapStepPrefix     = "[launchpad] step: "
	BootstrapCompleteMarker = "LAUNCHPAD_SETUP_COMPLETE"
)

// Bootstrap step keys in the order the script reaches them.
var BootstrapSteps = []string{
	"packages_updated",
	"web_server_installed",
	"runtime_installed",
	"web_root_created",
	"firewall_configured",
	"ssm_agent_ready",
}

const bootstrapTemplate = `#!/bin/bash
set -euo pipefail
exec > >(tee -a /var/log/launchpad-bootstrap.log /dev/console) 2>&1
export DEBIAN_FRONTEND=noninteractive

echo "{{.StartMarker}} name={{.Slug}} region={{.Region}}"

apt-get update -y
apt-get upgrade -y
echo "{{.StepPrefix}}packages_updated"

apt-get install -y nginx git curl ufw unattended-upgrades
systemctl enable nginx
echo "{{.StepPrefix}}web_server_installed"

if ! command -v node >/dev/null 2>&1; then
  curl -fsSL https://deb.nodesource.com/setup_{{.NodeMajor}}.x | bash -
  apt-get install -y nodejs
fi
echo "{{.StepPrefix}}runtime_installed"

mkdir -p {{.WebRoot}}/{{.Slug}} {{.AppRoot}}
chown -R www-data:www-data {{.WebRoot}}/{{.Slug}}
cat > /etc/nginx/sites-available/{{.Slug}} <<'NGINX'
server {
    listen 80 default_server;
    listen [::]:80 default_server;
    root {{.WebRoot}}/{{.Slug}};
    index index.html;
    server_tokens off;
    location / {
        try_files $uri $uri/ /index.html;
    }
}
NGINX
rm -f /etc/nginx/sites-enabled/default
ln -sf /etc/nginx/sites-available/{{.Slug}} /etc/nginx/sites-enabled/{{.Slug}}
nginx -t
systemctl restart nginx
echo "{{.StepPrefix}}web_root_created"

ufw allow OpenSSH
ufw allow 'Nginx HTTP'
ufw --force enable
dpkg-reconfigure -f noninteractive unattended-upgrades
sed -i 's/^#\?PasswordAuthentication .*/PasswordAuthentication no/' /etc/ssh/sshd_config
systemctl reload ssh || systemctl reload sshd || true
echo "{{.StepPrefix}}firewall_configured"

if ! systemctl is-active --quiet snap.amazon-ssm-agent.amazon-ssm-agent.service; then
  snap install amazon-ssm-agent --classic || true
  systemctl enable --now snap.amazon-ssm-agent.amazon-ssm-agent.service || true
fi
echo "{{.StepPrefix}}ssm_agent_ready"

echo "{{.CompleteMarker}}"
`

var bootstrapTmpl = template.Must(template.New("bootstrap").Parse(bootstrapTemplate))

// BootstrapData represents the data for the bootstrap template
type BootstrapData struct {
	Slug           string
	Region         string
	WebRoot        string
	AppRoot        string
	NodeMajor      int
	StartMarker    string
	StepPrefix     string
	CompleteMarker string
}

// BootstrapOptions carries the directory layout shared with the deploy bundle.
type BootstrapOptions struct {
	WebRoot   string
	AppRoot   string
	NodeMajor int
}

// GenerateBootstrapScript renders the first-boot user-data script for a
// deployment. It only produces text; nothing is executed.
func GenerateBootstrapScript(deploymentName, region string, opts BootstrapOptions) (string, error) {
	if opts.WebRoot == "" {
		opts.WebRoot = "/var/www"
	}
	if opts.AppRoot == "" {
		opts.AppRoot = "/opt/launchpad/apps"
	}
	if opts.NodeMajor == 0 {
		opts.NodeMajor = 20
	}

	data := BootstrapData{
		Slug:           Slug(deploymentName),
		Region:         region,
		WebRoot:        opts.WebRoot,
		AppRoot:        opts.AppRoot,
		NodeMajor:      opts.NodeMajor,
		StartMarker:    BootstrapStartMarker,
		StepPrefix:     BootstrapStepPrefix,
		CompleteMarker: BootstrapCompleteMarker,
	}

	var buf bytes.Buffer
	if err := bootstrapTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute bootstrap template: %w", err)
	}
	return buf.String(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a human deployment name into a path-safe identifier.
func Slug(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "app"
	}
	if len(s) > 48 {
		s = strings.TrimRight(s[:48], "-")
	}
	return s
}
