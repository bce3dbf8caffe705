package deploy

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"text/template"

	"launchpad/internal/provisioning"
)

// Checkout markers printed by the probe command.
const (
	checkoutPresent = "LAUNCHPAD_CHECKOUT_PRESENT"
	checkoutAbsent  = "LAUNCHPAD_CHECKOUT_ABSENT"
	deployDone      = "LAUNCHPAD_DEPLOY_DONE"
)

// keepReleases is how many published releases stay on disk.
const keepReleases = 3

// Layout locates one application on an instance.
type Layout struct {
	Slug       string
	AppDir     string
	ServedDir  string
	ReleaseDir string
}

// NewLayout derives the on-host directories for a deployment name.
func NewLayout(name, appRoot, webRoot string) Layout {
	slug := provisioning.Slug(name)
	return Layout{
		Slug:       slug,
		AppDir:     path.Join(appRoot, slug),
		ServedDir:  path.Join(webRoot, slug),
		ReleaseDir: path.Join(webRoot, ".releases", slug),
	}
}

// ProbeCommands reports whether a checkout already exists on the host.
func (l Layout) ProbeCommands() []string {
	return []string{
		fmt.Sprintf("if [ -d %s ]; then echo %s; else echo %s; fi",
			shellQuote(path.Join(l.AppDir, ".git")), checkoutPresent, checkoutAbsent),
	}
}

const bundleTemplate = `set -euo pipefail
export HOME=/root
export DEBIAN_FRONTEND=noninteractive
echo '=== DEPENDENCIES ==='
if ! command -v git >/dev/null 2>&1; then apt-get update -y && apt-get install -y git; fi
if ! command -v node >/dev/null 2>&1; then curl -fsSL https://deb.nodesource.com/setup_20.x | bash - && apt-get install -y nodejs; fi
git --version
node --version
echo '=== SOURCE ==='
mkdir -p {{q .AppRoot}}
{{- if .Pull}}
cd {{q .AppDir}}
git remote set-url origin {{q .Repository}}
git fetch --depth 1 origin {{q .Branch}}
git checkout -B {{q .Branch}} FETCH_HEAD
git reset --hard FETCH_HEAD
git clean -fdx -e node_modules
{{- else}}
rm -rf {{q .AppDir}}
git clone --depth 1 --branch {{q .Branch}} --single-branch {{q .Repository}} {{q .AppDir}}
cd {{q .AppDir}}
{{- end}}
git log -1 --format='%H %s'
echo '=== INSTALL ==='
if [ -f package-lock.json ]; then npm ci --no-audit --no-fund; elif [ -f package.json ]; then npm install --no-audit --no-fund; else echo 'no package.json, skipping install'; fi
echo '=== BUILD ==='
{{.BuildCommand}}
echo '=== PUBLISH ==='
if [ ! -d {{q .OutputPath}} ]; then echo "build output directory {{.OutputDir}} not found" >&2; exit 1; fi
RELEASE={{q .ReleasePath}}
mkdir -p "$RELEASE"
cp -a {{q .OutputPath}}/. "$RELEASE"/
chown -R www-data:www-data "$RELEASE"
if [ -d {{q .ServedDir}} ] && [ ! -L {{q .ServedDir}} ]; then rm -rf {{q .ServedDir}}; fi
ln -sfn "$RELEASE" {{q .LinkTmp}}
mv -Tf {{q .LinkTmp}} {{q .ServedDir}}
ls -1dt {{q .ReleaseDir}}/*/ | tail -n +{{.PruneFrom}} | xargs -r rm -rf
echo "published $RELEASE"
echo '=== RESTART ==='
if [ ! -f /etc/nginx/sites-available/{{.Slug}} ]; then
cat > /etc/nginx/sites-available/{{.Slug}} <<'NGINX'
server {
    listen 80 default_server;
    listen [::]:80 default_server;
    root {{.ServedDir}};
    index index.html;
    server_tokens off;
    location / {
        try_files $uri $uri/ /index.html;
    }
}
NGINX
rm -f /etc/nginx/sites-enabled/default
ln -sf /etc/nginx/sites-available/{{.Slug}} /etc/nginx/sites-enabled/{{.Slug}}
fi
nginx -t
systemctl restart nginx
echo {{.DoneMarker}}`

var bundleTmpl = template.Must(template.New("bundle").Funcs(template.FuncMap{
	"q": shellQuote,
}).Parse(bundleTemplate))

// BundleData represents the data for the command bundle template
type BundleData struct {
	Layout
	AppRoot      string
	Repository   string
	Branch       string
	BuildCommand string
	OutputDir    string
	OutputPath   string
	ReleasePath  string
	LinkTmp      string
	PruneFrom    int
	Pull         bool
	DoneMarker   string
}

// BuildBundle renders the ordered deploy commands: ensure dependencies,
// clone or pull, install, build, publish atomically, restart the web server.
func BuildBundle(l Layout, appRoot string, req Request, deploymentID string, pull bool) ([]string, error) {
	if strings.Contains(req.OutputDir, "..") {
		return nil, fmt.Errorf("output directory %q must stay inside the checkout", req.OutputDir)
	}
	data := BundleData{
		Layout:       l,
		AppRoot:      appRoot,
		Repository:   req.Repository,
		Branch:       req.Branch,
		BuildCommand: req.BuildCommand,
		OutputDir:    req.OutputDir,
		OutputPath:   path.Join(l.AppDir, req.OutputDir),
		ReleasePath:  path.Join(l.ReleaseDir, deploymentID),
		LinkTmp:      l.ServedDir + ".tmp",
		PruneFrom:    keepReleases + 1,
		Pull:         pull,
		DoneMarker:   deployDone,
	}

	var buf bytes.Buffer
	if err := bundleTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute bundle template: %w", err)
	}
	return strings.Split(buf.String(), "\n"), nil
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
