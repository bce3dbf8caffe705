package diagnostics

import (
	"strings"

	"launchpad/internal/provisioning"
)

const (
	maxIssues    = 20
	lastLogLines = 50
)

// ConsoleDiagnostics is a best-effort reading of an instance's boot console.
// ProgressPercent and CurrentStep are approximations inferred from known
// substrings; use them for display, never for control flow.
type ConsoleDiagnostics struct {
	SetupStarted    bool            `json:"setup_started"`
	SetupComplete   bool            `json:"setup_complete"`
	ProgressPercent int             `json:"progress_percent"`
	CurrentStep     string          `json:"current_step"`
	Steps           map[string]bool `json:"steps"`
	Errors          []string        `json:"errors"`
	Warnings        []string        `json:"warnings"`
	LastLogLines    []string        `json:"last_log_lines"`
}

type consoleStep struct {
	key     string
	label   string
	needles []string
}

var consoleSteps = []consoleStep{
	{"cloud_init_started", "Booting and starting cloud-init", []string{"Cloud-init v.", provisioning.BootstrapStartMarker}},
	{"packages_updated", "Updating system packages", []string{provisioning.BootstrapStepPrefix + "packages_updated"}},
	{"web_server_installed", "Installing web server", []string{provisioning.BootstrapStepPrefix + "web_server_installed", "Setting up nginx"}},
	{"runtime_installed", "Installing Node.js runtime", []string{provisioning.BootstrapStepPrefix + "runtime_installed", "Setting up nodejs"}},
	{"web_root_created", "Configuring web root", []string{provisioning.BootstrapStepPrefix + "web_root_created"}},
	{"firewall_configured", "Hardening and firewall", []string{provisioning.BootstrapStepPrefix + "firewall_configured", "Firewall is active and enabled"}},
	{"ssm_agent_ready", "Starting management agent", []string{provisioning.BootstrapStepPrefix + "ssm_agent_ready"}},
	{"setup_complete", "Setup complete", []string{provisioning.BootstrapCompleteMarker}},
}

var (
	errorNeedles   = []string{"error", "err!", "failed", "fatal"}
	warningNeedles = []string{"warning", "warn:"}
	// lines that mention errors without reporting one
	benignNeedles = []string{"0 errors", "error_log", "errors=remount", "failed=0"}
)

// AnalyzeConsole infers bootstrap progress from raw console output.
func AnalyzeConsole(raw string) ConsoleDiagnostics {
	d := ConsoleDiagnostics{
		Steps:        make(map[string]bool, len(consoleSteps)),
		Errors:       []string{},
		Warnings:     []string{},
		LastLogLines: []string{},
		CurrentStep:  "Waiting for boot",
	}
	for _, s := range consoleSteps {
		d.Steps[s.key] = false
	}

	lines := nonEmptyLines(raw)
	furthest := -1
	for _, line := range lines {
		for i, s := range consoleSteps {
			if d.Steps[s.key] {
				continue
			}
			for _, n := range s.needles {
				if strings.Contains(line, n) {
					d.Steps[s.key] = true
					if i > furthest {
						furthest = i
					}
					break
				}
			}
		}
		classifyLine(&d, line)
	}

	reached := 0
	for _, s := range consoleSteps {
		if d.Steps[s.key] {
			reached++
		}
	}
	d.SetupStarted = reached > 0
	d.SetupComplete = d.Steps["setup_complete"]
	if d.SetupComplete {
		d.ProgressPercent = 100
	} else {
		d.ProgressPercent = reached * 100 / len(consoleSteps)
	}
	if furthest >= 0 {
		d.CurrentStep = consoleSteps[furthest].label
	}

	if len(lines) > lastLogLines {
		lines = lines[len(lines)-lastLogLines:]
	}
	d.LastLogLines = append(d.LastLogLines, lines...)
	return d
}

func classifyLine(d *ConsoleDiagnostics, line string) {
	lower := strings.ToLower(line)
	for _, b := range benignNeedles {
		if strings.Contains(lower, b) {
			return
		}
	}
	trimmed := strings.TrimSpace(line)
	// apt reports problems as "E: ..." and "W: ..."
	if containsAny(lower, errorNeedles) || strings.HasPrefix(trimmed, "E: ") {
		if len(d.Errors) < maxIssues {
			d.Errors = append(d.Errors, line)
		}
		return
	}
	if (containsAny(lower, warningNeedles) || strings.HasPrefix(trimmed, "W: ")) && len(d.Warnings) < maxIssues {
		d.Warnings = append(d.Warnings, line)
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func nonEmptyLines(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
