package diagnostics

import "fmt"

// SystemInfoScript prints host facts as sections.
func SystemInfoScript() []string {
	return []string{
		section("HOSTNAME", "hostname"),
		section("OS", "grep -E '^(PRETTY_NAME|VERSION_ID)=' /etc/os-release"),
		section("KERNEL", "uname -r"),
		section("UPTIME", "uptime -p"),
		section("CPU", "nproc"),
		section("MEMORY", "free -m"),
		section("DISK", "df -h /"),
	}
}

// ServiceStatusScript prints the state of the services a deployment
// depends on, plus the deployments present under appRoot.
func ServiceStatusScript(appRoot string) []string {
	return []string{
		section("NGINX", "systemctl is-active nginx; nginx -v 2>&1"),
		section("NODE", "node --version 2>/dev/null || echo missing"),
		section("NPM", "npm --version 2>/dev/null || echo missing"),
		section("GIT", "git --version 2>/dev/null || echo missing"),
		section("FIREWALL", "ufw status 2>/dev/null || echo unavailable"),
		section("SSM AGENT", "systemctl is-active snap.amazon-ssm-agent.amazon-ssm-agent.service 2>/dev/null || systemctl is-active amazon-ssm-agent 2>/dev/null || echo unknown"),
		section("DEPLOYMENTS", fmt.Sprintf("ls -1 %s 2>/dev/null || true", appRoot)),
	}
}

func section(name, cmd string) string {
	return fmt.Sprintf("echo '%s'; %s", SectionHeader(name), cmd)
}
