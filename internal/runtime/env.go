package runtime

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/classla/ide-orchestrator/internal/domain"
)

// buildEnvMap constructs the environment for a workspace container. The
// gateway inside the image reads these to know which ports to multiplex
// and what identity to report.
func buildEnvMap(opts CreateOptions) map[string]string {
	env := map[string]string{
		"WORKSPACE_ID":     opts.Name,
		"GATEWAY_PORT":     strconv.Itoa(domain.GatewayPort),
		"TERMINAL_PORT":    strconv.Itoa(domain.ServicePorts[domain.ServiceTerminal]),
		"VNC_PORT":         strconv.Itoa(domain.ServicePorts[domain.ServiceVNC]),
		"WEB_SERVER_PORT":  strconv.Itoa(domain.ServicePorts[domain.ServiceWebServer]),
		"CODE_SERVER_PORT": strconv.Itoa(domain.ServicePorts[domain.ServiceCodeServer]),
		"RUNNER_PORT":      strconv.Itoa(domain.ServicePorts[domain.ServiceRunner]),
	}

	for k, v := range opts.EnvVars {
		env[k] = v
	}

	return env
}

// buildEnv flattens the environment into KEY=VALUE form, sorted for
// deterministic container specs.
func buildEnv(opts CreateOptions) []string {
	m := buildEnvMap(opts)
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	return env
}
