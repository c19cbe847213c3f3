package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/classla/ide-orchestrator/pkg/logging"
)

// HealthCheckConfig contains configuration for gateway health checks.
type HealthCheckConfig struct {
	TCPTimeout  time.Duration
	HTTPTimeout time.Duration
}

// DefaultHealthCheckConfig returns sensible defaults for health checking.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		TCPTimeout:  2 * time.Second,
		HTTPTimeout: 5 * time.Second,
	}
}

// CheckGatewayHealth checks if a workspace gateway is healthy by
// performing TCP and HTTP checks against its host port mapping. It first
// performs a TCP connect check (faster) to verify the process is
// listening, then makes an HTTP request to verify a response.
//
// Returns:
//   - true if both TCP and HTTP checks pass
//   - false if either check fails (with no error - this is expected during startup)
//   - error only for unexpected failures (not connection refused or timeout)
func CheckGatewayHealth(ctx context.Context, client *http.Client, port int, runtimeID string, logger *logging.Logger) (bool, error) {
	return CheckGatewayHealthWithConfig(ctx, client, port, runtimeID, logger, DefaultHealthCheckConfig())
}

// CheckGatewayHealthWithConfig performs the health check with custom configuration.
func CheckGatewayHealthWithConfig(ctx context.Context, client *http.Client, port int, runtimeID string, logger *logging.Logger, cfg HealthCheckConfig) (bool, error) {
	addr := fmt.Sprintf("localhost:%d", port)

	// Truncate runtime ID for logging (first 12 chars like Docker does)
	shortID := runtimeID
	if len(runtimeID) > 12 {
		shortID = runtimeID[:12]
	}

	// First: TCP connect check (faster than HTTP, catches "connection refused" quickly)
	conn, err := net.DialTimeout("tcp", addr, cfg.TCPTimeout)
	if err != nil {
		// Connection refused is expected during startup
		logger.Debug("Health check TCP failed", "runtimeID", shortID, "error", err)
		return false, nil
	}
	conn.Close()

	// Then: HTTP GET against the gateway to verify it responds
	url := fmt.Sprintf("http://%s/healthz", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, nil
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("Health check HTTP failed", "runtimeID", shortID, "error", err)
		return false, nil
	}
	defer func() {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// Any response in 2xx-4xx range means the gateway is up.
	// 5xx indicates the gateway itself is failing, which means not ready.
	healthy := resp.StatusCode >= 200 && resp.StatusCode < 500
	if !healthy {
		logger.Debug("Health check HTTP unexpected status", "runtimeID", shortID, "status", resp.StatusCode)
	}
	return healthy, nil
}
