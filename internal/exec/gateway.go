// Package exec forwards run requests to the runner service embedded in
// each workspace container.
package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/pkg/logging"
)

// languageByExtension maps file extensions to the runtime identifier
// the in-container runner understands. Unknown extensions default to
// python.
var languageByExtension = map[string]string{
	"py":   "python",
	"js":   "node",
	"ts":   "node",
	"java": "java",
	"sh":   "bash",
}

const defaultLanguage = "python"

// LanguageFor derives the runner language from a filename.
func LanguageFor(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if lang, ok := languageByExtension[ext]; ok {
		return lang
	}
	return defaultLanguage
}

// Request is a run request against one container's workspace. The file
// must already be persisted in the workspace; the gateway never writes
// files itself.
type Request struct {
	Filename string `json:"filename"`
	Language string `json:"language"`
}

// Result is the runner's response to an execution.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration int64  `json:"duration_ms"`
}

// ExecutionError carries the runner-provided message for a failed run.
type ExecutionError struct {
	ContainerID string
	StatusCode  int
	Message     string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed on %s (status %d): %s", e.ContainerID, e.StatusCode, e.Message)
}

// Gateway issues execute calls against the runner endpoint of a container.
type Gateway struct {
	client *http.Client
	logger *logging.Logger
}

// NewGateway creates a Gateway with the given per-call timeout.
func NewGateway(timeout time.Duration, logger *logging.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "exec"),
	}
}

// Run executes filename inside the container's workspace. The language
// is derived from the extension unless the caller pins one explicitly.
// Containers in a terminal state are rejected without contacting the
// runtime.
func (g *Gateway) Run(ctx context.Context, c *domain.Container, filename, language string) (*Result, error) {
	if c.Terminal() {
		return nil, fmt.Errorf("%w: container %s is %s", domain.ErrContainerTerminal, c.ID, c.Status)
	}
	if c.URLs.Runner == "" {
		return nil, fmt.Errorf("container %s has no runner endpoint", c.ID)
	}

	if language == "" {
		language = LanguageFor(filename)
	}

	body, err := json.Marshal(Request{Filename: filename, Language: language})
	if err != nil {
		return nil, fmt.Errorf("failed to encode run request: %w", err)
	}

	url := strings.TrimSuffix(c.URLs.Runner, "/") + "/execute"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	g.logger.Debug("Dispatching run", "containerID", c.ID, "filename", filename, "language", language)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("run request to %s failed: %w", c.ID, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Propagate the runner's message verbatim.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ExecutionError{
			ContainerID: c.ID,
			StatusCode:  resp.StatusCode,
			Message:     strings.TrimSpace(string(msg)),
		}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode run response: %w", err)
	}

	return &result, nil
}
