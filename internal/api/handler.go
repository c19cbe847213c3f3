package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/classla/ide-orchestrator/internal/config"
	"github.com/classla/ide-orchestrator/internal/domain"
	"github.com/classla/ide-orchestrator/internal/events"
	"github.com/classla/ide-orchestrator/internal/exec"
	"github.com/classla/ide-orchestrator/internal/ident"
	"github.com/classla/ide-orchestrator/internal/lifecycle"
	"github.com/classla/ide-orchestrator/internal/metrics"
	"github.com/classla/ide-orchestrator/pkg/logging"
	"github.com/gin-gonic/gin"
)

// Orchestrator is the lifecycle surface the API depends on.
type Orchestrator interface {
	Start(ctx context.Context, req lifecycle.StartRequest) (*domain.Container, bool, error)
	Get(ctx context.Context, containerID string) (*domain.Container, error)
	CheckStatus(ctx context.Context, containerID string) (*domain.Container, error)
	Stop(ctx context.Context, containerID string) (*domain.Container, error)
	Stats(ctx context.Context) (*lifecycle.Stats, error)
}

// Runner dispatches run requests to a container's execution service.
type Runner interface {
	Run(ctx context.Context, c *domain.Container, filename, language string) (*exec.Result, error)
}

// ErrorResponse is the JSON error envelope for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StartContainerRequest is the request body for POST /ide/start-container.
type StartContainerRequest struct {
	BucketRef       string `json:"bucketRef" binding:"required"`
	UserID          string `json:"userId" binding:"required"`
	EnvironmentMode string `json:"environmentMode"`
}

// RunRequest is the request body for POST /ide/container/:containerId/run.
type RunRequest struct {
	Filename string `json:"filename" binding:"required"`
	Language string `json:"language"`
}

// Handler holds the HTTP handlers and dependencies.
type Handler struct {
	cfg     *config.Config
	orch    Orchestrator
	runner  Runner
	bus     *events.Bus
	metrics *metrics.Collector
	logger  *logging.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	cfg *config.Config,
	orch Orchestrator,
	runner Runner,
	bus *events.Bus,
	m *metrics.Collector,
	logger *logging.Logger,
) *Handler {
	return &Handler{
		cfg:     cfg,
		orch:    orch,
		runner:  runner,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "api"),
	}
}

// Router returns the configured Gin router.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Observe(h.metrics, h.logger))

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	ide := r.Group("/ide")
	ide.Use(APIKeyAuth(h.cfg.API.Key))
	{
		ide.POST("/start-container", h.startContainer)
		ide.GET("/stats", h.stats)
		ide.POST("/:containerId/run", h.runFile)

		ct := ide.Group("/container")
		{
			ct.GET("/:containerId", h.getContainer)
			ct.DELETE("/:containerId", h.stopContainer)
			ct.POST("/:containerId/run", h.runFile)
			ct.GET("/:containerId/events", h.streamEvents)
		}
	}

	return r
}

// health returns a simple health check response.
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   h.cfg.Endpoints.Mode,
	})
}

// startContainer starts (or returns) the caller's container for a bucket.
// Repeating the request while the container is alive returns the same
// container with a 200 instead of provisioning another one.
func (h *Handler) startContainer(c *gin.Context) {
	var req StartContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BAD_REQUEST"})
		return
	}

	ct, created, err := h.orch.Start(c.Request.Context(), lifecycle.StartRequest{
		UserID:    req.UserID,
		BucketRef: req.BucketRef,
		Mode:      domain.ParseEnvironmentMode(req.EnvironmentMode),
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoPortsAvailable) || errors.Is(err, domain.ErrAllocationExhausted) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "CAPACITY"})
			return
		}
		h.logger.WithContext(c.Request.Context()).Error("Start failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to start container", Code: "INTERNAL"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, clientView(ct))
}

// containerID extracts and validates the container ID path parameter.
// Malformed IDs never reach the store; they answer the same 404 as an
// unknown ID.
func (h *Handler) containerID(c *gin.Context) (string, bool) {
	id := c.Param("containerId")
	if !ident.ValidateID(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "container not found", Code: "NOT_FOUND"})
		return "", false
	}
	return id, true
}

// getContainer reconciles and returns one container's status.
func (h *Handler) getContainer(c *gin.Context) {
	id, ok := h.containerID(c)
	if !ok {
		return
	}

	ct, err := h.orch.CheckStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "container not found", Code: "NOT_FOUND"})
			return
		}
		h.logger.WithContext(c.Request.Context()).Error("Status check failed", "containerID", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to check status", Code: "INTERNAL"})
		return
	}

	c.JSON(http.StatusOK, clientView(ct))
}

// stopContainer tears the container down.
func (h *Handler) stopContainer(c *gin.Context) {
	id, ok := h.containerID(c)
	if !ok {
		return
	}

	ct, err := h.orch.Stop(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "container not found", Code: "NOT_FOUND"})
			return
		}
		h.logger.WithContext(c.Request.Context()).Error("Stop failed", "containerID", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to stop container", Code: "INTERNAL"})
		return
	}

	c.JSON(http.StatusOK, clientView(ct))
}

// runFile forwards a run request to the container's execution service.
func (h *Handler) runFile(c *gin.Context) {
	id, ok := h.containerID(c)
	if !ok {
		return
	}

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "BAD_REQUEST"})
		return
	}

	ct, err := h.orch.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "container not found", Code: "NOT_FOUND"})
			return
		}
		h.logger.WithContext(c.Request.Context()).Error("Lookup failed", "containerID", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load container", Code: "INTERNAL"})
		return
	}

	lang := req.Language
	if lang == "" {
		lang = exec.LanguageFor(req.Filename)
	}

	started := time.Now()
	result, err := h.runner.Run(c.Request.Context(), ct, req.Filename, lang)
	h.metrics.ExecutionDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		h.metrics.ExecutionsTotal.WithLabelValues(lang, "failure").Inc()
		if errors.Is(err, domain.ErrContainerTerminal) {
			c.JSON(http.StatusConflict, ErrorResponse{
				Error: "container is " + string(ct.Status),
				Code:  "TERMINAL",
			})
			return
		}
		var execErr *exec.ExecutionError
		if errors.As(err, &execErr) {
			// The runner rejected the request; hand its message through
			// untouched so the client sees exactly what the workspace said.
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: execErr.Message, Code: "EXECUTION"})
			return
		}
		h.logger.WithContext(c.Request.Context()).Error("Run failed", "containerID", id, "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "workspace unreachable", Code: "UNREACHABLE"})
		return
	}
	h.metrics.ExecutionsTotal.WithLabelValues(lang, "success").Inc()

	c.JSON(http.StatusOK, result)
}

// streamEvents streams the container's state changes over SSE. Clients
// receive every transition at least once from the moment they connect,
// starting with a snapshot of the current status.
func (h *Handler) streamEvents(c *gin.Context) {
	id, ok := h.containerID(c)
	if !ok {
		return
	}

	ct, err := h.orch.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrContainerNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "container not found", Code: "NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load container", Code: "INTERNAL"})
		return
	}

	sub := h.bus.Subscribe(id)
	defer sub.Close()

	h.metrics.EventSubscriptions.Inc()
	defer h.metrics.EventSubscriptions.Dec()

	// The server's write timeout would cut long-lived streams; clear the
	// per-request deadline where the runtime allows it. When it does not,
	// the stream ends at the timeout and clients reconnect, receiving a
	// fresh snapshot before further transitions.
	if err := http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.WithContext(c.Request.Context()).Debug("Event stream keeps server write deadline", "error", err)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Snapshot first so late subscribers know where they stand.
	c.SSEvent("status", gin.H{
		"containerId": ct.ID,
		"status":      ct.Status,
		"message":     ct.StatusMessage,
	})
	c.Writer.Flush()

	// Nothing further can happen to a terminal container.
	if ct.Terminal() {
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("transition", ev)
			// Terminal transitions end the stream; clients must drop
			// any cached container references on killed or failed.
			return !ev.New.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// stats returns the orchestrator's container census.
func (h *Handler) stats(c *gin.Context) {
	s, err := h.orch.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("Stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to collect stats", Code: "INTERNAL"})
		return
	}
	c.JSON(http.StatusOK, s)
}

// clientView strips internal-only fields from a container before it goes
// over the wire. The runner URL is consumed by the execution gateway, not
// by browsers.
func clientView(ct *domain.Container) *domain.Container {
	cp := *ct
	cp.URLs.Runner = ""
	return &cp
}
