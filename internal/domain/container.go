package domain

import "time"

// ContainerStatus represents the lifecycle state of an IDE container.
type ContainerStatus string

const (
	StatusPending  ContainerStatus = "pending"  // Descriptor built, not yet persisted
	StatusStarting ContainerStatus = "starting" // Provisioning in progress
	StatusRunning  ContainerStatus = "running"  // Services reachable
	StatusStopping ContainerStatus = "stopping" // Teardown requested by the owner
	StatusStopped  ContainerStatus = "stopped"  // Clean teardown confirmed
	StatusFailed   ContainerStatus = "failed"   // Provisioning error
	StatusKilled   ContainerStatus = "killed"   // Terminated outside of an explicit stop
)

// Terminal reports whether no further transitions are possible from s.
// Only from a terminal state may the container's ID be released.
func (s ContainerStatus) Terminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// EnvironmentMode selects how a container's service endpoints resolve.
type EnvironmentMode string

const (
	ModeRemote EnvironmentMode = "remote" // Hosted runtime behind the ingress
	ModeLocal  EnvironmentMode = "local"  // Developer-local agent
)

// ParseEnvironmentMode maps a client-supplied mode string onto an
// EnvironmentMode, defaulting to remote for anything unrecognized.
func ParseEnvironmentMode(s string) EnvironmentMode {
	if s == string(ModeLocal) {
		return ModeLocal
	}
	return ModeRemote
}

// Service names exposed by every IDE container, and the well-known ports
// the corresponding processes listen on inside the container. The
// in-container gateway multiplexes all of them behind GatewayPort for
// single-port (local/dev) deployments.
const (
	ServiceTerminal   = "terminal"
	ServiceVNC        = "vnc"
	ServiceWebServer  = "web"
	ServiceCodeServer = "code"
	ServiceRunner     = "runner"

	GatewayPort = 8080
)

// ServicePorts maps each service to its in-container port.
var ServicePorts = map[string]int{
	ServiceTerminal:   7681,
	ServiceVNC:        6080,
	ServiceWebServer:  3000,
	ServiceCodeServer: 8443,
	ServiceRunner:     8090,
}

// Services lists all service names in a stable order.
var Services = []string{ServiceTerminal, ServiceVNC, ServiceWebServer, ServiceCodeServer, ServiceRunner}

// ServiceURLs holds the externally reachable URL for each service of a
// container. Runner is consumed internally by the execution gateway and
// not surfaced to clients.
type ServiceURLs struct {
	Terminal   string `json:"terminal"`
	VNC        string `json:"vnc"`
	WebServer  string `json:"web_server"`
	CodeServer string `json:"code_server"`
	Runner     string `json:"runner,omitempty"`
}

// Container is the client-visible descriptor of one IDE container.
type Container struct {
	ID            string          `json:"id"`
	OwnerKey      string          `json:"owner_key"`
	BucketRef     string          `json:"bucket_ref"`
	RuntimeID     string          `json:"runtime_id,omitempty"` // backend handle, set once provisioned
	Status        ContainerStatus `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	Mode          EnvironmentMode `json:"mode"`
	HostPort      int             `json:"host_port,omitempty"` // gateway port mapping on the host
	URLs          ServiceURLs     `json:"urls"`
	Generation    uint64          `json:"generation"`
	CreatedAt     time.Time       `json:"created_at"`
	LastSeenAt    time.Time       `json:"last_seen_at"`
}

// Terminal reports whether the container is in a terminal state.
func (c *Container) Terminal() bool {
	return c.Status.Terminal()
}

// IdleFor returns how long the container has gone without being observed
// by a status check.
func (c *Container) IdleFor(now time.Time) time.Duration {
	if c.LastSeenAt.IsZero() {
		return now.Sub(c.CreatedAt)
	}
	return now.Sub(c.LastSeenAt)
}

// MakeOwnerKey derives the idempotency key for container reuse from the
// requesting user and the workspace bucket backing the exercise.
func MakeOwnerKey(userID, bucketRef string) string {
	return userID + ":" + bucketRef
}
