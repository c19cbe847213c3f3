package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Runtime   RuntimeConfig
	Endpoints EndpointsConfig
	Store     StoreConfig
	Queue     QueueConfig
	Ledger    LedgerConfig
	Allocator AllocatorConfig
	Lifecycle LifecycleConfig
	Ingress   IngressConfig
	API       APIConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type RuntimeConfig struct {
	Mode           string // "docker" or "podman"
	Image          string
	Network        string
	PodmanSocket   string
	PortRangeStart int
	PortRangeEnd   int
}

type EndpointsConfig struct {
	Mode       string // "remote" or "local"
	Scheme     string // remote URL scheme
	BaseDomain string // ingress base domain for remote mode
	AgentHost  string // developer-local agent
	AgentPort  int
}

type StoreConfig struct {
	ValkeyAddr string
	Password   string
	DB         int
}

type QueueConfig struct {
	NATSURL     string
	StreamName  string
	WorkerCount int
}

// LedgerConfig configures the optional MySQL session ledger. An empty
// DSN disables it.
type LedgerConfig struct {
	DSN string
}

type AllocatorConfig struct {
	IDLength    int
	MaxAttempts int
}

type LifecycleConfig struct {
	RuntimeCallTimeout time.Duration // bound on any single runtime API call
	ReadyTimeout       time.Duration // provisioning health-check budget
	ExecTimeout        time.Duration // run-request budget
	IdleTTL            time.Duration // running container reaped after this much silence
	ReaperInterval     time.Duration
	TerminalRetention  time.Duration // terminal records kept this long for status queries
}

// IngressConfig configures the Caddy admin API used to program remote
// routes. An empty admin URL disables route management entirely (the
// ingress is assumed to be configured out of band).
type IngressConfig struct {
	CaddyAdminURL string
}

type APIConfig struct {
	Key string // empty disables API-key auth (development)
}

// Load loads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Runtime: RuntimeConfig{
			Mode:           getEnv("RUNTIME_MODE", "docker"),
			Image:          getEnv("RUNTIME_IMAGE", "classla/ide-workspace:latest"),
			Network:        getEnv("RUNTIME_NETWORK", "ide-net"),
			PodmanSocket:   getEnv("PODMAN_SOCKET", "unix:///run/podman/podman.sock"),
			PortRangeStart: getEnvInt("RUNTIME_PORT_RANGE_START", 33000),
			PortRangeEnd:   getEnvInt("RUNTIME_PORT_RANGE_END", 33999),
		},
		Endpoints: EndpointsConfig{
			Mode:       getEnv("ENVIRONMENT_MODE", "remote"),
			Scheme:     getEnv("ENDPOINT_SCHEME", "https"),
			BaseDomain: getEnv("ENDPOINT_BASE_DOMAIN", "ide.classla.dev"),
			AgentHost:  getEnv("LOCAL_AGENT_HOST", "localhost"),
			AgentPort:  getEnvInt("LOCAL_AGENT_PORT", 9090),
		},
		Store: StoreConfig{
			ValkeyAddr: getEnv("VALKEY_ADDR", "localhost:6379"),
			Password:   getEnv("VALKEY_PASSWORD", ""),
			DB:         getEnvInt("VALKEY_DB", 0),
		},
		Queue: QueueConfig{
			NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName:  getEnv("NATS_STREAM_NAME", "IDE"),
			WorkerCount: getEnvInt("NATS_WORKER_COUNT", 3),
		},
		Ledger: LedgerConfig{
			DSN: getEnv("LEDGER_MYSQL_DSN", ""),
		},
		Allocator: AllocatorConfig{
			IDLength:    getEnvInt("ALLOCATOR_ID_LENGTH", 8),
			MaxAttempts: getEnvInt("ALLOCATOR_MAX_ATTEMPTS", 10),
		},
		Lifecycle: LifecycleConfig{
			RuntimeCallTimeout: getEnvDuration("RUNTIME_CALL_TIMEOUT", 15*time.Second),
			ReadyTimeout:       getEnvDuration("READY_TIMEOUT", 2*time.Minute),
			ExecTimeout:        getEnvDuration("EXEC_TIMEOUT", 30*time.Second),
			IdleTTL:            getEnvDuration("IDLE_TTL", 45*time.Minute),
			ReaperInterval:     getEnvDuration("REAPER_INTERVAL", 1*time.Minute),
			TerminalRetention:  getEnvDuration("TERMINAL_RETENTION", 1*time.Hour),
		},
		Ingress: IngressConfig{
			CaddyAdminURL: getEnv("CADDY_ADMIN_URL", ""),
		},
		API: APIConfig{
			Key: getEnv("API_KEY", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
