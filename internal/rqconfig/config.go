package rqconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// RunQueue Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Security SecurityConfig `yaml:"security"`
	Docker   DockerConfig   `yaml:"docker"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type EngineConfig struct {
	PoolSize       int    `yaml:"pool_size"`
	LogDir         string `yaml:"log_dir"`
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	WorkspaceDir   string `yaml:"workspace_dir"`
	PersistFile    string `yaml:"persist_file"`
	// RedisAddr, when set, enables cross-process event fan-out (rqfanout)
	// so more than one façade process sharing a workspace relays events to
	// each other's connected clients. Empty disables it entirely.
	RedisAddr string `yaml:"redis_addr"`
}

type ServerConfig struct {
	Host               string `yaml:"host"`
	Port               uint16 `yaml:"port"`
	RecvTimeoutMs      int    `yaml:"recv_timeout_ms"`
	ClientDrainSec     int    `yaml:"client_drain_sec"`
}

type ClientConfig struct {
	Host              string `yaml:"host"`
	Port              uint16 `yaml:"port"`
	CallTimeoutMs     int    `yaml:"call_timeout_ms"`
	LogFetchTimeoutMs int    `yaml:"log_fetch_timeout_ms"`
}

type SecurityConfig struct {
	SharedPassword string `yaml:"shared_password"`
}

// DockerConfig holds settings for the container-backed worker spawner
// (runqueue.DockerWorkerSpawner). It is loaded and env-overridable, but
// cmd/runqueue-server does not read it: the server always runs items with
// the in-process goroutine spawner.
type DockerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Image      string `yaml:"image"`
	NetworkID  string `yaml:"network_id"`
	MemLimitMB int64  `yaml:"mem_limit_mb"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loaded once from
// CONFIG_PATH (default "config.yaml") with environment overrides applied.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("rqconfig: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses a YAML config file from path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Engine.LogDir = getEnv("RUNQUEUE_LOG_DIR", c.Engine.LogDir)
	c.Engine.WorkspaceDir = getEnv("RUNQUEUE_WORKSPACE_DIR", c.Engine.WorkspaceDir)
	c.Engine.PersistFile = getEnv("RUNQUEUE_PERSIST_FILE", c.Engine.PersistFile)
	c.Engine.RedisAddr = getEnv("RUNQUEUE_REDIS_ADDR", c.Engine.RedisAddr)
	if v := getEnvInt("RUNQUEUE_POOL_SIZE", 0); v != 0 {
		c.Engine.PoolSize = v
	}

	c.Server.Host = getEnv("RUNQUEUE_SERVER_HOST", c.Server.Host)
	if v := getEnvInt("RUNQUEUE_SERVER_PORT", 0); v > 0 {
		c.Server.Port = uint16(v)
	}

	c.Client.Host = getEnv("RUNQUEUE_CLIENT_HOST", c.Client.Host)
	if v := getEnvInt("RUNQUEUE_CLIENT_PORT", 0); v > 0 {
		c.Client.Port = uint16(v)
	}

	c.Security.SharedPassword = getEnv("RUNQUEUE_SHARED_PASSWORD", c.Security.SharedPassword)

	c.Docker.Image = getEnv("RUNQUEUE_DOCKER_IMAGE", c.Docker.Image)
	c.Docker.Enabled = getEnvBool("RUNQUEUE_DOCKER_ENABLED", c.Docker.Enabled)

	c.Metrics.Addr = getEnv("RUNQUEUE_METRICS_ADDR", c.Metrics.Addr)
	c.Metrics.Enabled = getEnvBool("RUNQUEUE_METRICS_ENABLED", c.Metrics.Enabled)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Engine.PoolSize == 0 {
		c.Engine.PoolSize = 2
	}
	if c.Engine.LogDir == "" {
		c.Engine.LogDir = "./runqueue-logs"
	}
	if c.Engine.TickIntervalMs == 0 {
		c.Engine.TickIntervalMs = 1000
	}
	if c.Engine.PollIntervalMs == 0 {
		c.Engine.PollIntervalMs = 50
	}
	if c.Engine.WorkspaceDir == "" {
		c.Engine.WorkspaceDir = "."
	}
	if c.Engine.PersistFile == "" {
		c.Engine.PersistFile = filepath.Join(c.Engine.WorkspaceDir, "run_queue_data.rq")
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7777
	}
	if c.Server.RecvTimeoutMs == 0 {
		c.Server.RecvTimeoutMs = 500
	}
	if c.Server.ClientDrainSec == 0 {
		c.Server.ClientDrainSec = 5
	}

	if c.Client.Host == "" {
		c.Client.Host = "127.0.0.1"
	}
	if c.Client.Port == 0 {
		c.Client.Port = 7777
	}
	if c.Client.CallTimeoutMs == 0 {
		c.Client.CallTimeoutMs = 5000
	}
	if c.Client.LogFetchTimeoutMs == 0 {
		c.Client.LogFetchTimeoutMs = 20000
	}

	if c.Docker.Image == "" {
		c.Docker.Image = "runqueue-worker:latest"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
