// Package config loads and validates the dispatchd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete dispatchd configuration.
type Config struct {
	Client  ClientConfig        `yaml:"client"`
	IPC     IPCConfig           `yaml:"ipc"`
	Admin   AdminConfig         `yaml:"admin"`
	Groups  map[int]GroupConfig `yaml:"groups"`
	Timeout TimeoutConfig       `yaml:"timeout"`
	Logging LogConfig           `yaml:"logging"`
	Watch   WatchConfig         `yaml:"watch"`

	// ChildProcessEnvKey names the environment variable the master sets
	// on spawned children to tell them their role. Configurable so a
	// deployment can avoid colliding with an unrelated env var of the
	// same name.
	ChildProcessEnvKey string `yaml:"child_process_env_key"`
}

// ClientConfig is the front-end TCP listener the proxy exposes to clients.
type ClientConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Backlog int    `yaml:"backlog"`
}

// IPCConfig locates the Unix-domain sockets used between master, proxy,
// and workers.
type IPCConfig struct {
	AddressDirectory string `yaml:"address_directory"`
	MasterAddress    string `yaml:"master_address"`
	WorkerAddressTpl string `yaml:"worker_address_tpl"` // must contain exactly one %d
	AdminAddress     string `yaml:"admin_address"`
}

// AdminConfig holds the admin auth credential pair consumed by the proxy.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GroupConfig is the desired worker count for one group.
type GroupConfig struct {
	Count int `yaml:"count"`
}

// TimeoutConfig groups every optional deadline named in the base spec. A
// zero Duration means "never expire" for the client/job timeouts (§5), and
// means "no forced kill" for StopTimeout.
type TimeoutConfig struct {
	Client Duration `yaml:"client"` // PROXY_CLIENT_TIMEOUT
	Job    Duration `yaml:"job"`    // JOB_TIMEOUT
	Stop   Duration `yaml:"stop"`   // STOP_TIMEOUT
}

// LogConfig configures the ambient slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// WatchConfig controls the master's optional poll of its own config file;
// when enabled, a changed file triggers the same reload a SIGHUP would.
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// Duration is a time.Duration that supports YAML string unmarshaling, e.g.
// "500ms" or "0" for disabled.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads config from a YAML file, applying defaults for missing values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Client.Port <= 0 {
		return fmt.Errorf("client.port must be > 0, got %d", c.Client.Port)
	}
	if c.Client.Backlog <= 0 {
		return fmt.Errorf("client.backlog must be > 0, got %d", c.Client.Backlog)
	}
	if c.IPC.AddressDirectory == "" {
		return fmt.Errorf("ipc.address_directory is required")
	}
	if c.IPC.MasterAddress == "" {
		return fmt.Errorf("ipc.master_address is required")
	}
	if c.IPC.AdminAddress == "" {
		return fmt.Errorf("ipc.admin_address is required")
	}
	if c.IPC.WorkerAddressTpl == "" {
		return fmt.Errorf("ipc.worker_address_tpl is required")
	}
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group must be configured")
	}
	for id, g := range c.Groups {
		if g.Count <= 0 {
			return fmt.Errorf("groups[%d].count must be > 0, got %d", id, g.Count)
		}
	}
	if c.ChildProcessEnvKey == "" {
		return fmt.Errorf("child_process_env_key is required")
	}
	return nil
}

// WorkerAddress returns the Unix-domain socket path the workers of the
// given group connect to.
func (c *Config) WorkerAddress(groupID int) string {
	return fmt.Sprintf(c.IPC.WorkerAddressTpl, groupID)
}
