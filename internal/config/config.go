package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS        NATSConfig            `yaml:"nats"`
	Store       StoreConfig           `yaml:"store"`
	Web         WebConfig             `yaml:"web"`
	Negotiation NegotiationConfig     `yaml:"negotiation"`
	Workflow    WorkflowConfig        `yaml:"workflow"`
	Scheduler   SchedulerConfig       `yaml:"scheduler"`
	Peers       map[string]PeerConfig `yaml:"peers"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// NegotiationConfig holds the defaults applied when a negotiation request
// leaves a field unset.
type NegotiationConfig struct {
	HostID       string        `yaml:"host_id"`
	RoundTimeout time.Duration `yaml:"round_timeout"`
	MaxRounds    int           `yaml:"max_rounds"`
	SendRetries  int           `yaml:"send_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type WorkflowConfig struct {
	Parallelism int `yaml:"parallelism"`
}

// SchedulerConfig controls recurring negotiations. A negotiation starts Lead
// before the meeting it schedules.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Lead         time.Duration `yaml:"lead"`
}

// PeerConfig declares a peer agent served by the gateway. Busy windows seed
// its in-memory calendar.
type PeerConfig struct {
	Capabilities []string     `yaml:"capabilities"`
	Busy         []BusyWindow `yaml:"busy"`
}

type BusyWindow struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/parley.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Negotiation: NegotiationConfig{
			HostID:       "host",
			RoundTimeout: 10 * time.Second,
			MaxRounds:    3,
			SendRetries:  3,
			RetryBackoff: 200 * time.Millisecond,
		},
		Workflow: WorkflowConfig{
			Parallelism: 1,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
			Lead:         time.Hour,
		},
	}
}

func Load() (*Config, error) {
	path := os.Getenv("PARLEY_CONFIG")
	if path == "" {
		path = "config/parley.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads the config at path. A missing file is not an error; the
// defaults and environment overrides are used instead.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	n := c.Negotiation
	if n.HostID == "" {
		return fmt.Errorf("negotiation.host_id is required")
	}
	if n.RoundTimeout <= 0 {
		return fmt.Errorf("negotiation.round_timeout must be positive")
	}
	if n.MaxRounds <= 0 {
		return fmt.Errorf("negotiation.max_rounds must be positive")
	}
	if n.SendRetries < 1 {
		return fmt.Errorf("negotiation.send_retries must be at least 1")
	}
	if c.Scheduler.Lead < 0 {
		return fmt.Errorf("scheduler.lead must not be negative")
	}
	if _, ok := c.Peers[n.HostID]; ok {
		return fmt.Errorf("peer %q collides with the host id", n.HostID)
	}
	for id, p := range c.Peers {
		for i, w := range p.Busy {
			if !w.End.After(w.Start) {
				return fmt.Errorf("peer %s: busy window %d ends before it starts", id, i)
			}
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PARLEY_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("PARLEY_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("PARLEY_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PARLEY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PARLEY_HOST_ID"); v != "" {
		cfg.Negotiation.HostID = v
	}
	if v := os.Getenv("PARLEY_ROUND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Negotiation.RoundTimeout = d
		}
	}
	if v := os.Getenv("PARLEY_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Negotiation.MaxRounds = n
		}
	}
}
