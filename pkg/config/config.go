package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the daemon configuration, loaded from YAML with environment
// overrides for secrets.
type Config struct {
	Listen string `yaml:"listen"`

	Stream      StreamConfig      `yaml:"stream"`
	Redis       RedisConfig       `yaml:"redis"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Jobs        JobConfig         `yaml:"jobs"`
	Replication ReplicationConfig `yaml:"replication"`
	Auth        AuthConfig        `yaml:"auth"`
	Log         LogConfig         `yaml:"log"`
}

// StreamConfig configures the token-gated stream listeners.
type StreamConfig struct {
	TCP  string `yaml:"tcp"`
	Unix string `yaml:"unix"`
}

// RedisConfig configures the persistence client.
type RedisConfig struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	DialTimeout Duration `yaml:"dial_timeout"`
	OpTimeout   Duration `yaml:"op_timeout"`
	MaxRetries  int      `yaml:"max_retries"`
}

// TokenConfig configures the capability token store.
type TokenConfig struct {
	Prefix      string   `yaml:"prefix"`
	DefaultTTL  Duration `yaml:"default_ttl"`
	MaxTTL      Duration `yaml:"max_ttl"`
	MaxPerOwner int      `yaml:"max_per_owner"`
	SingleUse   bool     `yaml:"single_use"`
	MACSecret   string   `yaml:"mac_secret"`
}

// JobConfig configures the background job manager.
type JobConfig struct {
	Workers   int      `yaml:"workers"`
	Queue     string   `yaml:"queue"`
	RecordTTL Duration `yaml:"record_ttl"`
}

// ReplicationConfig configures the replication engine's policy knobs.
type ReplicationConfig struct {
	Meter                    string   `yaml:"meter"`
	RateLimit                string   `yaml:"rate_limit"`
	Compression              string   `yaml:"compression"`
	RetryResumeAsIncremental bool     `yaml:"retry_resume_as_incremental"`
	CaseInsensitiveFallback  bool     `yaml:"case_insensitive_fallback"`
	SyncHolds                bool     `yaml:"sync_holds"`
	SSHUser                  string   `yaml:"ssh_user"`
	SSHPort                  int      `yaml:"ssh_port"`
	SSHOptions               []string `yaml:"ssh_options"`
}

// AuthConfig configures control-API caller identity resolution.
type AuthConfig struct {
	// StaticTokens maps bearer tokens to owner identities.
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":8044",
		Stream: StreamConfig{
			TCP:  ":8045",
			Unix: "/run/zmigrate/stream.sock",
		},
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			DialTimeout: Duration(5 * time.Second),
			OpTimeout:   Duration(5 * time.Second),
			MaxRetries:  5,
		},
		Tokens: TokenConfig{
			Prefix:      "zmigrate",
			DefaultTTL:  Duration(time.Hour),
			MaxTTL:      Duration(24 * time.Hour),
			MaxPerOwner: 64,
			SingleUse:   true,
		},
		Jobs: JobConfig{
			Workers:   4,
			Queue:     "jobs:queue",
			RecordTTL: Duration(7 * 24 * time.Hour),
		},
		Replication: ReplicationConfig{
			Meter:                    "pv",
			Compression:              "auto",
			RetryResumeAsIncremental: true,
			SyncHolds:                true,
			SSHUser:                  "root",
			SSHPort:                  22,
			SSHOptions:               []string{"BatchMode=yes", "StrictHostKeyChecking=accept-new"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path returns defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets from the environment. Environment values win
// over file values so secrets stay out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("ZMIGRATE_MAC_SECRET"); v != "" {
		c.Tokens.MACSecret = v
	}
	if v := os.Getenv("ZMIGRATE_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("ZMIGRATE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Tokens.Prefix == "" {
		return fmt.Errorf("token prefix is required")
	}
	if c.Tokens.MaxTTL.Std() < c.Tokens.DefaultTTL.Std() {
		return fmt.Errorf("tokens.max_ttl must be >= tokens.default_ttl")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be >= 1")
	}
	if c.Jobs.Queue == "" {
		return fmt.Errorf("jobs.queue is required")
	}
	switch c.Replication.Compression {
	case "", "off", "auto", "gzip", "bzip2", "xz", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown compression algorithm %q", c.Replication.Compression)
	}
	if c.Replication.SSHPort < 0 || c.Replication.SSHPort > 65535 {
		return fmt.Errorf("invalid ssh port %d", c.Replication.SSHPort)
	}
	return nil
}
