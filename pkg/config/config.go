// Package config loads the on-disk nexmdm configuration: alert
// thresholds, retention days, registration concurrency, and the paths
// to process secrets. Grounded on the teacher's manager.Config shape,
// generalized from a single flat struct to the nested sections this
// domain needs, decoded with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nexmdm/nexmdm/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration for cmd/nexmdm serve.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	HMACSecretFile string `yaml:"hmac_secret_file"`
	AdminKeyFile   string `yaml:"admin_key_file"`
	JWTPublicKeyFile string `yaml:"jwt_public_key_file"`

	Registration RegistrationConfig `yaml:"registration"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Partition    PartitionConfig    `yaml:"partition"`
	Alert        AlertConfig        `yaml:"alert"`
	Push         PushConfig         `yaml:"push"`
	Monitoring   types.MonitoringDefaults `yaml:"monitoring"`
}

// RegistrationConfig bounds C7's admission gate.
type RegistrationConfig struct {
	// Concurrency is K in spec.md §4.7, default 15.
	Concurrency int `yaml:"concurrency"`
}

// HeartbeatConfig tunes C3's dedup bucket and the interval C6 derives
// the offline threshold from.
type HeartbeatConfig struct {
	BucketSeconds   int `yaml:"bucket_seconds"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// PartitionConfig tunes C2's lifecycle.
type PartitionConfig struct {
	CreateAheadDays int    `yaml:"create_ahead_days"`
	RetentionDays   int    `yaml:"retention_days"`
	BlobDir         string `yaml:"blob_dir"`
}

// AlertConfig tunes C6's condition thresholds.
type AlertConfig struct {
	TickSeconds             int `yaml:"tick_seconds"`
	LowBatteryPct           int `yaml:"low_battery_pct"`
	UnityDownRequireTwo     bool `yaml:"unity_down_require_two"`
	CooldownSeconds         int `yaml:"cooldown_seconds"`
}

// PushConfig points C4 at the push-notification provider.
type PushConfig struct {
	URL            string        `yaml:"url"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
}

func (p PushConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 8 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Default returns the built-in defaults named throughout spec.md.
func Default() *Config {
	return &Config{
		DataDir:     "./data",
		ListenAddr:  ":8443",
		MetricsAddr: "127.0.0.1:9090",
		Registration: RegistrationConfig{
			Concurrency: 15,
		},
		Heartbeat: HeartbeatConfig{
			BucketSeconds:   10,
			IntervalSeconds: 600,
		},
		Partition: PartitionConfig{
			CreateAheadDays: 14,
			RetentionDays:   2,
			BlobDir:         "./data/archives",
		},
		Alert: AlertConfig{
			TickSeconds:         60,
			LowBatteryPct:       15,
			UnityDownRequireTwo: false,
			CooldownSeconds:     300,
		},
		Push: PushConfig{
			TimeoutSeconds: 8,
		},
		Monitoring: types.MonitoringDefaults{
			ThresholdMin: 10,
			Enabled:      false,
		},
	}
}

// Load reads a YAML config file, falling back to Default() for any
// zero-valued section not present in the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// secretFromFile reads a trimmed secret value from a file, used for
// HMACSecretFile/AdminKeyFile so secrets never live in the YAML file
// itself (which may be checked into config management).
func secretFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file %s: %w", path, err)
	}
	s := string(data)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s, nil
}

// HMACSecret loads the HMAC command-signing secret.
func (c *Config) HMACSecret() (string, error) {
	return secretFromFile(c.HMACSecretFile)
}

// AdminKey loads the static admin API key.
func (c *Config) AdminKey() (string, error) {
	return secretFromFile(c.AdminKeyFile)
}

// JWTPublicKey loads the raw key material used to verify admin JWTs,
// or nil if JWTPublicKeyFile is unset (JWT admin auth disabled,
// static AdminKey only).
func (c *Config) JWTPublicKey() ([]byte, error) {
	if c.JWTPublicKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.JWTPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key file %s: %w", c.JWTPublicKeyFile, err)
	}
	return data, nil
}
