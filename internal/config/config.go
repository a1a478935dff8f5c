// Package config loads central and worker configuration from an optional
// YAML file with environment variable overrides. Env always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML/text unmarshalling ("30s", "5m").
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// CentralConfig configures the central service.
type CentralConfig struct {
	ListenAddr           string `yaml:"listen_addr"`
	PublicURL            string `yaml:"public_url"`
	DatabaseURL          string `yaml:"database_url"`
	GitHubAppID          int64  `yaml:"github_app_id"`
	GitHubPrivateKeyPath string `yaml:"github_private_key_path"`
	GitHubWebhookSecret  string `yaml:"github_webhook_secret"`
	WorkerSharedSecret   string `yaml:"worker_shared_secret"`
	AdminAPIKey          string `yaml:"admin_api_key"`

	// Workers maps zone names to worker base URLs. Populated from
	// repeatable --worker zone=URL flags, not from the file.
	Workers map[string]string `yaml:"-"`
}

// LoadCentral reads an optional YAML file, then applies env overrides,
// defaults, and validation.
func LoadCentral(path string) (*CentralConfig, error) {
	cfg := &CentralConfig{}
	if path != "" {
		if err := readYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvString(&cfg.ListenAddr, "LISTEN_ADDR")
	applyEnvString(&cfg.PublicURL, "PUBLIC_URL")
	applyEnvString(&cfg.DatabaseURL, "DATABASE_URL")
	applyEnvInt64(&cfg.GitHubAppID, "GITHUB_APP_ID")
	applyEnvString(&cfg.GitHubPrivateKeyPath, "GITHUB_PRIVATE_KEY_PATH")
	applyEnvString(&cfg.GitHubWebhookSecret, "GITHUB_WEBHOOK_SECRET")
	applyEnvString(&cfg.WorkerSharedSecret, "WORKER_SHARED_SECRET")
	applyEnvString(&cfg.AdminAPIKey, "ADMIN_API_KEY")

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8000"
	}
	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:8000"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields central cannot run without.
func (c *CentralConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.GitHubAppID == 0 {
		return fmt.Errorf("GITHUB_APP_ID is required")
	}
	if c.GitHubPrivateKeyPath == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY_PATH is required")
	}
	if c.GitHubWebhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	if c.WorkerSharedSecret == "" {
		return fmt.Errorf("WORKER_SHARED_SECRET is required")
	}
	if c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required")
	}
	return nil
}

// CloudflareConfig configures the optional tunnel/DNS client.
type CloudflareConfig struct {
	APIToken  string `yaml:"api_token"`
	AccountID string `yaml:"account_id"`
	TunnelID  string `yaml:"tunnel_id"`

	// ServiceURL is the origin the tunnel forwards to, normally the
	// local reverse proxy.
	ServiceURL string `yaml:"service_url"`
}

// Enabled reports whether all tunnel credentials are present.
func (c CloudflareConfig) Enabled() bool {
	return c.APIToken != "" && c.AccountID != "" && c.TunnelID != ""
}

// R2Config configures the optional R2 build-log archive.
type R2Config struct {
	AccountID       string `yaml:"account_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
}

// Enabled reports whether the R2 archive is fully configured.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.Bucket != ""
}

// WorkerConfig configures a worker.
type WorkerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	Zone         string `yaml:"zone"`
	CentralURL   string `yaml:"central_url"`
	SharedSecret string `yaml:"shared_secret"`

	SitesDir      string `yaml:"sites_dir"`
	CaddyAdminAPI string `yaml:"caddy_admin_api"`

	// Container build knobs
	ContainerRuntime string `yaml:"container_runtime"`
	BuildImage       string `yaml:"build_image"`
	MemoryLimitBytes int64  `yaml:"memory_limit_bytes"`
	CPUQuota         int64  `yaml:"cpu_quota"`
	CPUPeriod        int64  `yaml:"cpu_period"`
	PidsLimit        int64  `yaml:"pids_limit"`

	// DirectBuild runs build commands on the host instead of in a
	// container. Discouraged; the worker warns when it is set.
	DirectBuild bool `yaml:"direct_build"`

	LogDir string `yaml:"log_dir"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	R2         R2Config         `yaml:"r2"`
}

// LoadWorker reads an optional YAML file, then applies env overrides,
// defaults, and validation.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if path != "" {
		if err := readYAML(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvString(&cfg.ListenAddr, "LISTEN_ADDR")
	applyEnvString(&cfg.Zone, "WORKER_ZONE")
	applyEnvString(&cfg.CentralURL, "CENTRAL_URL")
	applyEnvString(&cfg.SharedSecret, "WORKER_SHARED_SECRET")
	applyEnvString(&cfg.SitesDir, "SITES_DIR")
	applyEnvString(&cfg.CaddyAdminAPI, "CADDY_ADMIN_API")
	applyEnvString(&cfg.ContainerRuntime, "CONTAINER_RUNTIME")
	applyEnvString(&cfg.BuildImage, "BUILD_IMAGE")
	applyEnvInt64(&cfg.MemoryLimitBytes, "BUILD_MEMORY_LIMIT_BYTES")
	applyEnvInt64(&cfg.CPUQuota, "BUILD_CPU_QUOTA")
	applyEnvInt64(&cfg.PidsLimit, "BUILD_PIDS_LIMIT")
	applyEnvBool(&cfg.DirectBuild, "BUILD_DIRECT")
	applyEnvString(&cfg.LogDir, "LOG_DIR")
	applyEnvString(&cfg.Cloudflare.APIToken, "CLOUDFLARE_API_TOKEN")
	applyEnvString(&cfg.Cloudflare.AccountID, "CLOUDFLARE_ACCOUNT_ID")
	applyEnvString(&cfg.Cloudflare.TunnelID, "CLOUDFLARE_TUNNEL_ID")
	applyEnvString(&cfg.Cloudflare.ServiceURL, "CLOUDFLARE_SERVICE_URL")
	applyEnvString(&cfg.R2.AccountID, "R2_ACCOUNT_ID")
	applyEnvString(&cfg.R2.AccessKeyID, "R2_ACCESS_KEY_ID")
	applyEnvString(&cfg.R2.SecretAccessKey, "R2_SECRET_ACCESS_KEY")
	applyEnvString(&cfg.R2.Bucket, "R2_BUCKET")

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *WorkerConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8001"
	}
	if c.SitesDir == "" {
		c.SitesDir = "/var/lib/catapult/sites"
	}
	if c.CaddyAdminAPI == "" {
		c.CaddyAdminAPI = "http://localhost:2019"
	}
	if c.ContainerRuntime == "" {
		c.ContainerRuntime = "podman"
	}
	if c.BuildImage == "" {
		c.BuildImage = "ghcr.io/nullislabs/catapult-builder:latest"
	}
	if c.MemoryLimitBytes == 0 {
		c.MemoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GB
	}
	if c.CPUQuota == 0 {
		c.CPUQuota = 200000 // 2 CPUs at the default period
	}
	if c.CPUPeriod == 0 {
		c.CPUPeriod = 100000
	}
	if c.PidsLimit == 0 {
		c.PidsLimit = 512
	}
	if c.LogDir == "" {
		c.LogDir = "/var/lib/catapult/logs"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(30 * time.Second)
	}
	if c.Cloudflare.ServiceURL == "" {
		c.Cloudflare.ServiceURL = "http://localhost:80"
	}
}

// Validate checks the fields a worker cannot run without.
func (c *WorkerConfig) Validate() error {
	if c.Zone == "" {
		return fmt.Errorf("WORKER_ZONE is required")
	}
	if c.CentralURL == "" {
		return fmt.Errorf("CENTRAL_URL is required")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("WORKER_SHARED_SECRET is required")
	}
	return nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnvString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnvInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func applyEnvBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}
