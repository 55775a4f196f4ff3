// Package config materialises the monitor's configuration from flags,
// an optional config file and the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the upgrade monitor
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Ntfy       NtfyConfig       `mapstructure:"ntfy"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Liveness   LivenessConfig   `mapstructure:"liveness"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NtfyConfig configures notification delivery. An empty URL disables
// sending; notifications are then logged and skipped.
type NtfyConfig struct {
	URL         string        `mapstructure:"url"`
	TitlePrefix string        `mapstructure:"title_prefix"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
	Retries     int           `mapstructure:"retries"`
}

type KubernetesConfig struct {
	Kubeconfig string `mapstructure:"kubeconfig"`
	Namespace  string `mapstructure:"namespace"`
	JobPrefix  string `mapstructure:"job_prefix"`
}

type MonitorConfig struct {
	ResyncDelay time.Duration `mapstructure:"resync_delay"`
	MaxFailures int           `mapstructure:"max_failures"`
}

// MetricsConfig configures the metrics listener. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LivenessConfig struct {
	Signature []string `mapstructure:"signature"`
}

// envBindings maps config keys to the environment variables the monitor
// has always read
var envBindings = map[string]string{
	"ntfy.url":              "NTFY_URL",
	"ntfy.title_prefix":     "NTFY_TITLE_PREFIX",
	"kubernetes.kubeconfig": "KUBECONFIG",
	"metrics.addr":          "METRICS_ADDR",
}

// BindEnv registers the environment bindings on v
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("UPGRADE_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		v.BindEnv(key, env)
	}
}

// Load reads v into a validated Config
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.Ntfy.URL = strings.TrimSpace(cfg.Ntfy.URL)
	cfg.Ntfy.TitlePrefix = strings.TrimSpace(cfg.Ntfy.TitlePrefix)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("ntfy.url", "")
	v.SetDefault("ntfy.title_prefix", "K3s Upgrade")
	v.SetDefault("ntfy.timeout", 10*time.Second)
	v.SetDefault("ntfy.rate_limit", 1.0)
	v.SetDefault("ntfy.burst", 5)
	v.SetDefault("ntfy.retries", 2)

	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.namespace", "system-upgrade")
	v.SetDefault("kubernetes.job_prefix", "apply-")

	v.SetDefault("monitor.resync_delay", 10*time.Second)
	v.SetDefault("monitor.max_failures", 5)

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("liveness.signature", []string{"upgrade-monitor", "run"})
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}

	if cfg.Ntfy.URL != "" {
		u, err := url.Parse(cfg.Ntfy.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ntfy.url must be an http(s) URL, got %q", cfg.Ntfy.URL)
		}
	}
	if cfg.Ntfy.Timeout <= 0 {
		return fmt.Errorf("ntfy.timeout must be positive")
	}
	if cfg.Ntfy.RateLimit <= 0 || cfg.Ntfy.Burst <= 0 {
		return fmt.Errorf("ntfy.rate_limit and ntfy.burst must be positive")
	}
	if cfg.Ntfy.Retries < 0 {
		return fmt.Errorf("ntfy.retries must not be negative")
	}

	if cfg.Kubernetes.Namespace == "" {
		return fmt.Errorf("kubernetes.namespace is required")
	}
	if cfg.Monitor.ResyncDelay <= 0 {
		return fmt.Errorf("monitor.resync_delay must be positive")
	}
	if cfg.Monitor.MaxFailures <= 0 {
		return fmt.Errorf("monitor.max_failures must be positive")
	}
	if len(cfg.Liveness.Signature) == 0 {
		return fmt.Errorf("liveness.signature must not be empty")
	}
	return nil
}
