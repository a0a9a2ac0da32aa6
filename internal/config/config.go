package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Gateway   GatewayConfig   `koanf:"gateway"`
	Probe     ProbeConfig     `koanf:"probe"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Failover  FailoverConfig  `koanf:"failover"`
	Routing   RoutingConfig   `koanf:"routing"`
	Report    ReportConfig    `koanf:"report"`
	History   HistoryConfig   `koanf:"history"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type GatewayConfig struct {
	URL       string `koanf:"url"`
	AuthToken string `koanf:"auth_token"`
	ProxyURL  string `koanf:"proxy_url"`
	NoProxy   string `koanf:"no_proxy"`
}

type ProbeConfig struct {
	Model             string        `koanf:"model"`
	Timeout           time.Duration `koanf:"timeout"`
	CompletionTimeout time.Duration `koanf:"completion_timeout"`
	HealthTimeout     time.Duration `koanf:"health_timeout"`
}

type RateLimitConfig struct {
	RPM           int           `koanf:"rpm"`
	MinBeforeStop int           `koanf:"min_before_stop"`
	MaxResetWait  time.Duration `koanf:"max_reset_wait"` // zero waits the full advertised reset
}

type FailoverConfig struct {
	Trials        int    `koanf:"trials"`
	FallbackModel string `koanf:"fallback_model"`
}

type RoutingConfig struct {
	Strategy   string   `koanf:"strategy"`
	Targets    []string `koanf:"targets"`
	Iterations int      `koanf:"iterations"`
	Parallel   bool     `koanf:"parallel"`
}

type ReportConfig struct {
	Color    string `koanf:"color"` // auto, always, never
	JSONPath string `koanf:"json_path"`
}

type HistoryConfig struct {
	Path string `koanf:"path"` // empty disables the archive
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

const defaultConfigFile = "gwprobe.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML config file, overlays PROBE_ environment
// variables, then fills defaults. An empty path means the default file
// name, which is allowed to be absent; an explicitly named file must
// exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	// Environment variables override file config
	if err := k.Load(env.Provider("PROBE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "PROBE_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// The standard Anthropic client variables fill any remaining gaps
	// so the probe points wherever existing SDK tooling already points.
	if !k.Exists("gateway.url") {
		if base := os.Getenv("ANTHROPIC_BASE_URL"); base != "" {
			k.Set("gateway.url", base)
		}
	}
	if !k.Exists("gateway.auth_token") {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			k.Set("gateway.auth_token", key)
		}
	}

	defaults := map[string]any{
		"gateway.url":               "http://localhost:4000",
		"probe.model":               "claude-3-5-sonnet-20241022",
		"probe.timeout":             "30s",
		"probe.completion_timeout":  "60s",
		"probe.health_timeout":      "10s",
		"ratelimit.rpm":             60,
		"ratelimit.min_before_stop": 10,
		"failover.trials":           5,
		"routing.strategy":          "simple-shuffle",
		"routing.iterations":        10,
		"report.color":              "auto",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute environment variables in secret-bearing fields
	cfg.Gateway.AuthToken = substituteEnvVars(cfg.Gateway.AuthToken)
	cfg.Gateway.ProxyURL = substituteEnvVars(cfg.Gateway.ProxyURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make every probe
// meaningless rather than letting them fail one request at a time.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("gateway.url: missing host in %q", c.Gateway.URL)
	}

	if c.Gateway.ProxyURL != "" {
		if _, err := url.Parse(c.Gateway.ProxyURL); err != nil {
			return fmt.Errorf("gateway.proxy_url: %w", err)
		}
	}

	switch c.Report.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("report.color: %q is not one of auto, always, never", c.Report.Color)
	}

	if c.RateLimit.RPM <= 0 {
		return fmt.Errorf("ratelimit.rpm must be positive, got %d", c.RateLimit.RPM)
	}
	if c.Failover.Trials <= 0 {
		return fmt.Errorf("failover.trials must be positive, got %d", c.Failover.Trials)
	}
	if c.Routing.Iterations <= 0 {
		return fmt.Errorf("routing.iterations must be positive, got %d", c.Routing.Iterations)
	}
	if c.Probe.Timeout <= 0 || c.Probe.CompletionTimeout <= 0 || c.Probe.HealthTimeout <= 0 {
		return fmt.Errorf("probe timeouts must be positive")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
