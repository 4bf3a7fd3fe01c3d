// Package config loads patchgate settings from a YAML file and
// PATCHGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ppiankov/patchgate/internal/component"
)

// EnvPrefix namespaces environment overrides, e.g. PATCHGATE_SERVER_SERVICE_TOKEN.
const EnvPrefix = "PATCHGATE"

// Config root configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Scripts  ScriptsConfig  `mapstructure:"scripts"`
	Backups  BackupsConfig  `mapstructure:"backups"`
	Manifest ManifestConfig `mapstructure:"manifest"`
	Releases ReleasesConfig `mapstructure:"releases"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Restart  RestartConfig  `mapstructure:"restart"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig HTTP boundary settings
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
	// ServiceToken is the shared bearer secret. Empty disables protected endpoints.
	ServiceToken string `mapstructure:"service_token"`
	// SelfURL is where the chat relay forwards decisions.
	SelfURL      string  `mapstructure:"self_url"`
	WebhookRate  float64 `mapstructure:"webhook_rate"`
	WebhookBurst int     `mapstructure:"webhook_burst"`
}

// ApprovalConfig approval store settings
type ApprovalConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	Backend       string        `mapstructure:"backend"` // memory, redis
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`
}

// RedisConfig connection for the redis approval backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// ScriptsConfig privileged script locations
type ScriptsConfig struct {
	Update        string        `mapstructure:"update"`
	Rollback      string        `mapstructure:"rollback"`
	Restart       string        `mapstructure:"restart"`
	Status        string        `mapstructure:"status"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// BackupsConfig database backup location
type BackupsConfig struct {
	Dir string `mapstructure:"dir"`
}

// ManifestConfig compose files read for deployed versions
type ManifestConfig struct {
	Base     string `mapstructure:"base"`
	Override string `mapstructure:"override"`
	Watch    bool   `mapstructure:"watch"`
}

// ReleasesConfig upstream release feed
type ReleasesConfig struct {
	APIBase  string        `mapstructure:"api_base"`
	Token    string        `mapstructure:"token"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ChatConfig interactive approval messages
type ChatConfig struct {
	WebhookURL    string `mapstructure:"webhook_url"`
	SigningSecret string `mapstructure:"signing_secret"`

	// ResponseHosts may receive message updates named by a callback's
	// response_url. The webhook_url host is always accepted.
	ResponseHosts []string `mapstructure:"response_hosts"`
}

// RestartConfig services accepted by restart-services
type RestartConfig struct {
	Services []string `mapstructure:"services"`
}

// AuditConfig audit log location
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json
}

// TracingConfig OpenTelemetry settings
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8080",
			SelfURL:      "http://127.0.0.1:8080",
			WebhookRate:  5,
			WebhookBurst: 10,
		},
		Approval: ApprovalConfig{
			TTL:           time.Hour,
			Backend:       "memory",
			SweepInterval: 5 * time.Minute,
			SweepGrace:    time.Hour,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "patchgate:",
		},
		Scripts: ScriptsConfig{
			Update:        "/opt/patchgate/scripts/update.sh",
			Rollback:      "/opt/patchgate/scripts/rollback.sh",
			Restart:       "/opt/patchgate/scripts/restart.sh",
			Status:        "/opt/patchgate/scripts/status.sh",
			Timeout:       5 * time.Minute,
			MaxConcurrent: 1,
		},
		Backups: BackupsConfig{Dir: "/var/backups/patchgate"},
		Manifest: ManifestConfig{
			Base:     "/opt/stack/docker-compose.yml",
			Override: "/opt/stack/docker-compose.override.yml",
			Watch:    true,
		},
		Releases: ReleasesConfig{
			APIBase:  "https://api.github.com",
			CacheTTL: 15 * time.Minute,
		},
		Chat: ChatConfig{ResponseHosts: []string{"hooks.slack.com"}},
		Restart: RestartConfig{
			Services: []string{"n8n", "grafana", "prometheus"},
		},
		Audit: AuditConfig{Path: "/var/log/patchgate/audit.jsonl"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (or patchgate.yaml from the working directory and
// /etc/patchgate when path is empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("patchgate")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/patchgate")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment variables can override
// keys that are absent from the file.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"server.listen":           d.Server.Listen,
		"server.service_token":    d.Server.ServiceToken,
		"server.self_url":         d.Server.SelfURL,
		"server.webhook_rate":     d.Server.WebhookRate,
		"server.webhook_burst":    d.Server.WebhookBurst,
		"approval.ttl":            d.Approval.TTL,
		"approval.backend":        d.Approval.Backend,
		"approval.sweep_interval": d.Approval.SweepInterval,
		"approval.sweep_grace":    d.Approval.SweepGrace,
		"redis.addr":              d.Redis.Addr,
		"redis.password":          d.Redis.Password,
		"redis.db":                d.Redis.DB,
		"redis.prefix":            d.Redis.Prefix,
		"scripts.update":          d.Scripts.Update,
		"scripts.rollback":        d.Scripts.Rollback,
		"scripts.restart":         d.Scripts.Restart,
		"scripts.status":          d.Scripts.Status,
		"scripts.timeout":         d.Scripts.Timeout,
		"scripts.max_concurrent":  d.Scripts.MaxConcurrent,
		"backups.dir":             d.Backups.Dir,
		"manifest.base":           d.Manifest.Base,
		"manifest.override":       d.Manifest.Override,
		"manifest.watch":          d.Manifest.Watch,
		"releases.api_base":       d.Releases.APIBase,
		"releases.token":          d.Releases.Token,
		"releases.cache_ttl":      d.Releases.CacheTTL,
		"chat.webhook_url":        d.Chat.WebhookURL,
		"chat.signing_secret":     d.Chat.SigningSecret,
		"chat.response_hosts":     d.Chat.ResponseHosts,
		"restart.services":        d.Restart.Services,
		"audit.path":              d.Audit.Path,
		"log.level":               d.Log.Level,
		"log.format":              d.Log.Format,
		"tracing.enabled":         d.Tracing.Enabled,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if c.Server.WebhookRate <= 0 || c.Server.WebhookBurst < 1 {
		errs = append(errs, errors.New("server.webhook_rate and server.webhook_burst must be positive"))
	}

	if c.Approval.TTL <= 0 {
		errs = append(errs, errors.New("approval.ttl must be positive"))
	}
	switch c.Approval.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("approval.backend %q is not one of memory, redis", c.Approval.Backend))
	}
	if c.Approval.SweepInterval <= 0 {
		errs = append(errs, errors.New("approval.sweep_interval must be positive"))
	}

	for name, p := range map[string]string{
		"scripts.update":   c.Scripts.Update,
		"scripts.rollback": c.Scripts.Rollback,
		"scripts.restart":  c.Scripts.Restart,
		"scripts.status":   c.Scripts.Status,
		"backups.dir":      c.Backups.Dir,
		"manifest.base":    c.Manifest.Base,
	} {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, p))
		}
	}
	if c.Manifest.Override != "" && !filepath.IsAbs(c.Manifest.Override) {
		errs = append(errs, fmt.Errorf("manifest.override must be an absolute path, got %q", c.Manifest.Override))
	}
	if c.Scripts.Timeout <= 0 {
		errs = append(errs, errors.New("scripts.timeout must be positive"))
	}
	if c.Scripts.MaxConcurrent < 1 {
		errs = append(errs, errors.New("scripts.max_concurrent must be at least 1"))
	}

	for _, h := range c.Chat.ResponseHosts {
		if h == "" || strings.ContainsAny(h, "/:@ ") {
			errs = append(errs, fmt.Errorf("chat.response_hosts: %q is not a bare host name", h))
		}
	}

	for _, s := range c.Restart.Services {
		if !component.Name(s).Known() {
			errs = append(errs, fmt.Errorf("restart.services: %q is not a managed component", s))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// DefaultYAML renders Default as a commented patchgate.yaml.
func DefaultYAML() string {
	d := Default()
	var b strings.Builder
	b.WriteString("# patchgate configuration.\n")
	b.WriteString("# Every key can be overridden with PATCHGATE_<SECTION>_<KEY>, e.g. PATCHGATE_SERVER_SERVICE_TOKEN.\n\n")

	fmt.Fprintf(&b, "server:\n")
	fmt.Fprintf(&b, "  listen: %q\n", d.Server.Listen)
	fmt.Fprintf(&b, "  # Bearer token for /tools and /approvals. Empty disables them (503).\n")
	fmt.Fprintf(&b, "  service_token: \"\"\n")
	fmt.Fprintf(&b, "  # Where chat decisions are forwarded; must reach this server.\n")
	fmt.Fprintf(&b, "  self_url: %q\n", d.Server.SelfURL)
	fmt.Fprintf(&b, "  webhook_rate: %g\n", d.Server.WebhookRate)
	fmt.Fprintf(&b, "  webhook_burst: %d\n\n", d.Server.WebhookBurst)

	fmt.Fprintf(&b, "approval:\n")
	fmt.Fprintf(&b, "  ttl: %s\n", d.Approval.TTL)
	fmt.Fprintf(&b, "  # memory or redis. Use redis when serve and mcp run as separate processes.\n")
	fmt.Fprintf(&b, "  backend: %s\n", d.Approval.Backend)
	fmt.Fprintf(&b, "  sweep_interval: %s\n", d.Approval.SweepInterval)
	fmt.Fprintf(&b, "  sweep_grace: %s\n\n", d.Approval.SweepGrace)

	fmt.Fprintf(&b, "redis:\n")
	fmt.Fprintf(&b, "  addr: %q\n", d.Redis.Addr)
	fmt.Fprintf(&b, "  password: \"\"\n")
	fmt.Fprintf(&b, "  db: %d\n", d.Redis.DB)
	fmt.Fprintf(&b, "  prefix: %q\n\n", d.Redis.Prefix)

	fmt.Fprintf(&b, "# Privileged scripts. Paths must be absolute; arguments are passed as argv, never through a shell.\n")
	fmt.Fprintf(&b, "scripts:\n")
	fmt.Fprintf(&b, "  update: %s\n", d.Scripts.Update)
	fmt.Fprintf(&b, "  rollback: %s\n", d.Scripts.Rollback)
	fmt.Fprintf(&b, "  restart: %s\n", d.Scripts.Restart)
	fmt.Fprintf(&b, "  status: %s\n", d.Scripts.Status)
	fmt.Fprintf(&b, "  timeout: %s\n", d.Scripts.Timeout)
	fmt.Fprintf(&b, "  max_concurrent: %d\n\n", d.Scripts.MaxConcurrent)

	fmt.Fprintf(&b, "backups:\n")
	fmt.Fprintf(&b, "  dir: %s\n\n", d.Backups.Dir)

	fmt.Fprintf(&b, "# Compose files read for deployed versions. The override, when present, replaces the base.\n")
	fmt.Fprintf(&b, "manifest:\n")
	fmt.Fprintf(&b, "  base: %s\n", d.Manifest.Base)
	fmt.Fprintf(&b, "  override: %s\n", d.Manifest.Override)
	fmt.Fprintf(&b, "  watch: %t\n\n", d.Manifest.Watch)

	fmt.Fprintf(&b, "releases:\n")
	fmt.Fprintf(&b, "  api_base: %s\n", d.Releases.APIBase)
	fmt.Fprintf(&b, "  token: \"\"\n")
	fmt.Fprintf(&b, "  cache_ttl: %s\n\n", d.Releases.CacheTTL)

	fmt.Fprintf(&b, "chat:\n")
	fmt.Fprintf(&b, "  webhook_url: \"\"\n")
	fmt.Fprintf(&b, "  signing_secret: \"\"\n")
	fmt.Fprintf(&b, "  # Hosts allowed in response_url; the webhook_url host is always allowed.\n")
	fmt.Fprintf(&b, "  response_hosts: [%s]\n\n", strings.Join(d.Chat.ResponseHosts, ", "))

	fmt.Fprintf(&b, "restart:\n")
	fmt.Fprintf(&b, "  services: [%s]\n\n", strings.Join(d.Restart.Services, ", "))

	fmt.Fprintf(&b, "audit:\n")
	fmt.Fprintf(&b, "  path: %s\n\n", d.Audit.Path)

	fmt.Fprintf(&b, "log:\n")
	fmt.Fprintf(&b, "  level: %s\n", d.Log.Level)
	fmt.Fprintf(&b, "  format: %s\n\n", d.Log.Format)

	fmt.Fprintf(&b, "tracing:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", d.Tracing.Enabled)
	return b.String()
}
