package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/osvaldoandrade/contentpipe/pkg/domain"

	"gopkg.in/yaml.v3"
)

type RateLimitBucketConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	Invoke RateLimitBucketConfig `yaml:"invoke"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	OTLPInsecure bool    `yaml:"otlpInsecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

// CallbackConfig enables a signed POST of every finished invocation.
type CallbackConfig struct {
	URL              string                `yaml:"url"`
	Secret           string                `yaml:"secret"`
	Stages           []string              `yaml:"stages"`
	MaxAttempts      int                   `yaml:"maxAttempts"`
	BaseDelaySeconds int                   `yaml:"baseDelaySeconds"`
	MaxDelaySeconds  int                   `yaml:"maxDelaySeconds"`
	RateLimit        RateLimitBucketConfig `yaml:"rateLimit"`
}

// ProviderConfig selects a pluggable backend and carries its settings.
type ProviderConfig struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// RawConfig returns Config re-encoded as JSON for plugin factories.
func (p ProviderConfig) RawConfig() json.RawMessage {
	if len(p.Config) == 0 {
		return json.RawMessage("{}")
	}
	b, err := json.Marshal(p.Config)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// StageConfig is the static environment of one stage worker.
type StageConfig struct {
	Interpreter     string   `yaml:"interpreter"`
	InterpreterArgs []string `yaml:"interpreterArgs"`
	Script          string   `yaml:"script"`
	WorkDir         string   `yaml:"workDir"`
	Manifest        string   `yaml:"manifest"`
	RequiredEnv     []string `yaml:"requiredEnv"`
	PassEnv         []string `yaml:"passEnv"`
	EnvFile         string   `yaml:"envFile"`
	RequiredFiles   []string `yaml:"requiredFiles"`
	OutputDir       string   `yaml:"outputDir"`
	TimeoutSeconds  int      `yaml:"timeoutSeconds"`
	MaxConcurrent   int      `yaml:"maxConcurrent"`
}

type Config struct {
	Port                  int                    `yaml:"port"`
	Env                   string                 `yaml:"env"`
	LogLevel              string                 `yaml:"logLevel"`
	LogFormat             string                 `yaml:"logFormat"`
	Timezone              string                 `yaml:"timezone"`
	ArtifactsDir          string                 `yaml:"artifactsDir"`
	DefaultTimeoutSeconds int                    `yaml:"defaultTimeoutSeconds"`
	MaxTimeoutSeconds     int                    `yaml:"maxTimeoutSeconds"`
	KillGraceSeconds      int                    `yaml:"killGraceSeconds"`
	MaxOutputBytes        int64                  `yaml:"maxOutputBytes"`
	HistoryLimit          int                    `yaml:"historyLimit"`
	RedisAddr             string                 `yaml:"redisAddr"`
	RedisPassword         string                 `yaml:"redisPassword"`
	Persistence           ProviderConfig         `yaml:"persistence"`
	LockProvider          string                 `yaml:"lockProvider"`
	AuthProvider          string                 `yaml:"authProvider"`
	AuthConfig            map[string]any         `yaml:"authConfig"`
	RateLimit             RateLimitConfig        `yaml:"rateLimit"`
	Tracing               TracingConfig          `yaml:"tracing"`
	Callback              CallbackConfig         `yaml:"callback"`
	Stages                map[string]StageConfig `yaml:"stages"`
}

// LoadConfigOptional loads filePath when it exists and otherwise starts
// from an empty config; env overrides and defaults apply either way.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return finish(&Config{}), nil
	}
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		return finish(&Config{}), nil
	}
	return LoadConfig(filePath)
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	return finish(&c), nil
}

func finish(c *Config) *Config {
	applyEnv(c)
	applyDefaults(c)
	log.Printf("Gateway Config: {Port:%d Env:%s Artifacts:%s Persistence:%s Lock:%s Stages:%s}\n",
		c.Port, c.Env, c.ArtifactsDir, c.Persistence.Type, c.LockProvider, strings.Join(c.StageNames(), ","))
	return c
}

func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv("CONTENTPIPE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("ARTIFACTS_DIR"); v != "" {
		c.ArtifactsDir = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("PERSISTENCE_PROVIDER"); v != "" {
		c.Persistence.Type = v
	}
	if v := os.Getenv("LOCK_PROVIDER"); v != "" {
		c.LockProvider = v
	}
	if v := os.Getenv("AUTH_PROVIDER"); v != "" {
		c.AuthProvider = v
	}
	if v := os.Getenv("CONTENTPIPE_AUTH_TOKEN"); v != "" {
		c.AuthProvider = "static"
		c.AuthConfig = map[string]any{"token": v}
	}
	if v := os.Getenv("DEFAULT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultTimeoutSeconds = n
		}
	}
	if v := os.Getenv("KILL_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.KillGraceSeconds = n
		}
	}
	if v := os.Getenv("MAX_OUTPUT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxOutputBytes = n
		}
	}
	if v := os.Getenv("CALLBACK_URL"); v != "" {
		c.Callback.URL = v
	}
	if v := os.Getenv("CALLBACK_SECRET"); v != "" {
		c.Callback.Secret = v
	}
	if v := os.Getenv("OTEL_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}
}

func applyDefaults(c *Config) {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.ArtifactsDir == "" {
		c.ArtifactsDir = filepath.Join(os.TempDir(), "contentpipe-runs")
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = 600
	}
	if c.MaxTimeoutSeconds <= 0 {
		c.MaxTimeoutSeconds = 3600
	}
	if c.KillGraceSeconds <= 0 {
		c.KillGraceSeconds = 5
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 4 << 20
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.Persistence.Type == "" {
		c.Persistence.Type = "memory"
	}
	if c.LockProvider == "" {
		c.LockProvider = "memory"
	}
	redisHistory := c.Persistence.Type == "redis" || c.Persistence.Type == "kvrocks"
	if c.RedisAddr == "" && (redisHistory || c.LockProvider == "redis") {
		c.RedisAddr = "localhost:6379"
	}
	if redisHistory && c.Persistence.Config == nil {
		c.Persistence.Config = map[string]any{"addr": c.RedisAddr, "password": c.RedisPassword}
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "contentpipe"
	}
}

// StageNames returns the configured stage names in a stable order.
func (c *Config) StageNames() []string {
	names := make([]string, 0, len(c.Stages))
	for name := range c.Stages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Validate() error {
	var errs []string
	dev := strings.EqualFold(strings.TrimSpace(c.Env), "dev")

	if c.AuthProvider == "" && !dev {
		errs = append(errs, "authProvider is required in non-dev")
	}
	switch c.LockProvider {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("lockProvider %q must be memory or redis", c.LockProvider))
	}
	if c.DefaultTimeoutSeconds > c.MaxTimeoutSeconds {
		errs = append(errs, "defaultTimeoutSeconds must not exceed maxTimeoutSeconds")
	}
	if c.Callback.URL != "" {
		u, err := url.Parse(c.Callback.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "callback.url must be an absolute http(s) URL")
		}
		for _, st := range c.Callback.Stages {
			if !domain.Stage(st).Valid() {
				errs = append(errs, fmt.Sprintf("callback.stages: unknown stage %q", st))
			}
		}
	}
	for _, name := range c.StageNames() {
		sc := c.Stages[name]
		if !domain.Stage(name).Valid() {
			errs = append(errs, fmt.Sprintf("stages.%s: unknown stage", name))
			continue
		}
		if strings.TrimSpace(sc.Interpreter) == "" {
			errs = append(errs, fmt.Sprintf("stages.%s.interpreter is required", name))
		}
		if sc.WorkDir == "" || !filepath.IsAbs(sc.WorkDir) {
			errs = append(errs, fmt.Sprintf("stages.%s.workDir must be an absolute path", name))
		}
		if sc.TimeoutSeconds < 0 || sc.TimeoutSeconds > c.MaxTimeoutSeconds {
			errs = append(errs, fmt.Sprintf("stages.%s.timeoutSeconds out of range", name))
		}
		if sc.MaxConcurrent < 0 {
			errs = append(errs, fmt.Sprintf("stages.%s.maxConcurrent must be >= 0", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AuthRaw returns the auth provider settings as JSON.
func (c *Config) AuthRaw() json.RawMessage {
	return ProviderConfig{Type: c.AuthProvider, Config: c.AuthConfig}.RawConfig()
}
