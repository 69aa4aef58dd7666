package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`
	LogFormat     string `yaml:"logFormat"`
	Env           string `yaml:"env"`

	DefaultRunTimeoutSeconds int `yaml:"defaultRunTimeoutSeconds"`
	DefaultConcurrencyLimit  int `yaml:"defaultConcurrencyLimit"`
	SweepIntervalSeconds     int `yaml:"sweepIntervalSeconds"`
	SweepBatchSize           int `yaml:"sweepBatchSize"`
	MachineLockTTLSeconds    int `yaml:"machineLockTtlSeconds"`
	LogLineLimit             int `yaml:"logLineLimit"`

	WebhookHmacSecret     string `yaml:"webhookHmacSecret"`
	WebhookTimeoutSeconds int    `yaml:"webhookTimeoutSeconds"`

	// Default object-storage credentials used when a tenant has no custom storage.
	S3AccessKeyID     string `yaml:"s3AccessKeyId"`
	S3SecretAccessKey string `yaml:"s3SecretAccessKey"`
	S3SessionToken    string `yaml:"s3SessionToken"`
	S3Region          string `yaml:"s3Region"`
	S3Endpoint        string `yaml:"s3Endpoint"`
	S3ForcePathStyle  bool   `yaml:"s3ForcePathStyle"`

	NatsURL string `yaml:"natsUrl"`

	ClientAuth  AuthProvider `yaml:"clientAuth"`
	MachineAuth AuthProvider `yaml:"machineAuth"`
	AdminScope  string       `yaml:"adminScope"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// AuthProvider selects a pkg/auth validator. Config is passed to the provider as JSON.
type AuthProvider struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

func (p AuthProvider) RawConfig() (json.RawMessage, error) {
	if len(p.Config) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(p.Config)
}

type RateLimitBucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RateLimitConfig struct {
	Submit RateLimitBucket `yaml:"submit"`
	Proxy  RateLimitBucket `yaml:"proxy"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

// LoadConfigOptional loads filePath when it exists and falls back to env and
// defaults otherwise. Invalid YAML in an existing file is still an error.
func LoadConfigOptional(filePath string) (*Config, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return load(nil)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return load(nil)
		}
		return nil, err
	}
	return load(data)
}

func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return load(data)
}

func load(data []byte) (*Config, error) {
	var c Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	c.applyDefaults()

	log.Printf("Runplane Config: {Port:%d Redis:%s Env:%s RunTimeout:%ds Sweep:%ds Nats:%t}\n",
		c.Port, c.RedisAddr, c.Env, c.DefaultRunTimeoutSeconds, c.SweepIntervalSeconds, c.NatsURL != "")
	return &c, nil
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func (c *Config) applyEnv() {
	envInt("PORT", &c.Port)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("REDIS_PASSWORD", &c.RedisPassword)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("ENV", &c.Env)
	envInt("DEFAULT_RUN_TIMEOUT_SECONDS", &c.DefaultRunTimeoutSeconds)
	envInt("DEFAULT_CONCURRENCY_LIMIT", &c.DefaultConcurrencyLimit)
	envInt("SWEEP_INTERVAL_SECONDS", &c.SweepIntervalSeconds)
	envInt("WEBHOOK_TIMEOUT_SECONDS", &c.WebhookTimeoutSeconds)
	envString("WEBHOOK_HMAC_SECRET", &c.WebhookHmacSecret)
	envString("S3_ACCESS_KEY_ID", &c.S3AccessKeyID)
	envString("S3_SECRET_ACCESS_KEY", &c.S3SecretAccessKey)
	envString("S3_SESSION_TOKEN", &c.S3SessionToken)
	envString("S3_REGION", &c.S3Region)
	envString("S3_ENDPOINT", &c.S3Endpoint)
	if v := os.Getenv("S3_FORCE_PATH_STYLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.S3ForcePathStyle = b
		}
	}
	envString("NATS_URL", &c.NatsURL)
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
		c.Tracing.Enabled = true
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.RedisAddr == "" {
		c.RedisAddr = "localhost:6379"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.DefaultRunTimeoutSeconds <= 0 {
		c.DefaultRunTimeoutSeconds = 300
	}
	if c.DefaultConcurrencyLimit <= 0 {
		c.DefaultConcurrencyLimit = 2
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = 15
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 500
	}
	if c.MachineLockTTLSeconds <= 0 {
		c.MachineLockTTLSeconds = 10
	}
	if c.LogLineLimit <= 0 {
		c.LogLineLimit = 1000
	}
	if c.WebhookTimeoutSeconds <= 0 {
		c.WebhookTimeoutSeconds = 10
	}
	if c.S3Region == "" {
		c.S3Region = "us-east-1"
	}
	if c.ClientAuth.Type == "" {
		c.ClientAuth.Type = "static"
	}
	if c.MachineAuth.Type == "" {
		c.MachineAuth.Type = "static"
	}
	if c.AdminScope == "" {
		c.AdminScope = "runplane:admin"
	}
	if c.RateLimit.Proxy.RequestsPerMinute <= 0 {
		c.RateLimit.Proxy.RequestsPerMinute = 600
	}
	if c.RateLimit.Proxy.BurstSize <= 0 {
		c.RateLimit.Proxy.BurstSize = 100
	}
	if c.RateLimit.Submit.RequestsPerMinute <= 0 {
		c.RateLimit.Submit.RequestsPerMinute = 120
	}
	if c.RateLimit.Submit.BurstSize <= 0 {
		c.RateLimit.Submit.BurstSize = 20
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

func (c *Config) Validate() error {
	var errs []string
	env := strings.ToLower(strings.TrimSpace(c.Env))
	dev := env == "dev"

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.WebhookHmacSecret) == "" && !dev {
		errs = append(errs, "webhookHmacSecret is required in non-dev")
	}
	if !dev && (c.ClientAuth.Type == "static" || c.MachineAuth.Type == "static") {
		errs = append(errs, "static auth providers are only allowed in dev")
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		errs = append(errs, "s3AccessKeyId and s3SecretAccessKey must be set together")
	}
	if c.S3Endpoint != "" {
		u, err := url.Parse(c.S3Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "s3Endpoint must be a valid http(s) URL")
		}
	}
	if c.NatsURL != "" {
		u, err := url.Parse(c.NatsURL)
		if err != nil || u.Host == "" {
			errs = append(errs, "natsUrl must be a valid URL")
		}
	}
	if c.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be <= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
