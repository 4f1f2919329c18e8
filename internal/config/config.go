package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "INTAKE_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Staging      StagingConfig      `koanf:"staging"`
	Scanner      ScannerConfig      `koanf:"scanner"`
	LLM          LLMConfig          `koanf:"llm"`
	Extractor    ExtractorConfig    `koanf:"extractor"`
	Storage      StorageConfig      `koanf:"storage"`
	Verification VerificationConfig `koanf:"verification"`
	ObjectStore  ObjectStoreConfig  `koanf:"object_store"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout bounds ordinary request/response routes.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// ScanTimeout bounds the scan route; it must exceed the gate ceiling.
	ScanTimeout time.Duration `koanf:"scan_timeout"`
	// StreamTimeout bounds a single relay connection.
	StreamTimeout time.Duration `koanf:"stream_timeout"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type StagingConfig struct {
	Dir            string `koanf:"dir"`
	MaxUploadBytes int64  `koanf:"max_upload_bytes"`
}

// ScannerConfig configures the external verdict service and the polling policy.
type ScannerConfig struct {
	BaseURL          string        `koanf:"base_url"`
	APIKey           string        `koanf:"api_key"`
	MaxAttempts      int           `koanf:"max_attempts"`
	PollInterval     time.Duration `koanf:"poll_interval"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	CleanResult      string        `koanf:"clean_result"`
	InProgressResult string        `koanf:"in_progress_result"`
}

// LLMConfig configures the token-streaming backend.
type LLMConfig struct {
	BaseURL        string  `koanf:"base_url"`
	APIKey         string  `koanf:"api_key"`
	Model          string  `koanf:"model"`
	MaxTokens      int     `koanf:"max_tokens"`
	Temperature    float32 `koanf:"temperature"`
	SystemPrompt   string  `koanf:"system_prompt"`
	MaxInputTokens int     `koanf:"max_input_tokens"` // 0 disables the prompt budget
}

type ExtractorConfig struct {
	BaseURL string        `koanf:"base_url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// VerificationConfig configures the one-time code store.
type VerificationConfig struct {
	Backend       string        `koanf:"backend"` // memory, redis
	RedisURL      string        `koanf:"redis_url"`
	TTL           time.Duration `koanf:"ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Issuer        string        `koanf:"issuer"`
}

// ObjectStoreConfig configures S3 presigned uploads and archiving of admitted files.
// Leaving Bucket empty disables both.
type ObjectStoreConfig struct {
	Bucket       string        `koanf:"bucket"`
	Prefix       string        `koanf:"prefix"`
	Region       string        `koanf:"region"`
	Endpoint     string        `koanf:"endpoint"`
	UsePathStyle bool          `koanf:"use_path_style"`
	PresignTTL   time.Duration `koanf:"presign_ttl"`
	Archive      bool          `koanf:"archive"`

	// Static credentials; empty uses the AWS default credential chain.
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                 8080,
	"server.request_timeout":      "30s",
	"server.scan_timeout":         "90s",
	"server.stream_timeout":       "5m",
	"telemetry.service_name":      "intake-gateway",
	"staging.max_upload_bytes":    25 << 20,
	"scanner.base_url":            "https://api.metadefender.com/v4",
	"scanner.max_attempts":        20,
	"scanner.poll_interval":       "3s",
	"scanner.request_timeout":     "15s",
	"scanner.clean_result":        "No Threat Detected",
	"scanner.in_progress_result":  "In Progress",
	"llm.base_url":                "https://api.openai.com/v1",
	"llm.model":                   "gpt-4o-mini",
	"llm.max_tokens":              1024,
	"llm.temperature":             0.7,
	"extractor.timeout":           "60s",
	"storage.type":                "sqlite",
	"storage.sqlite.path":         "./data/intake.db",
	"verification.backend":        "memory",
	"verification.ttl":            "10m",
	"verification.sweep_interval": "1m",
	"verification.issuer":         "intake-gateway",
	"object_store.region":         "us-east-1",
	"object_store.presign_ttl":    "15m",
}

// Load reads config.yaml from the working directory.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads configuration from path (missing file is fine), then applies
// INTAKE_ environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
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

	cfg.Scanner.APIKey = substituteEnvVars(cfg.Scanner.APIKey)
	cfg.LLM.APIKey = substituteEnvVars(cfg.LLM.APIKey)
	cfg.Extractor.APIKey = substituteEnvVars(cfg.Extractor.APIKey)
	cfg.Verification.RedisURL = substituteEnvVars(cfg.Verification.RedisURL)
	cfg.ObjectStore.AccessKeyID = substituteEnvVars(cfg.ObjectStore.AccessKeyID)
	cfg.ObjectStore.SecretAccessKey = substituteEnvVars(cfg.ObjectStore.SecretAccessKey)

	if cfg.Staging.Dir == "" {
		cfg.Staging.Dir = os.TempDir()
	}

	return &cfg, nil
}

// GateCeiling is the longest a single scan can poll for.
func (c ScannerConfig) GateCeiling() time.Duration {
	return time.Duration(c.MaxAttempts) * c.PollInterval
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
