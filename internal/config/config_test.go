package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Scanner.MaxAttempts != 20 {
			t.Errorf("max attempts = %v, want 20", cfg.Scanner.MaxAttempts)
		}
		if cfg.Scanner.PollInterval != 3*time.Second {
			t.Errorf("poll interval = %v, want 3s", cfg.Scanner.PollInterval)
		}
		if cfg.Scanner.GateCeiling() != time.Minute {
			t.Errorf("gate ceiling = %v, want 1m", cfg.Scanner.GateCeiling())
		}
		if cfg.Scanner.CleanResult != "No Threat Detected" {
			t.Errorf("clean result = %q", cfg.Scanner.CleanResult)
		}
		if cfg.Scanner.InProgressResult != "In Progress" {
			t.Errorf("in progress result = %q", cfg.Scanner.InProgressResult)
		}
		if cfg.Verification.TTL != 10*time.Minute {
			t.Errorf("verification ttl = %v, want 10m", cfg.Verification.TTL)
		}
		if cfg.Staging.Dir == "" {
			t.Error("staging dir should default to the temp dir")
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("INTAKE_SERVER__PORT", "9000")
		t.Setenv("INTAKE_SCANNER__MAX_ATTEMPTS", "5")
		t.Setenv("INTAKE_SCANNER__POLL_INTERVAL", "250ms")

		cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 9000 {
			t.Errorf("port = %v, want 9000", cfg.Server.Port)
		}
		if cfg.Scanner.MaxAttempts != 5 {
			t.Errorf("max attempts = %v, want 5", cfg.Scanner.MaxAttempts)
		}
		if cfg.Scanner.PollInterval != 250*time.Millisecond {
			t.Errorf("poll interval = %v, want 250ms", cfg.Scanner.PollInterval)
		}
	})

	t.Run("yaml file", func(t *testing.T) {
		t.Setenv("TEST_LLM_KEY", "sk-test")

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
server:
  port: 7000
llm:
  api_key: ${TEST_LLM_KEY}
  model: gpt-4o
storage:
  type: memory
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}

		if cfg.Server.Port != 7000 {
			t.Errorf("port = %v, want 7000", cfg.Server.Port)
		}
		if cfg.LLM.APIKey != "sk-test" {
			t.Errorf("api key = %q, want substituted value", cfg.LLM.APIKey)
		}
		if cfg.LLM.Model != "gpt-4o" {
			t.Errorf("model = %q, want gpt-4o", cfg.LLM.Model)
		}
		if cfg.Storage.Type != "memory" {
			t.Errorf("storage type = %q, want memory", cfg.Storage.Type)
		}
		if cfg.LLM.MaxTokens != 1024 {
			t.Errorf("max tokens = %d, want default 1024", cfg.LLM.MaxTokens)
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}
