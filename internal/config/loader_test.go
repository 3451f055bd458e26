package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/lumi/internal/config"
)

func validConfig() *config.Config {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			LLM:        config.ProviderEntry{Name: "openai"},
			Embeddings: config.ProviderEntry{Name: "openai"},
		},
		Auth: config.AuthConfig{JWTSecret: "s3cret"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "invalid log level", mutate: func(c *config.Config) { c.Server.LogLevel = "verbose" }, wantErr: "log_level"},
		{name: "tls without key", mutate: func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "c.pem"} }, wantErr: "server.tls"},
		{name: "missing llm", mutate: func(c *config.Config) { c.Providers.LLM.Name = "" }, wantErr: "providers.llm.name"},
		{name: "missing embeddings", mutate: func(c *config.Config) { c.Providers.Embeddings.Name = "" }, wantErr: "providers.embeddings.name"},
		{name: "unnamed fallback", mutate: func(c *config.Config) { c.Providers.LLMFallbacks = []config.ProviderEntry{{}} }, wantErr: "llm_fallbacks[0]"},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Memory.Backend = "redis" }, wantErr: "memory.backend"},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Memory.Backend = config.BackendPostgres }, wantErr: "postgres_dsn"},
		{name: "postgres with dsn", mutate: func(c *config.Config) {
			c.Memory.Backend = config.BackendPostgres
			c.Memory.PostgresDSN = "postgres://localhost/lumi"
		}},
		{name: "zero max tokens", mutate: func(c *config.Config) { c.Chat.MaxTokens = -1 }, wantErr: "max_tokens"},
		{name: "threshold above one", mutate: func(c *config.Config) { c.Chat.SimilarityThreshold = 1.2 }, wantErr: "similarity_threshold"},
		{name: "threshold of one", mutate: func(c *config.Config) { c.Chat.SimilarityThreshold = 1 }},
		{name: "negative threshold", mutate: func(c *config.Config) { c.Chat.SimilarityThreshold = -0.1 }, wantErr: "similarity_threshold"},
		{name: "zero steps", mutate: func(c *config.Config) { c.Chat.MaxFunctionSteps = -2 }, wantErr: "max_function_steps"},
		{name: "traits without name", mutate: func(c *config.Config) { c.Chat.Persona.Traits = "kind" }, wantErr: "chat.persona.name"},
		{name: "missing secret", mutate: func(c *config.Config) { c.Auth.JWTSecret = "" }, wantErr: "jwt_secret"},
		{name: "negative rate", mutate: func(c *config.Config) { c.RateLimit.PerUserRPS = -1 }, wantErr: "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Chat.MaxTokens = -5
	cfg.Auth.JWTSecret = ""

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected a joined error, got %T", err)
	}
	if n := len(joined.Unwrap()); n != 3 {
		t.Errorf("got %d errors, want 3: %v", n, err)
	}
}

func TestApplyDefaults_Burst(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimitConfig{PerUserRPS: 2}}
	config.ApplyDefaults(cfg)
	if cfg.RateLimit.Burst != 1 {
		t.Errorf("burst: got %d, want 1", cfg.RateLimit.Burst)
	}
}

func TestValidProviderNames(t *testing.T) {
	for _, kind := range []string{"llm", "embeddings", "stt", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no known provider names for %q", kind)
		}
	}
}

func TestLogLevel_Slog(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.Slog(); got != tt.want {
			t.Errorf("%q.Slog() = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("LUMI_JWT_SECRET", "example-secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "example-secret" {
		t.Errorf("jwt_secret not expanded from env: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Providers.LLM.APIKey != "sk-test" {
		t.Errorf("llm api_key = %q", cfg.Providers.LLM.APIKey)
	}
	if len(cfg.Providers.LLMFallbacks) != 1 || cfg.Providers.LLMFallbacks[0].Name != "anthropic" {
		t.Errorf("llm_fallbacks = %+v", cfg.Providers.LLMFallbacks)
	}
	if cfg.Chat.Persona.Name != "Lumi" || cfg.Memory.Backend != config.BackendInMemory {
		t.Errorf("unexpected chat/memory config: %+v %+v", cfg.Chat.Persona, cfg.Memory)
	}
}
