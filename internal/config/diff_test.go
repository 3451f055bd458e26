package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/lumi/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	old, new := validConfig(), validConfig()
	d := config.Diff(old, new)
	if !d.Empty() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	old, new := validConfig(), validConfig()
	new.Server.LogLevel = config.LogDebug
	new.Chat.Persona = config.PersonaConfig{Name: "Nova", Traits: "calm"}
	new.RateLimit = config.RateLimitConfig{PerUserRPS: 1, Burst: 2}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: got %+v", d)
	}
	if !d.PersonaChanged || d.NewPersona.Name != "Nova" {
		t.Errorf("persona: got %+v", d)
	}
	if !d.RateLimitChanged || d.NewRateLimit.Burst != 2 {
		t.Errorf("rate limit: got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("restart required: got %v, want none", d.RestartRequired)
	}
	if d.Empty() {
		t.Error("Empty() = true for a changed config")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		section string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server.listen_addr"},
		{"llm model", func(c *config.Config) { c.Providers.LLM.Model = "gpt-5" }, "providers"},
		{"fallback added", func(c *config.Config) {
			c.Providers.LLMFallbacks = append(c.Providers.LLMFallbacks, config.ProviderEntry{Name: "ollama"})
		}, "providers"},
		{"memory backend", func(c *config.Config) { c.Memory.ChromemDir = "/var/lib/lumi" }, "memory"},
		{"auth secret", func(c *config.Config) { c.Auth.JWTSecret = "rotated" }, "auth"},
		{"chat threshold", func(c *config.Config) { c.Chat.SimilarityThreshold = 0.9 }, "chat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old, new := validConfig(), validConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired = %v, want %q", d.RestartRequired, tt.section)
			}
		})
	}
}

func TestDiff_ProviderOptionsIgnored(t *testing.T) {
	old, new := validConfig(), validConfig()
	new.Providers.LLM.Options = map[string]any{"temperature": 0.3}
	if d := config.Diff(old, new); len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}
