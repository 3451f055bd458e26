package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PersonaChanged bool
	NewPersona     PersonaConfig

	RateLimitChanged bool
	NewRateLimit     RateLimitConfig

	// RestartRequired lists changed sections that only take effect after a
	// restart (providers, memory, auth, listen address).
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && !d.RateLimitChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Chat.Persona != new.Chat.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Chat.Persona
	}
	if old.RateLimit != new.RateLimit {
		d.RateLimitChanged = true
		d.NewRateLimit = new.RateLimit
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	oldChat, newChat := old.Chat, new.Chat
	oldChat.Persona, newChat.Persona = PersonaConfig{}, PersonaConfig{}
	if oldChat != newChat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	return d
}

// sameProviders compares the identifying fields of all provider entries.
// Options are not compared.
func sameProviders(a, b ProvidersConfig) bool {
	if len(a.LLMFallbacks) != len(b.LLMFallbacks) {
		return false
	}
	for i := range a.LLMFallbacks {
		if !sameEntry(a.LLMFallbacks[i], b.LLMFallbacks[i]) {
			return false
		}
	}
	return sameEntry(a.LLM, b.LLM) &&
		sameEntry(a.Embeddings, b.Embeddings) &&
		sameEntry(a.STT, b.STT) &&
		sameEntry(a.TTS, b.TTS)
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
