package resilience

import (
	"context"

	"github.com/MrWong99/lumi/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker.
//
// Voice IDs are provider specific. A request naming a voice is only sent to
// the primary; the fallbacks synthesize with their default voice.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text with the first healthy provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text, voiceID string) (tts.Audio, error) {
	primary := f.group.Primary()
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (tts.Audio, error) {
		voice := voiceID
		if p != primary {
			voice = ""
		}
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the primary provider, falling back to the
// next healthy provider's voices when it is unavailable.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.Voice, error) {
		return p.ListVoices(ctx)
	})
}
