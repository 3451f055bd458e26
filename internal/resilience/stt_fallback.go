package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lumi/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
// A silent clip is a valid answer and not counted as a backend failure.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	isFailure := cfg.CircuitBreaker.IsFailure
	if isFailure == nil {
		isFailure = DefaultIsFailure
	}
	cfg.CircuitBreaker.IsFailure = func(err error) bool {
		return !errors.Is(err, stt.ErrNoSpeech) && isFailure(err)
	}
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends clip to the first healthy provider. A clip without speech
// is reported as [stt.ErrNoSpeech] without trying the fallbacks.
func (f *STTFallback) Transcribe(ctx context.Context, clip stt.Clip) (stt.Transcript, error) {
	var silent bool
	t, err := ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.Transcript, error) {
		if silent {
			return stt.Transcript{}, stt.ErrNoSpeech
		}
		t, err := p.Transcribe(ctx, clip)
		silent = errors.Is(err, stt.ErrNoSpeech)
		return t, err
	})
	if silent {
		return stt.Transcript{}, stt.ErrNoSpeech
	}
	return t, err
}
