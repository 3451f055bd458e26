// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and turns
// one assistant reply into an encoded audio clip that clients can play back.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes a voice offered by a TTS backend.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name"`

	// Labels holds provider-specific voice attributes (gender, accent, etc.).
	Labels map[string]string `json:"labels,omitempty"`
}

// Audio is a synthesised clip.
type Audio struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// MIMEType is the content type of Data (e.g. "audio/mpeg").
	MIMEType string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. An empty voiceID selects
	// the provider default.
	Synthesize(ctx context.Context, text, voiceID string) (Audio, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}
