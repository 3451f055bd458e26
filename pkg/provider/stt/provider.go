// Package stt defines the Provider interface for Speech-to-Text backends.
//
// Voice input arrives as a complete recorded clip (one utterance uploaded by a
// client). A provider transcribes the clip and returns the committed text
// together with recognition metadata.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrNoSpeech is returned when a clip contains no recognisable speech.
var ErrNoSpeech = errors.New("stt: no speech recognised")

// Clip is a recorded audio clip to transcribe.
type Clip struct {
	// Audio holds the encoded clip bytes.
	Audio []byte

	// MIMEType is the content type of Audio (e.g. "audio/webm", "audio/wav").
	// "audio/l16" denotes raw 16-bit little-endian mono PCM, in which case
	// SampleRate must be set.
	MIMEType string

	// SampleRate is the PCM sample rate in Hz. Ignored for containerised audio.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string uses the provider default.
	Language string
}

// Transcript is the recognition result for one clip.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Confidence is the mean confidence score (0.0–1.0). Zero if the provider
	// does not report confidence.
	Confidence float64

	// Duration is the length of the recognised audio.
	Duration time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts the clip into text. A clip without speech yields
	// [ErrNoSpeech].
	Transcribe(ctx context.Context, clip Clip) (Transcript, error)
}
