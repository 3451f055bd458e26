// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// A clip is streamed over a fresh connection in fixed-size binary frames,
// followed by a CloseStream control message. Deepgram flushes its remaining
// results and closes the socket; all final results are joined into one
// transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lumi/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// chunkSize is the size of one binary audio frame sent to Deepgram.
	chunkSize = 8 * 1024

	mimePCM = "audio/l16"
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the default PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
	endpoint   string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams clip to Deepgram and returns the joined final results.
func (p *Provider) Transcribe(ctx context.Context, clip stt.Clip) (stt.Transcript, error) {
	if len(clip.Audio) == 0 {
		return stt.Transcript{}, stt.ErrNoSpeech
	}

	wsURL, err := p.buildURL(clip)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeClip(ctx, conn, clip.Audio)
	}()

	tr, err := readResults(ctx, conn)
	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", err)
	}
	if strings.TrimSpace(tr.Text) == "" {
		return stt.Transcript{}, stt.ErrNoSpeech
	}
	return tr, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given clip.
func (p *Provider) buildURL(clip stt.Clip) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := clip.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")

	// Containerised audio is self-describing. Raw PCM needs the format spelled out.
	if strings.EqualFold(clip.MIMEType, mimePCM) {
		sr := clip.SampleRate
		if sr == 0 {
			sr = p.sampleRate
		}
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(sr))
		q.Set("channels", "1")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// writeClip sends audio in binary frames and then asks Deepgram to flush.
func writeClip(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	for len(audio) > 0 {
		n := min(chunkSize, len(audio))
		if err := conn.Write(ctx, websocket.MessageBinary, audio[:n]); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		audio = audio[n:]
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("write close stream: %w", err)
	}
	return nil
}

// readResults collects final results until the server closes the socket.
func readResults(ctx context.Context, conn *websocket.Conn) (stt.Transcript, error) {
	var (
		parts      []string
		confidence float64
		end        float64
	)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			if ctx.Err() != nil {
				return stt.Transcript{}, ctx.Err()
			}
			return stt.Transcript{}, fmt.Errorf("read: %w", err)
		}

		res, ok := parseDeepgramResponse(msg)
		if !ok || !res.IsFinal || strings.TrimSpace(res.Text) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(res.Text))
		confidence += res.Confidence
		end = max(end, res.Start+res.Duration)
	}

	tr := stt.Transcript{
		Text:     strings.Join(parts, " "),
		Duration: time.Duration(end * float64(time.Second)),
	}
	if len(parts) > 0 {
		tr.Confidence = confidence / float64(len(parts))
	}
	return tr, nil
}

// ---- response parsing ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed Results event.
type result struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Start      float64
	Duration   float64
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message.
// Returns (result, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	return result{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Start:      resp.Start,
		Duration:   resp.Duration,
	}, true
}
