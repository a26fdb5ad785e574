package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deskpal/deskpal/pkg/minimax"
)

// minAudioBytes rejects implausibly small synthesis output, which in
// practice means the provider returned an error page or truncated data.
const minAudioBytes = 100

// MinimaxSynthesizer synthesizes speech through the MiniMax t2a_v2 API.
// The voice can be switched at runtime between synthesis calls.
type MinimaxSynthesizer struct {
	client *minimax.Client
	model  string
	speed  float64
	vol    float64
	pitch  int

	mu      sync.Mutex
	voiceID string
}

var _ Synthesizer = (*MinimaxSynthesizer)(nil)

// MinimaxOption configures a MinimaxSynthesizer.
type MinimaxOption func(*MinimaxSynthesizer)

// WithModel sets the TTS model.
func WithModel(model string) MinimaxOption {
	return func(s *MinimaxSynthesizer) {
		s.model = model
	}
}

// WithVoice sets the initial voice ID.
func WithVoice(voiceID string) MinimaxOption {
	return func(s *MinimaxSynthesizer) {
		s.voiceID = voiceID
	}
}

// WithSpeed sets the speech speed (0.5-2.0).
func WithSpeed(speed float64) MinimaxOption {
	return func(s *MinimaxSynthesizer) {
		s.speed = speed
	}
}

// NewMinimaxSynthesizer creates a MiniMax-backed synthesizer.
func NewMinimaxSynthesizer(client *minimax.Client, opts ...MinimaxOption) *MinimaxSynthesizer {
	s := &MinimaxSynthesizer{
		client:  client,
		model:   "speech-02-turbo",
		voiceID: "Lovely_Girl",
		speed:   1.0,
		vol:     1.0,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetVoice switches the voice used for subsequent synthesis calls.
func (s *MinimaxSynthesizer) SetVoice(voiceID string) {
	s.mu.Lock()
	old := s.voiceID
	s.voiceID = voiceID
	s.mu.Unlock()
	slog.Info("tts: voice switched", "from", old, "to", voiceID)
}

// Voice returns the currently selected voice ID.
func (s *MinimaxSynthesizer) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceID
}

// SynthesizeText implements the Synthesizer interface.
func (s *MinimaxSynthesizer) SynthesizeText(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.Speech.Synthesize(ctx, &minimax.SpeechRequest{
		Model: s.model,
		Text:  text,
		VoiceSetting: &minimax.VoiceSetting{
			VoiceID: s.Voice(),
			Speed:   s.speed,
			Vol:     s.vol,
			Pitch:   s.pitch,
		},
		AudioSetting: &minimax.AudioSetting{
			SampleRate: 32000,
			Format:     "mp3",
			Bitrate:    128000,
		},
		LanguageBoost: "Chinese",
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Audio) < minAudioBytes {
		return nil, fmt.Errorf("tts: audio too small (%d bytes)", len(resp.Audio))
	}
	return resp.Audio, nil
}
