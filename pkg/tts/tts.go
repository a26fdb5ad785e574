// Package tts defines the speech-synthesis collaborator contract used by
// the voice pipeline: text in, audio bytes out, fallible.
package tts

import "context"

// Synthesizer turns a sentence of text into audio bytes.
type Synthesizer interface {
	// SynthesizeText synthesizes the text into encoded audio bytes.
	SynthesizeText(ctx context.Context, text string) ([]byte, error)
}

// SynthesizeFunc is a function that implements the Synthesizer interface.
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// SynthesizeText implements the Synthesizer interface.
func (f SynthesizeFunc) SynthesizeText(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}
