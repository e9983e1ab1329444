// Package asr runs speech-to-text through an external whisper-cli binary
// and keeps per-model engine instances cached. The engine itself is opaque:
// this package only manages invocation, segment streaming and model files.
package asr

import "context"

// Segment is one decoded chunk of speech. End is the segment's end position
// in the audio, in seconds, used to estimate transcription progress.
type Segment struct {
	Text string
	End  float64
}

// Options tune a single transcription run.
type Options struct {
	// Language forces decoding in one language; empty means auto-detect.
	Language string
	// VAD enables voice-activity filtering when the engine supports it.
	VAD bool
}

// Result is the outcome of a full transcription.
type Result struct {
	Text     string
	Language string // detected (or forced) language code, may be empty
}

// Engine transcribes one WAV file, streaming segments as they decode.
type Engine interface {
	Transcribe(ctx context.Context, wavPath string, opts Options, onSegment func(Segment)) (Result, error)
}
