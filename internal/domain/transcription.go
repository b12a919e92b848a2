package domain

import "context"

// TranscriptionResult is the text recognized in an audio clip.
type TranscriptionResult struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Transcriber converts an audio buffer to text. filename carries the
// extension used to infer the audio format.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (*TranscriptionResult, error)
}
