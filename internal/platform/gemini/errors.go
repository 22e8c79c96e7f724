package gemini

import "errors"

// Error definitions for the gemini package.
var (
	// ErrEmptyMaterial is returned when a transcript is requested without content.
	ErrEmptyMaterial = errors.New("material cannot be empty")

	// ErrEmptyTranscript is returned when speech is requested for an empty transcript.
	ErrEmptyTranscript = errors.New("transcript cannot be empty")
)
