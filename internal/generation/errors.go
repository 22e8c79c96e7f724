package generation

import "errors"

// Common errors returned by the generation package
var (
	// ErrInvalidResponse is returned when the model response cannot be used
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient error during generation")

	// ErrInvalidConfig is returned when a generator configuration is invalid
	ErrInvalidConfig = errors.New("invalid generator configuration")

	// ErrUnsupportedSpeechModel is returned for a tts_model no provider serves
	ErrUnsupportedSpeechModel = errors.New("unsupported tts model")

	// ErrNoContent is returned when the job's sources yield nothing to talk about
	ErrNoContent = errors.New("no content could be extracted from the sources")

	// ErrExtractionFailed is returned when a source cannot be fetched or read
	ErrExtractionFailed = errors.New("failed to extract source content")
)
