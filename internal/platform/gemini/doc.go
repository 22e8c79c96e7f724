// Package gemini implements the generation package's TranscriptGenerator and
// SpeechSynthesizer on top of Google's Gemini API (google.golang.org/genai).
//
// Transcripts come from a text model prompted with the job's conversation
// settings; speech comes from a Gemini TTS model that returns 24 kHz 16-bit
// mono PCM. Transient API failures are retried with exponential backoff;
// blocked or malformed responses fail immediately.
package gemini
