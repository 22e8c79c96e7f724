// Package elevenlabs implements generation.SpeechSynthesizer on the
// ElevenLabs text-to-speech REST API.
//
// Each speaker turn of a transcript is rendered with the voice of its host
// and the raw PCM of all turns is concatenated. Rate limiting and server
// errors are retried with exponential backoff.
package elevenlabs
