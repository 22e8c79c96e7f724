// Package generation implements the execution step of a podcast job: it
// extracts readable material from the job's sources, asks a
// TranscriptGenerator for a two-host conversation and hands the transcript
// to a SpeechSynthesizer, writing both artifacts into the job's output
// directories.
//
// The model-facing collaborators are interfaces so that the pipeline can be
// exercised without network access; internal/platform/gemini provides the
// production implementations.
package generation
