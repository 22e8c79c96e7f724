package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/phrazzld/castqueue/internal/domain"
	"github.com/phrazzld/castqueue/internal/platform/logger"
)

// Pipeline runs one podcast job: extract, write the transcript, synthesize
// speech. It satisfies task.Executor.
type Pipeline struct {
	extractor   *Extractor
	transcripts TranscriptGenerator
	speech      SpeechSynthesizer
	logger      *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(
	extractor *Extractor,
	transcripts TranscriptGenerator,
	speech SpeechSynthesizer,
	logger *slog.Logger,
) (*Pipeline, error) {
	if extractor == nil {
		return nil, fmt.Errorf("%w: extractor cannot be nil", ErrInvalidConfig)
	}
	if transcripts == nil {
		return nil, fmt.Errorf("%w: transcript generator cannot be nil", ErrInvalidConfig)
	}
	if speech == nil {
		return nil, fmt.Errorf("%w: speech synthesizer cannot be nil", ErrInvalidConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Pipeline{
		extractor:   extractor,
		transcripts: transcripts,
		speech:      speech,
		logger:      logger.With("component", "pipeline"),
	}, nil
}

// TranscriptFilename is the name of the transcript artifact of job id.
func TranscriptFilename(id uuid.UUID) string {
	return "transcript_" + id.String() + ".txt"
}

// AudioFilename is the name of the audio artifact of job id.
func AudioFilename(id uuid.UUID) string {
	return "podcast_" + id.String() + ".wav"
}

// Execute runs the job. A cancelled ctx aborts between steps with an error
// wrapping context.Canceled.
func (p *Pipeline) Execute(ctx context.Context, job *domain.Job) (domain.Result, error) {
	log := logger.FromContextOrDefault(ctx, p.logger).With("job_id", job.ID)
	params := job.Parameters

	var (
		transcript     string
		transcriptPath string
	)

	if params.TranscriptPath != "" {
		data, err := os.ReadFile(params.TranscriptPath)
		if err != nil {
			return domain.Result{}, fmt.Errorf("failed to read transcript: %w", err)
		}
		transcript = strings.TrimSpace(string(data))
		if transcript == "" {
			return domain.Result{}, fmt.Errorf("%w: transcript file is empty", ErrNoContent)
		}
		// the upload lives in the temp directory, which may be removed once
		// the job ends
		transcriptPath = filepath.Join(params.Output.TranscriptDir, TranscriptFilename(job.ID))
		if err := writeFile(transcriptPath, data); err != nil {
			return domain.Result{}, fmt.Errorf("failed to save transcript: %w", err)
		}
		log.Info("using provided transcript", "path", transcriptPath)
	} else {
		material, err := p.extractor.Extract(ctx, params.Sources, params.Text)
		if err != nil {
			return domain.Result{}, p.stepError(ctx, "extract content", err)
		}
		if err := checkpoint(ctx, "extract content"); err != nil {
			return domain.Result{}, err
		}
		log.Info("content extracted", "chars", len(material.Text), "documents", len(material.Documents))

		transcript, err = p.transcripts.GenerateTranscript(ctx, TranscriptRequest{
			JobID:        job.ID,
			Material:     material,
			Generation:   params.Generation,
			Conversation: params.Conversation,
		})
		if err != nil {
			return domain.Result{}, p.stepError(ctx, "generate transcript", err)
		}
		if err := checkpoint(ctx, "generate transcript"); err != nil {
			return domain.Result{}, err
		}
		if strings.TrimSpace(transcript) == "" {
			return domain.Result{}, fmt.Errorf("%w: empty transcript", ErrInvalidResponse)
		}

		transcriptPath = filepath.Join(params.Output.TranscriptDir, TranscriptFilename(job.ID))
		if err := writeFile(transcriptPath, []byte(transcript)); err != nil {
			return domain.Result{}, fmt.Errorf("failed to save transcript: %w", err)
		}
		log.Info("transcript saved", "path", transcriptPath)
	}

	if params.TranscriptOnly {
		return domain.Result{TranscriptPath: transcriptPath}, nil
	}
	if err := checkpoint(ctx, "synthesize speech"); err != nil {
		return domain.Result{}, err
	}

	audio, err := p.speech.Synthesize(ctx, SpeechRequest{
		JobID:        job.ID,
		Transcript:   transcript,
		Model:        params.TTSModel,
		Conversation: params.Conversation,
	})
	if err != nil {
		return domain.Result{}, p.stepError(ctx, "synthesize speech", err)
	}
	if err := checkpoint(ctx, "synthesize speech"); err != nil {
		return domain.Result{}, err
	}

	audioPath := filepath.Join(params.Output.AudioDir, AudioFilename(job.ID))
	if err := writeWAVFile(audioPath, audio); err != nil {
		return domain.Result{}, fmt.Errorf("failed to save audio: %w", err)
	}
	log.Info("audio saved", "path", audioPath, "bytes", len(audio.PCM))

	return domain.Result{TranscriptPath: transcriptPath, AudioPath: audioPath}, nil
}

// checkpoint returns a wrapped cancellation error once ctx is done.
func checkpoint(ctx context.Context, step string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled after %s: %w", step, err)
	}
	return nil
}

// stepError prefers the cancellation over whatever a collaborator returned
// while being cancelled.
func (p *Pipeline) stepError(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return fmt.Errorf("cancelled during %s: %w", step, ctxErr)
	}
	return fmt.Errorf("failed to %s: %w", step, err)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeWAVFile(path string, audio *Audio) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return WriteWAV(f, audio)
}
