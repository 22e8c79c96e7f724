package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/generation"
	"github.com/phrazzld/castqueue/internal/platform/logger"
)

var tracer = otel.Tracer("castqueue/gemini")

// contentGenerator is the slice of the genai client the generator calls.
// *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Generator produces transcripts and speech with Gemini models. It
// implements generation.TranscriptGenerator and generation.SpeechSynthesizer.
type Generator struct {
	models     contentGenerator
	config     config.LLMConfig
	prompt     *template.Template
	maxRetries uint64
	baseDelay  time.Duration
	logger     *slog.Logger
}

var (
	_ generation.TranscriptGenerator = (*Generator)(nil)
	_ generation.SpeechSynthesizer   = (*Generator)(nil)
)

// NewGenerator creates a Generator backed by the Gemini API.
func NewGenerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return newGenerator(client.Models, logger, cfg)
}

func newGenerator(models contentGenerator, logger *slog.Logger, cfg config.LLMConfig) (*Generator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if models == nil {
		return nil, fmt.Errorf("%w: client cannot be nil", generation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", generation.ErrInvalidConfig)
	}
	if cfg.TTSModelName == "" {
		return nil, fmt.Errorf("%w: tts model name cannot be empty", generation.ErrInvalidConfig)
	}

	prompt, err := template.New("transcript.tmpl").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(promptFS, "prompts/transcript.tmpl")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v", generation.ErrInvalidConfig, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		logger.Warn("invalid max retries value, using default", "max_retries", 3)
		maxRetries = 3
	}
	delay := cfg.RetryDelaySeconds
	if delay < 1 {
		logger.Warn("invalid retry delay value, using default", "retry_delay_seconds", 2)
		delay = 2
	}

	return &Generator{
		models:     models,
		config:     cfg,
		prompt:     prompt,
		maxRetries: uint64(maxRetries),
		baseDelay:  time.Duration(delay) * time.Second,
		logger:     logger.With("component", "gemini"),
	}, nil
}

// generate calls model with exponential backoff. Transport and API errors
// are retried; errors returned by handle are permanent.
func (g *Generator) generate(
	ctx context.Context,
	op string,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
	handle func(resp *genai.GenerateContentResponse) error,
) error {
	log := logger.FromContextOrDefault(ctx, g.logger).With("operation", op, "model", model)

	ctx, span := tracer.Start(ctx, "gemini."+op)
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", model))

	var (
		attempt   int
		transient bool
	)
	backoff := retry.WithMaxRetries(g.maxRetries, retry.WithJitterPercent(25, retry.NewExponential(g.baseDelay)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		log.Debug("calling Gemini API", "attempt", attempt)

		resp, err := g.models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			transient = true
			log.Warn("Gemini API call failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		transient = false
		return handle(resp)
	})

	span.SetAttributes(attribute.Int("gemini.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if transient && ctx.Err() == nil {
			return fmt.Errorf("%w: %s failed after %d attempts: %v", generation.ErrTransientFailure, op, attempt, err)
		}
		return err
	}

	log.Info("Gemini API call successful", "attempt", attempt)
	return nil
}

// firstCandidate returns the content of the first candidate or a permanent
// error describing why there is none.
func firstCandidate(resp *genai.GenerateContentResponse) (*genai.Content, error) {
	if resp == nil {
		return nil, fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no content generated", generation.ErrInvalidResponse)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: content blocked by safety filters", generation.ErrContentBlocked)
	}
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}
	return candidate.Content, nil
}
