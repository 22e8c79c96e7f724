package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/generation"
	"github.com/phrazzld/castqueue/internal/platform/logger"
)

// ModelName is the tts_model value routed to this provider.
const ModelName = "elevenlabs"

// Requested output format: headerless 24 kHz 16-bit mono PCM.
const (
	outputFormat  = "pcm_24000"
	sampleRate    = 24000
	sampleBits    = 16
	channels      = 1
	apiKeyHeader  = "xi-api-key"
	maxAudioBytes = 64 << 20
	maxErrorBytes = 4 << 10
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
)

var tracer = otel.Tracer("castqueue/elevenlabs")

// ErrEmptyTranscript is returned when speech is requested for an empty transcript.
var ErrEmptyTranscript = errors.New("transcript cannot be empty")

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("elevenlabs API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("elevenlabs API returned status %d: %s", e.StatusCode, e.Message)
}

// Synthesizer reads transcripts aloud with ElevenLabs voices.
type Synthesizer struct {
	client     *http.Client
	config     config.ElevenLabsConfig
	maxRetries uint64
	baseDelay  time.Duration
	logger     *slog.Logger
}

var _ generation.SpeechSynthesizer = (*Synthesizer)(nil)

// NewSynthesizer creates a Synthesizer. A nil client gets one with the
// configured timeout.
func NewSynthesizer(cfg config.ElevenLabsConfig, client *http.Client, logger *slog.Logger) (*Synthesizer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: elevenlabs API key cannot be empty", generation.ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: invalid elevenlabs base url: %v", generation.ErrInvalidConfig, err)
	}
	if cfg.Model == "" || cfg.QuestionVoice == "" || cfg.AnswerVoice == "" {
		return nil, fmt.Errorf("%w: elevenlabs model and voices are required", generation.ErrInvalidConfig)
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}

	return &Synthesizer{
		client:     client,
		config:     cfg,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		logger:     logger.With("component", "elevenlabs"),
	}, nil
}

type speechBody struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize renders every turn with the question or answer voice. Text
// without speaker tags is read by the question voice.
func (s *Synthesizer) Synthesize(ctx context.Context, req generation.SpeechRequest) (*generation.Audio, error) {
	turns := generation.Turns(req.Transcript)
	if turns == nil {
		if text := strings.Join(strings.Fields(req.Transcript), " "); text != "" {
			turns = []generation.Turn{{Speaker: 1, Text: text}}
		}
	}
	if len(turns) == 0 {
		return nil, ErrEmptyTranscript
	}

	opts := s.options(req.Conversation)
	log := logger.FromContextOrDefault(ctx, s.logger).With("model", opts.model)

	ctx, span := tracer.Start(ctx, "elevenlabs.synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("elevenlabs.model", opts.model),
		attribute.Int("elevenlabs.turns", len(turns)),
	)

	var pcm []byte
	for i, turn := range turns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		voice := opts.question
		if turn.Speaker == 2 {
			voice = opts.answer
		}
		chunk, err := s.speak(ctx, log, voice, opts.model, turn.Text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("turn %d of %d: %w", i+1, len(turns), err)
		}
		pcm = append(pcm, chunk...)
	}

	log.Info("speech synthesized", "turns", len(turns), "bytes", len(pcm))
	return &generation.Audio{
		PCM:           pcm,
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: sampleBits,
	}, nil
}

// speak renders one turn, retrying rate limits, server errors and transport
// failures.
func (s *Synthesizer) speak(ctx context.Context, log *slog.Logger, voice, model, text string) ([]byte, error) {
	payload, err := json.Marshal(speechBody{Text: text, ModelID: model})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		strings.TrimRight(s.config.BaseURL, "/"), url.PathEscape(voice), outputFormat)

	var (
		audio     []byte
		attempt   int
		transient bool
	)
	backoff := retry.WithMaxRetries(s.maxRetries, retry.WithJitterPercent(25, retry.NewExponential(s.baseDelay)))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(apiKeyHeader, s.config.APIKey)

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			transient = true
			log.Warn("ElevenLabs API call failed", "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
			apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				transient = true
				log.Warn("ElevenLabs API call failed", "attempt", attempt, "status", resp.StatusCode)
				return retry.RetryableError(apiErr)
			}
			transient = false
			return apiErr
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
		if err != nil {
			transient = true
			return retry.RetryableError(fmt.Errorf("failed to read audio: %w", err))
		}
		transient = false
		audio = data
		return nil
	})
	if err != nil {
		if transient && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: speech failed after %d attempts: %v", generation.ErrTransientFailure, attempt, err)
		}
		return nil, err
	}

	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: no audio in response", generation.ErrInvalidResponse)
	}
	// keep whole 16-bit samples
	return audio[:len(audio)&^1], nil
}

// errorMessage pulls detail.message out of an API error body.
func errorMessage(body []byte) string {
	var parsed struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Detail.Message != "" {
		return parsed.Detail.Message
	}
	return strings.TrimSpace(string(body))
}

type voiceOptions struct {
	model    string
	question string
	answer   string
}

// options honors text_to_speech.elevenlabs.{model,default_voices} from the
// conversation settings.
func (s *Synthesizer) options(conversation map[string]any) voiceOptions {
	opts := voiceOptions{
		model:    s.config.Model,
		question: s.config.QuestionVoice,
		answer:   s.config.AnswerVoice,
	}
	if v := lookup(conversation, "text_to_speech", ModelName, "model"); v != "" {
		opts.model = v
	}
	if v := lookup(conversation, "text_to_speech", ModelName, "default_voices", "question"); v != "" {
		opts.question = v
	}
	if v := lookup(conversation, "text_to_speech", ModelName, "default_voices", "answer"); v != "" {
		opts.answer = v
	}
	return opts
}

func lookup(m map[string]any, path ...string) string {
	for i, key := range path {
		v, ok := m[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			s, _ := v.(string)
			return strings.TrimSpace(s)
		}
		if m, ok = v.(map[string]any); !ok {
			return ""
		}
	}
	return ""
}
