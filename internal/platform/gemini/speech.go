package gemini

import (
	"context"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/phrazzld/castqueue/internal/generation"
)

// Gemini TTS output format.
const (
	defaultSampleRate = 24000
	sampleBits        = 16
	sampleChannels    = 1
)

// supportedTTSModels are the tts_model values served by Gemini. Empty means
// the server default.
var supportedTTSModels = map[string]bool{"": true, "gemini": true, "geminimulti": true}

// Synthesize reads the transcript aloud with the configured TTS model.
func (g *Generator) Synthesize(ctx context.Context, req generation.SpeechRequest) (*generation.Audio, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, ErrEmptyTranscript
	}
	model := strings.ToLower(strings.TrimSpace(req.Model))
	if !supportedTTSModels[model] {
		return nil, fmt.Errorf("%w: %q", generation.ErrUnsupportedSpeechModel, req.Model)
	}

	voice := g.voiceFor(model, req.Conversation)
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}

	prompt := "Read this podcast conversation aloud in a warm, natural tone:\n\n" + speechScript(req.Transcript)

	var audio *generation.Audio
	err := g.generate(ctx, "synthesize_speech", g.config.TTSModelName, genai.Text(prompt), cfg,
		func(resp *genai.GenerateContentResponse) error {
			content, err := firstCandidate(resp)
			if err != nil {
				return err
			}

			var (
				pcm      []byte
				mimeType string
			)
			for _, part := range content.Parts {
				if part == nil || part.InlineData == nil {
					continue
				}
				pcm = append(pcm, part.InlineData.Data...)
				if mimeType == "" {
					mimeType = part.InlineData.MIMEType
				}
			}
			if len(pcm) == 0 {
				return fmt.Errorf("%w: no audio in response", generation.ErrInvalidResponse)
			}

			audio = &generation.Audio{
				PCM:           pcm,
				SampleRate:    sampleRate(mimeType),
				Channels:      sampleChannels,
				BitsPerSample: sampleBits,
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// voiceFor honors text_to_speech.<model>.default_voices.question from the
// conversation settings.
func (g *Generator) voiceFor(model string, conversation map[string]any) string {
	if model == "" {
		model = "gemini"
	}
	voices := settings(conversation).nested("text_to_speech").nested(model).nested("default_voices")
	return voices.text("question", g.config.DefaultVoice)
}

// speechScript turns tagged turns into labelled lines. Text without turns is
// read as is.
func speechScript(transcript string) string {
	turns := generation.Turns(transcript)
	if turns == nil {
		return strings.TrimSpace(transcript)
	}

	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, "Speaker "+strconv.Itoa(turn.Speaker)+": "+turn.Text)
	}
	return strings.Join(lines, "\n")
}

// sampleRate reads the rate parameter of an audio/L16 MIME type.
func sampleRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return defaultSampleRate
	}
	if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
		return rate
	}
	return defaultSampleRate
}
