package generation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var turnPattern = regexp.MustCompile(`(?s)<Person([12])>(.*?)</Person[12]>`)

// Turn is one speaker's line of a transcript. Speaker is 1 for the host who
// asks and 2 for the one who answers.
type Turn struct {
	Speaker int
	Text    string
}

// Turns splits a tagged transcript into speaker turns with whitespace
// collapsed. Empty turns are dropped. It returns nil when the transcript
// carries no tags.
func Turns(transcript string) []Turn {
	matches := turnPattern.FindAllStringSubmatch(transcript, -1)
	if len(matches) == 0 {
		return nil
	}

	turns := make([]Turn, 0, len(matches))
	for _, m := range matches {
		text := strings.Join(strings.Fields(m[2]), " ")
		if text == "" {
			continue
		}
		speaker := 1
		if m[1] == "2" {
			speaker = 2
		}
		turns = append(turns, Turn{Speaker: speaker, Text: text})
	}
	return turns
}

// SpeechRouter picks a SpeechSynthesizer by the job's tts_model. An empty
// model uses the default provider.
type SpeechRouter struct {
	defaultModel string
	providers    map[string]SpeechSynthesizer
}

var _ SpeechSynthesizer = (*SpeechRouter)(nil)

// NewSpeechRouter creates a SpeechRouter. defaultModel must name one of
// providers.
func NewSpeechRouter(defaultModel string, providers map[string]SpeechSynthesizer) (*SpeechRouter, error) {
	routes := make(map[string]SpeechSynthesizer, len(providers))
	for model, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("%w: speech provider %q is nil", ErrInvalidConfig, model)
		}
		routes[normalizeModel(model)] = p
	}
	defaultModel = normalizeModel(defaultModel)
	if _, ok := routes[defaultModel]; !ok {
		return nil, fmt.Errorf("%w: default tts model %q has no provider", ErrInvalidConfig, defaultModel)
	}
	return &SpeechRouter{defaultModel: defaultModel, providers: routes}, nil
}

// Models lists the routable tts_model values in order.
func (r *SpeechRouter) Models() []string {
	models := make([]string, 0, len(r.providers))
	for model := range r.providers {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// Synthesize hands req to the provider registered for req.Model.
func (r *SpeechRouter) Synthesize(ctx context.Context, req SpeechRequest) (*Audio, error) {
	model := normalizeModel(req.Model)
	if model == "" {
		model = r.defaultModel
	}
	p, ok := r.providers[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnsupportedSpeechModel, req.Model, strings.Join(r.Models(), ", "))
	}
	req.Model = model
	return p.Synthesize(ctx, req)
}

func normalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
