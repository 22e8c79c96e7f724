package gemini

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/phrazzld/castqueue/internal/generation"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// conversation defaults applied when the job does not set them
const (
	defaultPodcastName = "castqueue"
	defaultPerson1     = "main summarizer"
	defaultPerson2     = "questioner/clarifier"
	defaultWordCount   = 2000
	defaultLanguage    = "English"
)

// promptData represents the data passed to the prompt template
type promptData struct {
	PodcastName  string
	Tagline      string
	Person1      string
	Person2      string
	WordCount    int
	Language     string
	Styles       []string
	Structure    []string
	Techniques   []string
	Instructions string
	Content      string
	HasDocuments bool
}

func newPromptData(req generation.TranscriptRequest) promptData {
	conv := settings(req.Conversation)
	gen := settings(req.Generation)

	words := conv.count("word_count", 0)
	if words <= 0 {
		words = gen.count("word_count", defaultWordCount)
	}

	return promptData{
		PodcastName:  conv.text("podcast_name", defaultPodcastName),
		Tagline:      conv.text("podcast_tagline", ""),
		Person1:      conv.text("roles_person1", defaultPerson1),
		Person2:      conv.text("roles_person2", defaultPerson2),
		WordCount:    words,
		Language:     conv.text("output_language", defaultLanguage),
		Styles:       conv.list("conversation_style"),
		Structure:    conv.list("dialogue_structure"),
		Techniques:   conv.list("engagement_techniques"),
		Instructions: conv.text("user_instructions", ""),
		Content:      req.Material.Text,
		HasDocuments: len(req.Material.Documents) > 0,
	}
}

func (g *Generator) renderPrompt(data promptData) (string, error) {
	var buf bytes.Buffer
	if err := g.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// GenerateTranscript asks the text model for a two-host conversation about
// req.Material.
func (g *Generator) GenerateTranscript(ctx context.Context, req generation.TranscriptRequest) (string, error) {
	if req.Material.Empty() {
		return "", ErrEmptyMaterial
	}

	prompt, err := g.renderPrompt(newPromptData(req))
	if err != nil {
		return "", err
	}

	parts := []*genai.Part{{Text: prompt}}
	for _, doc := range req.Material.Documents {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: doc.MIMEType, Data: doc.Data}})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	cfg := &genai.GenerateContentConfig{}
	if c, ok := settings(req.Conversation).number("creativity"); ok {
		temperature := float32(clamp(c, 0, 1))
		cfg.Temperature = &temperature
	}

	var transcript string
	err = g.generate(ctx, "generate_transcript", g.config.ModelName, contents, cfg,
		func(resp *genai.GenerateContentResponse) error {
			content, err := firstCandidate(resp)
			if err != nil {
				return err
			}
			var b strings.Builder
			for _, part := range content.Parts {
				if part != nil {
					b.WriteString(part.Text)
				}
			}
			transcript = cleanTranscript(b.String())
			if !strings.Contains(transcript, "<Person1>") {
				return fmt.Errorf("%w: transcript has no speaker turns", generation.ErrInvalidResponse)
			}
			return nil
		})
	if err != nil {
		return "", err
	}
	return transcript, nil
}

// cleanTranscript drops markdown fences and anything before the first turn.
func cleanTranscript(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```xml")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if i := strings.Index(s, "<Person"); i > 0 {
		s = s[i:]
	}
	return strings.TrimSpace(s)
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
