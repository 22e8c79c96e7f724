package generation

import (
	"context"

	"github.com/google/uuid"
)

// Document is a source the model reads directly, such as a PDF, instead of
// extracted text.
type Document struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Material is everything extracted from a job's sources.
type Material struct {
	Text      string
	Documents []Document
}

// Empty reports whether there is nothing to generate from.
func (m Material) Empty() bool {
	return m.Text == "" && len(m.Documents) == 0
}

// TranscriptRequest carries the material and the caller's generation and
// conversation settings.
type TranscriptRequest struct {
	JobID        uuid.UUID
	Material     Material
	Generation   map[string]any
	Conversation map[string]any
}

// TranscriptGenerator turns source material into a two-host conversation.
// The transcript marks speaker turns with <Person1>...</Person1> and
// <Person2>...</Person2>.
type TranscriptGenerator interface {
	GenerateTranscript(ctx context.Context, req TranscriptRequest) (string, error)
}

// SpeechRequest asks for the transcript to be read out.
type SpeechRequest struct {
	JobID        uuid.UUID
	Transcript   string
	Model        string
	Conversation map[string]any
}

// Audio is raw little-endian PCM.
type Audio struct {
	PCM           []byte
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// SpeechSynthesizer renders a transcript as audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (*Audio, error)
}
