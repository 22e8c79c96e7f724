package elevenlabs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/generation"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordedCall struct {
	Voice  string
	Format string
	Key    string
	Body   speechBody
}

// fakeAPI answers every call with the voice id as audio unless status says
// otherwise.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []recordedCall
	status []int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body speechBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		f.mu.Lock()
		f.calls = append(f.calls, recordedCall{
			Voice:  strings.TrimPrefix(r.URL.Path, "/v1/text-to-speech/"),
			Format: r.URL.Query().Get("output_format"),
			Key:    r.Header.Get(apiKeyHeader),
			Body:   body,
		})
		status := http.StatusOK
		if len(f.status) > 0 {
			status, f.status = f.status[0], f.status[1:]
		}
		f.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"detail":{"status":"error","message":"voice quota exhausted"}}`))
			return
		}
		_, _ = w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/v1/text-to-speech/")))
	})
}

func newTestSynthesizer(t *testing.T, api *fakeAPI) *Synthesizer {
	t.Helper()
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	s, err := NewSynthesizer(config.ElevenLabsConfig{
		APIKey:         "xi-test",
		BaseURL:        server.URL,
		Model:          "eleven_multilingual_v2",
		QuestionVoice:  "qv",
		AnswerVoice:    "av",
		TimeoutSeconds: 5,
	}, server.Client(), setupTestLogger())
	require.NoError(t, err)
	s.baseDelay = time.Millisecond
	return s
}

func TestNewSynthesizer_Validation(t *testing.T) {
	valid := config.ElevenLabsConfig{
		APIKey: "k", BaseURL: "https://api.elevenlabs.io", Model: "m",
		QuestionVoice: "q", AnswerVoice: "a", TimeoutSeconds: 1,
	}

	_, err := NewSynthesizer(valid, nil, nil)
	assert.Error(t, err)

	noKey := valid
	noKey.APIKey = ""
	_, err = NewSynthesizer(noKey, nil, setupTestLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	badURL := valid
	badURL.BaseURL = "::"
	_, err = NewSynthesizer(badURL, nil, setupTestLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	noVoice := valid
	noVoice.AnswerVoice = ""
	_, err = NewSynthesizer(noVoice, nil, setupTestLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	s, err := NewSynthesizer(valid, nil, setupTestLogger())
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.client.Timeout)
}

func TestSynthesize_VoicePerSpeaker(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSynthesizer(t, api)

	audio, err := s.Synthesize(context.Background(), generation.SpeechRequest{
		Transcript: "<Person1>Welcome  to the show.</Person1>\n<Person2>Glad to be here.</Person2><Person1>Let's start.</Person1>",
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("qvavqv"), audio.PCM)
	assert.Equal(t, 24000, audio.SampleRate)
	assert.Equal(t, 1, audio.Channels)
	assert.Equal(t, 16, audio.BitsPerSample)

	require.Len(t, api.calls, 3)
	assert.Equal(t, "qv", api.calls[0].Voice)
	assert.Equal(t, "av", api.calls[1].Voice)
	assert.Equal(t, "Welcome to the show.", api.calls[0].Body.Text)
	assert.Equal(t, "eleven_multilingual_v2", api.calls[0].Body.ModelID)
	assert.Equal(t, "pcm_24000", api.calls[0].Format)
	assert.Equal(t, "xi-test", api.calls[0].Key)
}

func TestSynthesize_ConversationOverrides(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSynthesizer(t, api)

	_, err := s.Synthesize(context.Background(), generation.SpeechRequest{
		Transcript: "<Person1>Hi</Person1><Person2>Hey</Person2>",
		Conversation: map[string]any{
			"text_to_speech": map[string]any{
				"elevenlabs": map[string]any{
					"model":          "eleven_turbo_v2",
					"default_voices": map[string]any{"question": "host-a", "answer": "host-b"},
				},
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, api.calls, 2)
	assert.Equal(t, "host-a", api.calls[0].Voice)
	assert.Equal(t, "host-b", api.calls[1].Voice)
	assert.Equal(t, "eleven_turbo_v2", api.calls[1].Body.ModelID)
}

func TestSynthesize_UntaggedTranscript(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSynthesizer(t, api)

	audio, err := s.Synthesize(context.Background(), generation.SpeechRequest{Transcript: "  just   read this "})
	require.NoError(t, err)
	assert.Equal(t, []byte("qv"), audio.PCM)
	require.Len(t, api.calls, 1)
	assert.Equal(t, "just read this", api.calls[0].Body.Text)

	_, err = s.Synthesize(context.Background(), generation.SpeechRequest{Transcript: "   "})
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestSynthesize_RetriesTransientStatus(t *testing.T) {
	api := &fakeAPI{status: []int{http.StatusTooManyRequests, http.StatusBadGateway}}
	s := newTestSynthesizer(t, api)

	audio, err := s.Synthesize(context.Background(), generation.SpeechRequest{Transcript: "<Person2>ok</Person2>"})
	require.NoError(t, err)
	assert.Equal(t, []byte("av"), audio.PCM)
	assert.Len(t, api.calls, 3)
}

func TestSynthesize_GivesUpAfterRetries(t *testing.T) {
	api := &fakeAPI{status: []int{503, 503, 503, 503, 503}}
	s := newTestSynthesizer(t, api)

	_, err := s.Synthesize(context.Background(), generation.SpeechRequest{Transcript: "<Person1>ok</Person1>"})
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrTransientFailure)
	assert.Len(t, api.calls, int(defaultMaxRetries)+1)
}

func TestSynthesize_ClientErrorIsPermanent(t *testing.T) {
	api := &fakeAPI{status: []int{http.StatusUnauthorized}}
	s := newTestSynthesizer(t, api)

	_, err := s.Synthesize(context.Background(), generation.SpeechRequest{Transcript: "<Person1>ok</Person1>"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "voice quota exhausted", apiErr.Message)
	assert.NotErrorIs(t, err, generation.ErrTransientFailure)
	assert.Len(t, api.calls, 1)
}

func TestSynthesize_Cancelled(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSynthesizer(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Synthesize(ctx, generation.SpeechRequest{Transcript: "<Person1>ok</Person1>"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, api.calls)
}

func TestSynthesize_OddByteCountTrimmed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{1, 2, 3})
	}))
	t.Cleanup(server.Close)

	s, err := NewSynthesizer(config.ElevenLabsConfig{
		APIKey: "k", BaseURL: server.URL, Model: "m", QuestionVoice: "q", AnswerVoice: "a", TimeoutSeconds: 1,
	}, server.Client(), setupTestLogger())
	require.NoError(t, err)

	audio, err := s.Synthesize(context.Background(), generation.SpeechRequest{Transcript: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, audio.PCM)
}
