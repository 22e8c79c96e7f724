// Package fingerprint derives the deduplication key of a job from the
// parameters that affect its output.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/castqueue/internal/domain"
)

// networkMarkers identify sources that are kept verbatim.
var networkMarkers = []string{"http://", "https://", "ftp://", "sftp://", "www."}

// perJobTTSKeys are text_to_speech settings derived from the job id.
var perJobTTSKeys = []string{"output_directories", "temp_audio_dir"}

// canonical is the hashed view of a job. encoding/json writes map keys in
// sorted order, which keeps the serialization stable.
type canonical struct {
	Sources        []string       `json:"sources"`
	Text           string         `json:"text"`
	Transcript     string         `json:"transcript"`
	TTSModel       string         `json:"tts_model"`
	TranscriptOnly bool           `json:"transcript_only"`
	Generation     map[string]any `json:"generation"`
	Conversation   map[string]any `json:"conversation"`
}

// IsNetworkSource reports whether src names a remote location.
func IsNetworkSource(src string) bool {
	lower := strings.ToLower(src)
	for _, m := range networkMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// NormalizeSource keeps network locations and reduces local paths to their base name.
func NormalizeSource(src string) string {
	if IsNetworkSource(src) {
		return src
	}
	return filepath.Base(src)
}

// Compute returns the hex SHA-256 fingerprint of params. If params cannot be
// canonicalized the result is derived from a fresh random id, so the job is
// never mistaken for a duplicate.
func Compute(params domain.Parameters) string {
	fp, err := compute(params)
	if err != nil {
		return Random()
	}
	return fp
}

// Random returns a fingerprint that matches nothing else.
func Random() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

func compute(params domain.Parameters) (string, error) {
	sources := make([]string, 0, len(params.Sources))
	for _, s := range params.Sources {
		sources = append(sources, NormalizeSource(s))
	}
	sort.Strings(sources)

	conversation, err := stripPerJob(params.Conversation)
	if err != nil {
		return "", err
	}

	transcript := ""
	if params.TranscriptPath != "" {
		transcript = filepath.Base(params.TranscriptPath)
	}

	c := canonical{
		Sources:        sources,
		Text:           params.Text,
		Transcript:     transcript,
		TTSModel:       params.TTSModel,
		TranscriptOnly: params.TranscriptOnly,
		Generation:     orEmpty(params.Generation),
		Conversation:   conversation,
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// stripPerJob returns a deep copy of conv without the job-specific TTS paths.
func stripPerJob(conv map[string]any) (map[string]any, error) {
	if len(conv) == 0 {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("copy conversation settings: %w", err)
	}
	var clone map[string]any
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("copy conversation settings: %w", err)
	}

	if tts, ok := clone["text_to_speech"].(map[string]any); ok {
		for _, k := range perJobTTSKeys {
			delete(tts, k)
		}
	}
	return clone, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
