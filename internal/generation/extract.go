package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/phrazzld/castqueue/internal/fingerprint"
	"github.com/phrazzld/castqueue/internal/platform/logger"
)

// DefaultMaxSourceBytes bounds a single fetched or read source.
const DefaultMaxSourceBytes = 20 << 20

// Extractor collects the readable content of a job's sources. Web pages are
// fetched and reduced to their visible text, PDFs are passed through as
// documents and other local files are read as text.
type Extractor struct {
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// ExtractorOption customizes an Extractor.
type ExtractorOption func(*Extractor)

// WithHTTPClient sets the client used to fetch web sources.
func WithHTTPClient(c *http.Client) ExtractorOption {
	return func(e *Extractor) { e.client = c }
}

// WithMaxSourceBytes caps the size of a single source.
func WithMaxSourceBytes(n int64) ExtractorOption {
	return func(e *Extractor) { e.maxBytes = n }
}

// NewExtractor creates an Extractor.
func NewExtractor(log *slog.Logger, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		client:   &http.Client{Timeout: 60 * time.Second},
		maxBytes: DefaultMaxSourceBytes,
		logger:   log.With("component", "extractor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract gathers sources in order and appends text after them. It fails if
// any source cannot be read or if nothing usable remains.
func (e *Extractor) Extract(ctx context.Context, sources []string, text string) (Material, error) {
	log := logger.FromContextOrDefault(ctx, e.logger)

	var (
		m     Material
		parts []string
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return Material{}, err
		}

		if fingerprint.IsNetworkSource(src) {
			body, err := e.fetch(ctx, src)
			if err != nil {
				return Material{}, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, src, err)
			}
			log.Debug("fetched source", "url", src, "chars", len(body))
			parts = append(parts, body)
			continue
		}

		doc, body, err := e.readFile(src)
		if err != nil {
			return Material{}, fmt.Errorf("%w: %s: %w", ErrExtractionFailed, filepath.Base(src), err)
		}
		if doc != nil {
			m.Documents = append(m.Documents, *doc)
			continue
		}
		parts = append(parts, body)
	}

	if t := strings.TrimSpace(text); t != "" {
		parts = append(parts, t)
	}

	var nonEmpty []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	m.Text = strings.Join(nonEmpty, "\n\n")

	if m.Empty() {
		return Material{}, ErrNoContent
	}
	return m, nil
}

func (e *Extractor) fetch(ctx context.Context, url string) (string, error) {
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "castqueue/1.0")
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := e.readLimited(resp.Body)
	if err != nil {
		return "", err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" ||
		(mediaType == "" && looksLikeHTML(data)) {
		return HTMLToText(bytes.NewReader(data))
	}
	return string(data), nil
}

// readFile returns either a document for the model to read or the file's text.
func (e *Extractor) readFile(path string) (*Document, string, error) {
	f, err := os.Open(path)
	if err != nil {
		// the caller reports the base name only
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			err = pathErr.Err
		}
		return nil, "", err
	}
	defer f.Close()

	data, err := e.readLimited(f)
	if err != nil {
		return nil, "", err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return &Document{Name: filepath.Base(path), MIMEType: "application/pdf", Data: data}, "", nil
	case ".html", ".htm":
		text, err := HTMLToText(bytes.NewReader(data))
		return nil, text, err
	default:
		return nil, string(data), nil
	}
}

func (e *Extractor) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, e.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > e.maxBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", e.maxBytes)
	}
	return data, nil
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// skipped elements never contribute visible text
var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
	"template": true, "svg": true, "iframe": true, "nav": true, "footer": true,
}

var blocks = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "blockquote": true, "pre": true, "header": true, "main": true,
	"ul": true, "ol": true, "table": true,
}

// HTMLToText returns the visible text of an HTML document, one block per line.
func HTMLToText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var (
		b    strings.Builder
		walk func(n *html.Node)
	)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
					b.WriteByte(' ')
				}
				b.WriteString(t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.Data] && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
	}
	walk(doc)

	return strings.TrimSpace(b.String()), nil
}
