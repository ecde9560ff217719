package web

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// MaxFetchBytes caps how much of a page the fetcher will read.
const MaxFetchBytes = 5 << 20

// Fetcher downloads pages for the agent, reducing HTML to readable text.
type Fetcher struct {
	http   *http.Client
	logger *slog.Logger
}

// NewFetcher creates a fetcher.
func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Fetch downloads the URL, truncating at MaxFetchBytes. HTML responses are
// reduced to text; everything else is returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; comfyagent/1.0)")

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBytes+1))
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	truncated := false
	if len(body) > MaxFetchBytes {
		body = body[:MaxFetchBytes]
		truncated = true
	}

	text := string(body)
	if isHTML(resp.Header.Get("Content-Type"), body) {
		text = ExtractText(text)
	}
	if truncated {
		text += "\n[Content truncated at 5MB]"
	}
	return text, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	head := strings.ToLower(string(body[:min(len(body), 512)]))
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html")
}

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockRe  = regexp.MustCompile(`(?i)</?(p|div|br|li|tr|h[1-6]|section|article|blockquote)[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
)

// ExtractText strips an HTML document to readable text, preserving rough
// block structure as line breaks.
func ExtractText(page string) string {
	text := scriptRe.ReplaceAllString(page, "")
	text = styleRe.ReplaceAllString(text, "")
	text = blockRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
