// Package web gives the agent outward reach: web search and page fetching
// with hard size limits.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	tavilyEndpoint = "https://api.tavily.com/search"
	ddgEndpoint    = "https://html.duckduckgo.com/html/"

	maxSearchResults = 8
)

// SearchResult is one hit from a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher queries Tavily when an API key is configured and falls back to
// DuckDuckGo's HTML endpoint otherwise, or when Tavily fails.
type Searcher struct {
	tavilyKey string
	http      *http.Client
	logger    *slog.Logger

	// Overridable endpoints for tests.
	tavilyURL string
	ddgURL    string
}

// NewSearcher creates a searcher; tavilyKey may be empty.
func NewSearcher(tavilyKey string, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		tavilyKey: tavilyKey,
		http:      &http.Client{Timeout: 20 * time.Second},
		logger:    logger,
	}
}

// Search runs the query and returns up to maxSearchResults hits.
func (s *Searcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if s.tavilyKey != "" {
		results, err := s.searchTavily(ctx, query)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("tavily search failed, falling back", "error", err)
	}
	return s.searchDuckDuckGo(ctx, query)
}

func (s *Searcher) searchTavily(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"api_key":     s.tavilyKey,
		"query":       query,
		"max_results": maxSearchResults,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpointTavily(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tavily: status %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("tavily: decode: %w", err)
	}

	results := make([]SearchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

var (
	ddgResultRe  = regexp.MustCompile(`(?s)<a[^>]*class="result__a"[^>]*href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`(?s)<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

func (s *Searcher) searchDuckDuckGo(ctx context.Context, query string) ([]SearchResult, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpointDDG(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; comfyagent/1.0)")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo: status %d", resp.StatusCode)
	}

	page, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}

	links := ddgResultRe.FindAllStringSubmatch(string(page), maxSearchResults)
	snippets := ddgSnippetRe.FindAllStringSubmatch(string(page), maxSearchResults)

	var results []SearchResult
	for i, link := range links {
		result := SearchResult{
			URL:   decodeDDGLink(link[1]),
			Title: cleanFragment(link[2]),
		}
		if i < len(snippets) {
			result.Snippet = cleanFragment(snippets[i][1])
		}
		results = append(results, result)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("duckduckgo: no results parsed")
	}
	return results, nil
}

// decodeDDGLink unwraps DuckDuckGo's /l/?uddg= redirect links.
func decodeDDGLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}

func cleanFragment(fragment string) string {
	text := tagRe.ReplaceAllString(fragment, "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// FormatResults renders search hits as numbered text for a tool result.
func FormatResults(query string, results []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return b.String()
}

// Endpoint hooks for tests.
func (s *Searcher) endpointTavily() string {
	if s.tavilyURL != "" {
		return s.tavilyURL
	}
	return tavilyEndpoint
}

func (s *Searcher) endpointDDG() string {
	if s.ddgURL != "" {
		return s.ddgURL
	}
	return ddgEndpoint
}
