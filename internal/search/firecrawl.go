// Package search finds and scrapes web pages for the research pipeline.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ayush/open-deep-research/internal/markdown"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/observability"
)

// ErrMissingAPIKey indicates the search client has no API key configured.
var ErrMissingAPIKey = errors.New("firecrawl: API key is missing")

const (
	// DefaultLimit is the number of web results requested per query.
	DefaultLimit = 5
	// MaxContentChars caps the scraped markdown kept per result.
	MaxContentChars = 80_000

	scrapeTimeoutMS = 15_000
	scrapeMaxAgeMS  = 48 * 60 * 60 * 1000
	maxBackoff      = 30 * time.Second
	defaultTimeout  = 60 * time.Second
	searchPath      = "/v2/search"
)

const providerFirecrawl = "firecrawl"

// Firecrawl calls the Firecrawl search API with markdown scraping enabled.
type Firecrawl struct {
	apiKey     string
	baseURL    string
	limit      int
	httpClient *http.Client
	logger     *zerolog.Logger
}

// NewFirecrawl constructs a Firecrawl client. timeout <= 0 uses 60s.
func NewFirecrawl(apiKey, baseURL string, timeout time.Duration, logger *zerolog.Logger) *Firecrawl {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Firecrawl{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limit:      DefaultLimit,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type scrapeOptions struct {
	Formats []string `json:"formats"`
	Timeout int      `json:"timeout"`
	MaxAge  int      `json:"maxAge"`
}

type searchRequest struct {
	Query         string        `json:"query"`
	Limit         int           `json:"limit"`
	Sources       []string      `json:"sources"`
	ScrapeOptions scrapeOptions `json:"scrapeOptions"`
}

type webResult struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Markdown    string `json:"markdown"`
}

type searchResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Web []webResult `json:"web"`
	} `json:"data"`
	Error string `json:"error"`
}

// Search runs query and returns the results that carry scraped content.
func (f *Firecrawl) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	if strings.TrimSpace(f.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	payload, err := json.Marshal(searchRequest{
		Query:   query,
		Limit:   f.limit,
		Sources: []string{"web"},
		ScrapeOptions: scrapeOptions{
			Formats: []string{"markdown"},
			Timeout: scrapeTimeoutMS,
			MaxAge:  scrapeMaxAgeMS,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("firecrawl: encode request: %w", err)
	}

	start := time.Now()

	resp, err := f.post(ctx, payload)
	if err != nil {
		observability.SearchRequests.WithLabelValues(providerFirecrawl, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus("firecrawl "+searchPath, resp); err != nil {
		observability.SearchRequests.WithLabelValues(providerFirecrawl, "error").Inc()
		return nil, err
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("firecrawl %s: decode: %w", searchPath, err)
	}

	observability.SearchRequests.WithLabelValues(providerFirecrawl, "ok").Inc()

	results := toResults(decoded.Data.Web)

	f.logger.Debug().
		Str("query", query).
		Int("raw", len(decoded.Data.Web)).
		Int("kept", len(results)).
		Dur("took", time.Since(start)).
		Msg("web search finished")

	return results, nil
}

// post sends the search request, backing off and retrying on 429 with a
// doubling delay capped at 30s until ctx ends.
func (f *Firecrawl) post(ctx context.Context, payload []byte) (*http.Response, error) {
	delay := time.Second

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+searchPath, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("firecrawl: create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+f.apiKey)

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("firecrawl %s: %w", searchPath, err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		resp.Body.Close()
		f.logger.Warn().Dur("delay", delay).Msg("firecrawl rate limited, backing off")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		if delay < maxBackoff {
			delay = min(delay*2, maxBackoff)
		}
	}
}

func toResults(web []webResult) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(web))

	for _, r := range web {
		if r.Markdown == "" {
			continue
		}

		content := truncateRunes(markdown.StripURLs(r.Markdown), MaxContentChars)
		if content == "" {
			continue
		}

		results = append(results, models.SearchResult{
			Title:   resultTitle(r),
			Link:    r.URL,
			Content: content,
		})
	}

	return results
}

// resultTitle falls back to the page slug and then the domain when the
// search hit has no title.
func resultTitle(r webResult) string {
	if title := strings.TrimSpace(r.Title); title != "" {
		return title
	}

	if slug := markdown.ParseSlugFromURL(r.URL); slug != "" {
		return slug
	}

	return markdown.DomainFromURL(r.URL)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	return string([]rune(s)[:max])
}
