package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ayush/open-deep-research/internal/observability"
)

var (
	ErrUnsupportedURL = errors.New("only http and https pages can be fetched")
	ErrNotHTML        = errors.New("page is not html or text")
	errRedirectLoop   = errors.New("stopped after too many redirects")
)

const (
	defaultFetchTimeout = 30 * time.Second
	fetchBurst          = 5
	hostRate            = 1
	hostBurst           = 2
	maxRedirects        = 5
	maxPageBytes        = 5 << 20
	providerPage        = "page"
	fetchUserAgent      = "OpenDeepResearch/1.0 (+https://www.opendeepresearch.dev)"
)

// Fetcher downloads pages for the speed comparison and turns them into
// plain text. Requests share one rate limit and each host gets its own.
type Fetcher struct {
	client *http.Client
	all    *rate.Limiter
	hosts  *hostLimiters
}

func NewFetcher(rps float64, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errRedirectLoop
				}

				return nil
			},
		},
		all:   rate.NewLimiter(rate.Limit(rps), fetchBurst),
		hosts: &hostLimiters{byHost: map[string]*rate.Limiter{}},
	}
}

// FetchText downloads rawURL and returns its readable text.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedURL, rawURL)
	}

	body, contentType, err := f.fetch(ctx, u)
	if err != nil {
		observability.SearchRequests.WithLabelValues(providerPage, "error").Inc()
		return "", err
	}

	observability.SearchRequests.WithLabelValues(providerPage, "ok").Inc()

	if contentType == "text/plain" {
		return normalizeText(string(body)), nil
	}

	return ExtractText(body, u.String()), nil
}

func (f *Fetcher) fetch(ctx context.Context, u *url.URL) ([]byte, string, error) {
	if err := f.all.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}

	if err := f.hosts.wait(ctx, u.Host); err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}

	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if err := checkStatus("fetch "+u.Host, resp); err != nil {
		return nil, "", err
	}

	contentType := pageType(resp.Header.Get("Content-Type"))
	if contentType == "" {
		return nil, "", fmt.Errorf("%w: %s", ErrNotHTML, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", u.Host, err)
	}

	return body, contentType, nil
}

// pageType normalizes a Content-Type header to text/html or text/plain, or
// returns "" for anything else. A missing header is treated as html.
func pageType(header string) string {
	if header == "" {
		return "text/html"
	}

	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return "text/html"
	case "text/plain":
		return "text/plain"
	default:
		return ""
	}
}

type hostLimiters struct {
	mu     sync.Mutex
	byHost map[string]*rate.Limiter
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	host = strings.ToLower(host)

	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.byHost[host]
	if !ok {
		l = rate.NewLimiter(hostRate, hostBurst)
		h.byHost[host] = l
	}

	return l
}

func (h *hostLimiters) wait(ctx context.Context, host string) error {
	return h.get(host).Wait(ctx)
}
