package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
	maxBodySize       = 10 << 20
	userAgent         = "sitescan-notifier/1.0"
)

// Report is the payload produced for a scraped page.
type Report struct {
	URL              string         `json:"url"`
	StatusCode       int            `json:"statusCode"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Headings         map[string]int `json:"headings"`
	Links            int            `json:"links"`
	ExternalLinks    int            `json:"externalLinks"`
	Images           int            `json:"images"`
	ImagesWithoutAlt int            `json:"imagesWithoutAlt"`
	Words            int            `json:"words"`
}

type HTTPExecutor struct {
	client     *http.Client
	maxRetries uint64
	backoff    time.Duration
}

type HTTPExecutorOption func(h *HTTPExecutor)

func WithTimeout(timeout time.Duration) HTTPExecutorOption {
	return func(h *HTTPExecutor) {
		if timeout > 0 {
			h.client.Timeout = timeout
		}
	}
}

func WithRetries(maxRetries uint64, backoff time.Duration) HTTPExecutorOption {
	return func(h *HTTPExecutor) {
		h.maxRetries = maxRetries
		h.backoff = backoff
	}
}

func WithHTTPClient(client *http.Client) HTTPExecutorOption {
	return func(h *HTTPExecutor) {
		h.client = client
	}
}

func NewHTTPExecutor(opts ...HTTPExecutorOption) *HTTPExecutor {
	h := &HTTPExecutor{
		client:     &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTPExecutor) Execute(ctx context.Context, target string) (Result, error) {
	pageURL, err := normalizeTarget(target)
	if err != nil {
		return Result{Success: false, Reason: err.Error()}, nil
	}

	var (
		body   []byte
		status int
	)
	backoff := retry.WithMaxRetries(h.maxRetries, retry.NewExponential(h.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, status, err = h.fetch(ctx, pageURL.String())
		if err != nil {
			zap.S().Named("http_executor").Debugw("fetch failed", "target", target, "error", err)
			return retry.RetryableError(err)
		}
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return retry.RetryableError(fmt.Errorf("server responded with %d", status))
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}

	if status >= http.StatusBadRequest {
		return Result{Success: false, Reason: fmt.Sprintf("%s responded with %d", pageURL, status)}, nil
	}

	report, err := analyze(pageURL, body)
	if err != nil {
		return Result{Success: false, Reason: err.Error()}, nil
	}
	report.StatusCode = status

	data, err := json.Marshal(report)
	if err != nil {
		return Result{}, err
	}

	return Result{Success: true, Data: data}, nil
}

func (h *HTTPExecutor) fetch(ctx context.Context, pageURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

func normalizeTarget(target string) (*url.URL, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty target")
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid target %q: missing host", target)
	}
	return u, nil
}

func analyze(pageURL *url.URL, body []byte) (Report, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return Report{}, fmt.Errorf("failed to parse html: %w", err)
	}

	report := Report{
		URL:      pageURL.String(),
		Headings: map[string]int{},
	}

	var walk func(n *html.Node, inHead bool)
	walk = func(n *html.Node, inHead bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "head":
				inHead = true
			case "title":
				if report.Title == "" && n.FirstChild != nil {
					report.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				if strings.EqualFold(attr(n, "name"), "description") {
					report.Description = strings.TrimSpace(attr(n, "content"))
				}
			case "h1", "h2", "h3", "h4", "h5", "h6":
				report.Headings[n.Data]++
			case "a":
				if href := attr(n, "href"); href != "" {
					report.Links++
					if isExternal(pageURL, href) {
						report.ExternalLinks++
					}
				}
			case "img":
				report.Images++
				if strings.TrimSpace(attr(n, "alt")) == "" {
					report.ImagesWithoutAlt++
				}
			case "script", "style", "noscript":
				return
			}
		case html.TextNode:
			if !inHead {
				report.Words += len(strings.Fields(n.Data))
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHead)
		}
	}
	walk(doc, false)

	return report, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isExternal(base *url.URL, href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return false
	}
	return resolved.Host != base.Host
}
