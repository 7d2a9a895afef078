// Package extract fetches product pages and runs the price extraction
// strategies over them.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/html"
)

type FetchConfig struct {
	Timeout         time.Duration `split_words:"true" default:"20s"`
	UserAgent       string        `split_words:"true" default:"Mozilla/5.0 (compatible; PriceTracker/1.0)"`
	MaxBodyBytes    int64         `split_words:"true" default:"5242880"`
	HostInterval    time.Duration `split_words:"true" default:"2s"`
	StrategyTimeout time.Duration `split_words:"true" default:"30s"`
	DefaultCurrency string        `split_words:"true" default:"USD"`
	SiteRulesPath   string        `envconfig:"SITE_RULES_PATH"`
}

var ErrInvalidURL = errors.New("invalid product url")

// Page is a fetched and parsed product page.
type Page struct {
	URL  *url.URL
	Body []byte
	Doc  *html.Node
}

// ParsePage parses raw HTML. Used by the fetcher and by tests.
func ParsePage(rawURL string, body []byte) (*Page, error) {
	u, err := ParseProductURL(rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{URL: u, Body: body, Doc: doc}, nil
}

// ParseProductURL accepts absolute http(s) URLs only.
func ParseProductURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return u, nil
}

type Fetcher struct {
	client   *http.Client
	throttle *HostThrottle
	cfg      FetchConfig
}

func NewFetcher(cfg FetchConfig, throttle *HostThrottle) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	return &Fetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		throttle: throttle,
		cfg:      cfg,
	}
}

// Fetch downloads a product page, waiting for the origin's throttle first.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := ParseProductURL(rawURL)
	if err != nil {
		return nil, err
	}

	release, err := f.throttle.Acquire(ctx, u.Host)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", u.Host, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return ParsePage(resp.Request.URL.String(), body)
}
