// Package httpfeed adapts a paginated JSON HTTP feed to source.Adapter.
//
// The feed is called as
//
//	GET <url>?mode=<full|incremental>&limit=<n>[&cursor=<c>]
//
// and answers
//
//	{"records": [{"id": "...", "kind": "...", "payload": {...}}],
//	 "next_cursor": "...", "watermark": "..."}
package httpfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"contactsync/internal/domain/source"
)

const (
	// DefaultTimeout bounds one page request.
	DefaultTimeout = 30 * time.Second
	// MaxResponseSize caps a page body.
	MaxResponseSize = 32 * 1024 * 1024
)

// CursorOrder tells how cursors compare, for watermark regression checks.
type CursorOrder string

const (
	CursorOrderNone    CursorOrder = ""
	CursorOrderLexical CursorOrder = "lexical"
	CursorOrderNumeric CursorOrder = "numeric"
)

// Config describes one feed.
type Config struct {
	SourceType  source.Type
	URL         string
	Token       string
	PageSize    int
	CursorOrder CursorOrder
	Timeout     time.Duration
}

// Adapter implements source.Adapter and source.CursorOrderer.
type Adapter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

var (
	_ source.Adapter       = (*Adapter)(nil)
	_ source.CursorOrderer = (*Adapter)(nil)
)

// New creates an adapter. client may be nil.
func New(cfg Config, client *http.Client) (*Adapter, error) {
	if _, err := source.ParseType(string(cfg.SourceType)); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("feed %s: invalid url %q", cfg.SourceType, cfg.URL)
	}
	switch cfg.CursorOrder {
	case CursorOrderNone, CursorOrderLexical, CursorOrderNumeric:
	default:
		return nil, fmt.Errorf("feed %s: unknown cursor order %q", cfg.SourceType, cfg.CursorOrder)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:    20,
				IdleConnTimeout: 90 * time.Second,
			},
		}
	}
	return &Adapter{cfg: cfg, client: client, now: time.Now}, nil
}

// SourceType implements source.Adapter.
func (a *Adapter) SourceType() source.Type { return a.cfg.SourceType }

type pageBody struct {
	Records    []source.ProviderRecord `json:"records"`
	NextCursor string                  `json:"next_cursor"`
	Watermark  string                  `json:"watermark"`
}

// FetchPage implements source.Adapter.
func (a *Adapter) FetchPage(ctx context.Context, cursor string, mode source.Mode) (source.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.pageURL(cursor, mode), nil)
	if err != nil {
		return source.Page{}, source.Fatal("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return source.Page{}, ctx.Err()
		}
		// connection refused, reset, DNS hiccups and timeouts are all transient
		return source.Page{}, source.Retryable("request failed", err)
	}
	defer resp.Body.Close()

	if err := a.classify(resp); err != nil {
		return source.Page{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return source.Page{}, source.Retryable("read body", err)
	}
	if len(body) > MaxResponseSize {
		return source.Page{}, source.Fatal("page too large", fmt.Errorf("%d bytes exceeds %d", len(body), MaxResponseSize))
	}

	var page pageBody
	if err := json.Unmarshal(body, &page); err != nil {
		return source.Page{}, source.Fatal("decode page", err)
	}
	return source.Page{
		Records:    page.Records,
		NextCursor: page.NextCursor,
		Watermark:  page.Watermark,
	}, nil
}

func (a *Adapter) pageURL(cursor string, mode source.Mode) string {
	u, _ := url.Parse(a.cfg.URL)
	q := u.Query()
	q.Set("mode", string(mode))
	q.Set("limit", strconv.Itoa(a.cfg.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// classify maps HTTP status codes to adapter error classes.
func (a *Adapter) classify(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("status %d: %s", code, strings.TrimSpace(string(snippet)))

	switch {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return &source.RetryableError{
			Reason:     "throttled",
			RetryAfter: a.retryAfter(resp.Header.Get("Retry-After")),
			Err:        cause,
		}
	case code == http.StatusRequestTimeout || code >= 500:
		return source.Retryable("server error", cause)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return source.Fatal("unauthorized", cause)
	default:
		return source.Fatal("rejected", cause)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func (a *Adapter) retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(a.now()); d > 0 {
			return d
		}
	}
	return 0
}

// ErrIncomparable is returned by ParseNumericCursor for non-numeric cursors.
var ErrIncomparable = errors.New("cursor is not numeric")

// ParseNumericCursor parses a numeric cursor.
func ParseNumericCursor(c string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(c), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrIncomparable, c)
	}
	return n, nil
}

// CompareCursors implements source.CursorOrderer. Feeds without a declared
// order, and numeric feeds with a malformed cursor, compare equal so the
// watermark is never held back.
func (a *Adapter) CompareCursors(x, y string) int {
	switch a.cfg.CursorOrder {
	case CursorOrderLexical:
		return strings.Compare(x, y)
	case CursorOrderNumeric:
		nx, errX := ParseNumericCursor(x)
		ny, errY := ParseNumericCursor(y)
		if errX != nil || errY != nil {
			return 0
		}
		switch {
		case nx < ny:
			return -1
		case nx > ny:
			return 1
		}
	}
	return 0
}
