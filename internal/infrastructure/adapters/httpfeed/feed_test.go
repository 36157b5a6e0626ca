package httpfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contactsync/internal/domain/source"
)

func newFeed(t *testing.T, h http.HandlerFunc, order CursorOrder) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := New(Config{
		SourceType:  source.TypeTelephony,
		URL:         srv.URL + "/calls",
		Token:       "secret",
		PageSize:    2,
		CursorOrder: order,
	}, srv.Client())
	require.NoError(t, err)
	return a
}

func TestFetchPage(t *testing.T) {
	a := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "incremental", r.URL.Query().Get("mode"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "41", r.URL.Query().Get("cursor"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[{"id":"call-1","kind":"call","payload":{"from":"+15551234567"}}],"next_cursor":"42","watermark":"42"}`))
	}, CursorOrderNumeric)

	page, err := a.FetchPage(context.Background(), "41", source.ModeIncremental)
	require.NoError(t, err)

	require.Len(t, page.Records, 1)
	assert.Equal(t, "call-1", page.Records[0].ID)
	assert.JSONEq(t, `{"from":"+15551234567"}`, string(page.Records[0].Payload))
	assert.Equal(t, "42", page.NextCursor)
	assert.Equal(t, "42", page.Watermark)
}

func TestFetchPage_FirstPageHasNoCursor(t *testing.T) {
	a := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		_, has := r.URL.Query()["cursor"]
		assert.False(t, has)
		_, _ = w.Write([]byte(`{"records":[]}`))
	}, CursorOrderNone)

	page, err := a.FetchPage(context.Background(), "", source.ModeFull)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.NextCursor)
}

func TestFetchPage_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		retryable  bool
		hint       time.Duration
	}{
		{"rate limited with hint", http.StatusTooManyRequests, "7", true, 7 * time.Second},
		{"unavailable", http.StatusServiceUnavailable, "", true, 0},
		{"server error", http.StatusBadGateway, "", true, 0},
		{"request timeout", http.StatusRequestTimeout, "", true, 0},
		{"unauthorized", http.StatusUnauthorized, "", false, 0},
		{"forbidden", http.StatusForbidden, "", false, 0},
		{"bad request", http.StatusBadRequest, "", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}, CursorOrderNone)

			_, err := a.FetchPage(context.Background(), "", source.ModeFull)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, source.IsRetryable(err))
			assert.Equal(t, tt.hint, source.RetryAfterHint(err))
		})
	}
}

func TestFetchPage_MalformedBodyIsFatal(t *testing.T) {
	a := newFeed(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"records": [`))
	}, CursorOrderNone)

	_, err := a.FetchPage(context.Background(), "", source.ModeFull)
	require.Error(t, err)
	assert.False(t, source.IsRetryable(err))
}

func TestFetchPage_ConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	a, err := New(Config{SourceType: source.TypeCRM, URL: addr}, nil)
	require.NoError(t, err)

	_, err = a.FetchPage(context.Background(), "", source.ModeFull)
	require.Error(t, err)
	assert.True(t, source.IsRetryable(err))
}

func TestRetryAfter_HTTPDate(t *testing.T) {
	a := &Adapter{now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}

	assert.Equal(t, 30*time.Second, a.retryAfter("Mon, 01 Jan 2024 00:00:30 GMT"))
	assert.Zero(t, a.retryAfter("garbage"))
	assert.Zero(t, a.retryAfter("Sun, 31 Dec 2023 23:00:00 GMT"))
}

func TestCompareCursors(t *testing.T) {
	num := &Adapter{cfg: Config{CursorOrder: CursorOrderNumeric}}
	assert.Equal(t, -1, num.CompareCursors("9", "10"))
	assert.Equal(t, 1, num.CompareCursors("10", "9"))
	assert.Equal(t, 0, num.CompareCursors("x", "9"))

	lex := &Adapter{cfg: Config{CursorOrder: CursorOrderLexical}}
	assert.Equal(t, 1, lex.CompareCursors("9", "10"))

	none := &Adapter{}
	assert.Equal(t, 0, none.CompareCursors("1", "2"))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{SourceType: "fax", URL: "http://x"}, nil)
	assert.Error(t, err)

	_, err = New(Config{SourceType: source.TypeCRM, URL: "not a url"}, nil)
	assert.Error(t, err)

	_, err = New(Config{SourceType: source.TypeCRM, URL: "http://x", CursorOrder: "random"}, nil)
	assert.Error(t, err)
}
