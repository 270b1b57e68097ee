package variant

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/anoixa/product-images/internal/errs"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockFetcher(t *testing.T, cfg FetcherConfig) *Fetcher {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	return NewFetcher(client, cfg)
}

func TestFetcher_Success(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{Retries: 2})
	body := pngBytes(t, 10, 10)
	httpmock.RegisterResponder("GET", "https://img.example.com/a.png",
		httpmock.NewBytesResponder(200, body))

	data, err := f.Fetch(context.Background(), "https://img.example.com/a.png")
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestFetcher_NotFoundIsPermanent(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{Retries: 3})
	httpmock.RegisterResponder("GET", "https://img.example.com/missing.jpg",
		httpmock.NewStringResponder(404, "not found"))

	_, err := f.Fetch(context.Background(), "https://img.example.com/missing.jpg")
	require.Error(t, err)

	var uf *errs.UpstreamFetchError
	require.ErrorAs(t, err, &uf)
	assert.Equal(t, 404, uf.StatusCode)
	assert.False(t, uf.Retryable)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "4xx must not be retried")
}

func TestFetcher_RetriesTransientFailures(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{Retries: 3})
	body := pngBytes(t, 10, 10)
	httpmock.RegisterResponder("GET", "https://img.example.com/flaky.png",
		httpmock.ResponderFromMultipleResponses([]*http.Response{
			httpmock.NewStringResponse(503, "busy"),
			httpmock.NewStringResponse(429, "slow down"),
			httpmock.NewBytesResponse(200, body),
		}))

	data, err := f.Fetch(context.Background(), "https://img.example.com/flaky.png")
	require.NoError(t, err)
	assert.Equal(t, body, data)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestFetcher_GivesUpAfterRetries(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{Retries: 2})
	httpmock.RegisterResponder("GET", "https://img.example.com/down.png",
		httpmock.NewStringResponder(502, "bad gateway"))

	_, err := f.Fetch(context.Background(), "https://img.example.com/down.png")
	require.Error(t, err)
	assert.True(t, errs.IsRetryableFetch(err))
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestFetcher_RejectsUnsupportedContent(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{Retries: 2})
	httpmock.RegisterResponder("GET", "https://img.example.com/page",
		httpmock.NewStringResponder(200, "<html><body>hello</body></html>"))

	_, err := f.Fetch(context.Background(), "https://img.example.com/page")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.False(t, errs.IsRetryableFetch(err))
}

func TestFetcher_RejectsOversizedBody(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{MaxBytes: 16})
	httpmock.RegisterResponder("GET", "https://img.example.com/big.png",
		httpmock.NewStringResponder(200, strings.Repeat("x", 64)))

	_, err := f.Fetch(context.Background(), "https://img.example.com/big.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, errs.IsRetryableFetch(err))
}

func TestFetcher_InvalidURL(t *testing.T) {
	f := newMockFetcher(t, FetcherConfig{})
	for _, u := range []string{"", "ftp://x/y.png", "not a url"} {
		_, err := f.Fetch(context.Background(), u)
		assert.Error(t, err, u)
		assert.False(t, errs.IsRetryableFetch(err), u)
	}
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}
