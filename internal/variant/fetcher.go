package variant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anoixa/product-images/internal/errs"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrTooLarge 源图超过大小上限
var ErrTooLarge = errors.New("image exceeds max download size")

// ErrUnsupportedType 源图不是允许的栅格格式
var ErrUnsupportedType = errors.New("unsupported content type")

var allowedContentTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
}

// IsAllowedContentType 判断嗅探出的类型是否允许
func IsAllowedContentType(ct string) bool {
	return allowedContentTypes[ct]
}

// DetectContentType 按内容嗅探图片类型
func DetectContentType(data []byte) string {
	return http.DetectContentType(data)
}

// FetcherConfig 外部拉取参数
type FetcherConfig struct {
	Timeout   time.Duration
	MaxBytes  int64
	Retries   int
	Backoff   time.Duration
	RPS       float64
	UserAgent string
}

// Fetcher 带超时、限流和有限重试的 HTTP 拉取器
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     FetcherConfig
}

// NewFetcher 创建拉取器；client 为 nil 时按 Timeout 新建
func NewFetcher(client *http.Client, cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 * 1024 * 1024
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "product-images/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
	}
}

// Fetch 下载图片字节，瞬时错误按指数退避重试
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &errs.UpstreamFetchError{URL: rawURL, Err: fmt.Errorf("invalid image url")}
	}

	for attempt := 0; ; attempt++ {
		data, err := f.fetchOnce(ctx, u.String())
		if err == nil {
			return data, nil
		}
		if !errs.IsRetryableFetch(err) || attempt >= f.cfg.Retries {
			return nil, err
		}

		delay := f.cfg.Backoff * time.Duration(1<<attempt)
		log.Debug().Str("url", rawURL).Int("attempt", attempt+1).Dur("delay", delay).Err(err).Msg("Retrying image fetch")
		select {
		case <-ctx.Done():
			return nil, &errs.UpstreamFetchError{URL: rawURL, Retryable: true, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &errs.UpstreamFetchError{URL: rawURL, Retryable: true, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &errs.UpstreamFetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &errs.UpstreamFetchError{URL: rawURL, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &errs.UpstreamFetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Retryable:  retryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	data, err := readWithLimit(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		retryable := !errors.Is(err, ErrTooLarge)
		return nil, &errs.UpstreamFetchError{URL: rawURL, StatusCode: resp.StatusCode, Retryable: retryable, Err: err}
	}

	if ct := DetectContentType(data); !IsAllowedContentType(ct) {
		return nil, &errs.UpstreamFetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: %s (declared %q)", ErrUnsupportedType, ct, resp.Header.Get("Content-Type")),
		}
	}
	return data, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// readWithLimit 读取流并检查大小限制
func readWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
