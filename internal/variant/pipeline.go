package variant

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/metrics"
	"github.com/anoixa/product-images/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options 流水线参数
type Options struct {
	Profiles          []Profile
	Quality           int
	UploadConcurrency int
	// MemoryGuard 解码前调用，返回错误时放弃本次处理
	MemoryGuard func() error
}

// Result 流水线输出
type Result struct {
	URLs     models.SourceURLs
	PublicID string
	// Passthrough 源地址已是本系统 CDN 地址，没有生成新文件
	Passthrough bool
}

// Pipeline 变体流水线
// 只负责转换和上传，不回写 ImageRecord
type Pipeline struct {
	cdn       *storage.CDN
	fetcher   *Fetcher
	processor Processor
	opts      Options
	metrics   *metrics.EngineMetrics
}

// NewPipeline 创建流水线
func NewPipeline(cdn *storage.CDN, fetcher *Fetcher, processor Processor, opts Options, m *metrics.EngineMetrics) *Pipeline {
	if len(opts.Profiles) == 0 {
		opts.Profiles = DefaultProfiles
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 3
	}
	if processor == nil {
		processor = NewImagingProcessor()
	}
	return &Pipeline{cdn: cdn, fetcher: fetcher, processor: processor, opts: opts, metrics: m}
}

// CDN 返回流水线写入的 CDN
func (p *Pipeline) CDN() *storage.CDN {
	return p.cdn
}

// IsCDNURL 判断地址是否已由本系统 CDN 提供
func (p *Pipeline) IsCDNURL(raw string) bool {
	return p.cdn.IsCDNURL(raw)
}

// FromURL 拉取外部地址并生成变体；本系统 CDN 地址直接透传
func (p *Pipeline) FromURL(ctx context.Context, rawURL string) (*Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errs.Validation(errs.CodeMissingURL, "image url is required")
	}

	if p.cdn.IsCDNURL(rawURL) {
		return p.passthrough(rawURL), nil
	}

	start := time.Now()
	data, err := p.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	res, err := p.process(ctx, data)
	p.metrics.ObservePipelineDuration(time.Since(start).Seconds())
	if err != nil {
		if isDecodeError(err) {
			return res, &errs.UpstreamFetchError{URL: rawURL, Err: err}
		}
		return res, err
	}
	return res, nil
}

// FromBytes 对上传的字节生成变体
func (p *Pipeline) FromBytes(ctx context.Context, data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, errs.Validation(errs.CodeInvalidInput, "empty image payload")
	}
	if ct := DetectContentType(data); !IsAllowedContentType(ct) {
		return nil, errs.Validation(errs.CodeInvalidInput, "unsupported content type %s", ct)
	}

	start := time.Now()
	res, err := p.process(ctx, data)
	p.metrics.ObservePipelineDuration(time.Since(start).Seconds())
	if err != nil && isDecodeError(err) {
		return nil, errs.Validation(errs.CodeInvalidInput, "corrupt image: %v", err)
	}
	return res, err
}

// Remove 删除已上传的变体，非本系统地址忽略
func (p *Pipeline) Remove(ctx context.Context, urls models.SourceURLs) {
	for _, name := range models.VariantNames {
		u := urls.Get(name)
		if u == "" {
			continue
		}
		if err := p.cdn.Remove(ctx, u); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("Failed to remove variant")
		}
	}
}

// passthrough 按存储布局推导同组变体地址，无法推导时所有变体指向同一地址
func (p *Pipeline) passthrough(rawURL string) *Result {
	res := &Result{Passthrough: true}
	if sp, ok := p.cdn.PathFromURL(rawURL); ok {
		if publicID, _, ok := ParseStoragePath(sp); ok {
			res.PublicID = publicID
			for _, name := range models.VariantNames {
				res.URLs.Set(name, p.cdn.URLFor(StoragePath(publicID, name)))
			}
			return res
		}
	}
	for _, name := range models.VariantNames {
		res.URLs.Set(name, rawURL)
	}
	return res
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func isDecodeError(err error) bool {
	_, ok := err.(*decodeError)
	return ok
}

func (p *Pipeline) process(ctx context.Context, data []byte) (*Result, error) {
	if p.opts.MemoryGuard != nil {
		if err := p.opts.MemoryGuard(); err != nil {
			return nil, fmt.Errorf("variant pipeline: %w", err)
		}
	}

	rendered, err := p.processor.Render(data, p.opts.Profiles, p.opts.Quality)
	if err != nil {
		return nil, &decodeError{err: err}
	}

	res := &Result{PublicID: uuid.NewString()}
	failed := make(map[string]error)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.opts.UploadConcurrency)
	for _, r := range rendered {
		r := r
		if r.Err != nil {
			mu.Lock()
			failed[r.Profile.Name] = r.Err
			mu.Unlock()
			p.metrics.ObserveVariantUpload(r.Profile.Name, r.Err)
			continue
		}
		g.Go(func() error {
			u, err := p.cdn.Put(ctx, StoragePath(res.PublicID, r.Profile.Name), bytes.NewReader(r.Data))
			p.metrics.ObserveVariantUpload(r.Profile.Name, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[r.Profile.Name] = err
				return nil
			}
			res.URLs.Set(r.Profile.Name, u)
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		log.Warn().Str("public_id", res.PublicID).Int("failed", len(failed)).Msg("Variant upload partially failed")
		return res, &errs.PartialVariantError{Failed: failed}
	}

	log.Debug().Str("public_id", res.PublicID).Str("processor", p.processor.Name()).Msg("Variants generated")
	return res, nil
}
