// Package download 把已通过的图片记录推送到 CDN
package download

import (
	"context"
	"errors"
	"time"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/metrics"
	"github.com/anoixa/product-images/internal/reconcile"
	"github.com/anoixa/product-images/internal/variant"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config 下载参数
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Service 下载服务：调用变体流水线并回写记录
type Service struct {
	records    *records.Repository
	products   *products.Repository
	pipeline   *variant.Pipeline
	reconciler *reconcile.Reconciler
	metrics    *metrics.EngineMetrics
	cfg        Config
	group      singleflight.Group
}

// NewService 创建下载服务
func NewService(recs *records.Repository, prods *products.Repository, pipeline *variant.Pipeline,
	reconciler *reconcile.Reconciler, m *metrics.EngineMetrics, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Minute
	}
	return &Service{
		records:    recs,
		products:   prods,
		pipeline:   pipeline,
		reconciler: reconciler,
		metrics:    m,
		cfg:        cfg,
	}
}

// Config 返回下载参数
func (s *Service) Config() Config {
	return s.cfg
}

// Download 为一条记录生成并上传变体；已下载的记录直接返回
// 同一记录的并发调用合并为一次
func (s *Service) Download(ctx context.Context, recordID string) (*models.ImageRecord, error) {
	v, err, shared := s.group.Do(recordID, func() (interface{}, error) {
		return s.download(ctx, recordID)
	})
	if shared {
		log.Debug().Str("record_id", recordID).Msg("Download request joined an in-flight download")
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.ImageRecord), nil
}

// Handle 适配 worker.Handler
func (s *Service) Handle(ctx context.Context, recordID string) error {
	_, err := s.Download(ctx, recordID)
	return err
}

func (s *Service) download(ctx context.Context, recordID string) (*models.ImageRecord, error) {
	rec, err := s.records.WithContext(ctx).GetByID(recordID)
	if err != nil {
		return nil, err
	}
	if rec.IsDownloaded {
		return rec, nil
	}
	src := rec.SourceURL()
	if src == "" {
		return nil, errs.Validation(errs.CodeMissingURL, "image %s has no source url", rec.ID)
	}

	res, err := s.pipeline.FromURL(ctx, src)
	if err != nil {
		var partial *errs.PartialVariantError
		if errors.As(err, &partial) && res != nil {
			s.pipeline.Remove(ctx, res.URLs)
		}
		s.recordFailure(ctx, rec, err)
		return nil, err
	}

	ok, err := s.records.WithContext(ctx).MarkDownloaded(rec.ID, res.URLs, res.PublicID)
	if err != nil {
		if !res.Passthrough {
			s.pipeline.Remove(ctx, res.URLs)
		}
		return nil, err
	}
	if !ok {
		// 已被其他进程写入，丢弃本次上传的文件
		if !res.Passthrough {
			s.pipeline.Remove(ctx, res.URLs)
		}
		return s.records.WithContext(ctx).GetByID(rec.ID)
	}

	s.metrics.IncrementDownloads()
	log.Info().Str("record_id", rec.ID).Str("public_id", res.PublicID).Bool("passthrough", res.Passthrough).Msg("Image pushed to CDN")

	s.syncScope(ctx, rec)
	return s.records.WithContext(ctx).GetByID(rec.ID)
}

// recordFailure 记录失败并安排退避重试；永久失败直接耗尽重试次数
func (s *Service) recordFailure(ctx context.Context, rec *models.ImageRecord, cause error) {
	retryable := errs.IsRetryableFetch(cause)
	var partial *errs.PartialVariantError
	if errors.As(cause, &partial) {
		retryable = true
	}
	s.metrics.IncrementDownloadFailures(retryable)

	if err := s.records.WithContext(ctx).MarkDownloadFailed(rec.ID, cause.Error(), retryable, s.cfg.RetryBackoff, s.cfg.MaxAttempts); err != nil {
		log.Error().Err(err).Str("record_id", rec.ID).Msg("Failed to record download failure")
	}
	log.Warn().Err(cause).Str("record_id", rec.ID).Bool("retryable", retryable).Msg("Image download failed")
}

// syncScope 下载成功后同步受影响商品的投影和缓存字段
func (s *Service) syncScope(ctx context.Context, rec *models.ImageRecord) {
	if s.reconciler == nil {
		return
	}
	ids := models.ScopeIDs{ProductID: rec.ProductScopeID, CanonicalID: rec.CanonicalScopeID}
	affected, err := s.products.WithContext(ctx).AffectedProductIDs(ids)
	if err != nil {
		log.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to resolve affected products")
		return
	}
	if _, err := s.reconciler.ReconcileMany(ctx, affected); err != nil {
		log.Warn().Err(err).Str("record_id", rec.ID).Msg("Post-download reconcile failed")
	}
}
