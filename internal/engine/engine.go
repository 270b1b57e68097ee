// Package engine 图片引擎对外操作的统一入口：能力校验后分派到各组件
package engine

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/internal/approval"
	"github.com/anoixa/product-images/internal/authz"
	"github.com/anoixa/product-images/internal/discovery"
	"github.com/anoixa/product-images/internal/download"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/primarycache"
	"github.com/anoixa/product-images/internal/reconcile"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/anoixa/product-images/internal/variant"
	"github.com/rs/zerolog/log"
)

// Engine 图片引擎
type Engine struct {
	Approval   *approval.Service
	Download   *download.Service
	Discovery  *discovery.Service
	Reconciler *reconcile.Reconciler
	Reader     *resolver.Reader
	Cache      *primarycache.Writer
	Pipeline   *variant.Pipeline
	Products   *products.Repository
}

// HeroResult setHero 的返回值
type HeroResult struct {
	Image *models.ImageRecord `json:"image"`
	Cache models.ImageCache   `json:"cache"`
}

// ListImages 按状态列出作用域内的图片
func (e *Engine) ListImages(ctx context.Context, scope models.Scope) (*approval.Listing, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	return e.Approval.List(ctx, scope)
}

// Discover 异步发现候选图片；冷却期内的重复调用返回 false
func (e *Engine) Discover(ctx context.Context, scope models.Scope) (bool, error) {
	if err := authz.Require(ctx, authz.CapDiscover); err != nil {
		return false, err
	}
	if e.Discovery == nil {
		return false, errs.Validation(errs.CodeInvalidInput, "image discovery is disabled")
	}
	return e.Discovery.Discover(ctx, scope)
}

// Approve 通过一组图片
func (e *Engine) Approve(ctx context.Context, scope models.Scope, imageIDs []string, rejectRemainingPending bool) (*approval.Result, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	return e.Approval.Approve(ctx, scope, imageIDs, rejectRemainingPending)
}

// Reject 拒绝一组图片
func (e *Engine) Reject(ctx context.Context, scope models.Scope, imageIDs []string) (*approval.Result, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	return e.Approval.Reject(ctx, scope, imageIDs)
}

// Restore 恢复被拒绝的图片
func (e *Engine) Restore(ctx context.Context, scope models.Scope, imageIDs []string) (*approval.Result, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	return e.Approval.Restore(ctx, scope, imageIDs)
}

// SetPrimary 设为主图
func (e *Engine) SetPrimary(ctx context.Context, scope models.Scope, imageID string) (*approval.Result, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	return e.Approval.SetPrimary(ctx, scope, imageID)
}

// RejectAll 拒绝作用域内全部 pending 图片
func (e *Engine) RejectAll(ctx context.Context, scope models.Scope) (*approval.Result, error) {
	if err := authz.Require(ctx, authz.CapBulk); err != nil {
		return nil, err
	}
	return e.Approval.RejectAll(ctx, scope)
}

// Finalize 删除作用域内未通过的图片，并清理它们独占的 CDN 文件
func (e *Engine) Finalize(ctx context.Context, scope models.Scope) (*approval.FinalizeResult, error) {
	if err := authz.Require(ctx, authz.CapBulk); err != nil {
		return nil, err
	}
	res, err := e.Approval.Finalize(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, rec := range res.Deleted {
		e.removeVariants(ctx, rec)
	}
	return res, nil
}

// AddImageURL 登记一个外部图片地址
func (e *Engine) AddImageURL(ctx context.Context, scope models.Scope, rawURL string) (*models.ImageRecord, bool, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, false, err
	}
	return e.Approval.AddImageURL(ctx, scope, rawURL)
}

// Upload 上传图片字节：先生成变体，再登记记录
func (e *Engine) Upload(ctx context.Context, scope models.Scope, data []byte) (*models.ImageRecord, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	res, err := e.Pipeline.FromBytes(ctx, data)
	if err != nil {
		var partial *errs.PartialVariantError
		if errors.As(err, &partial) && res != nil {
			e.Pipeline.Remove(ctx, res.URLs)
		}
		return nil, err
	}

	rec, err := e.Approval.AddUploaded(ctx, scope, "", res.URLs, res.PublicID)
	if err != nil {
		e.Pipeline.Remove(ctx, res.URLs)
		return nil, err
	}
	return rec, nil
}

// DownloadToCDN 手动触发单条记录的 CDN 下载，已下载时直接返回
func (e *Engine) DownloadToCDN(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	return e.Download.Download(ctx, imageID)
}

// DeleteImage 运维删除单条记录
func (e *Engine) DeleteImage(ctx context.Context, imageID string) (*models.ImageRecord, error) {
	if err := authz.Require(ctx, authz.CapOperate); err != nil {
		return nil, err
	}
	rec, err := e.Approval.Delete(ctx, imageID)
	if err != nil {
		return nil, err
	}
	e.removeVariants(ctx, rec)
	return rec, nil
}

// SetHero 设置主图：参数可以是记录 ID 或图片地址
// 地址在作用域内未登记时先生成变体再登记；然后设为主图并刷新缓存字段
func (e *Engine) SetHero(ctx context.Context, scope models.Scope, imageIDOrURL string) (*HeroResult, error) {
	if err := authz.Require(ctx, authz.CapReview); err != nil {
		return nil, err
	}
	target := strings.TrimSpace(imageIDOrURL)
	if target == "" {
		return nil, errs.Validation(errs.CodeMissingURL, "image id or url is required")
	}

	rec, err := e.heroRecord(ctx, scope, target)
	if err != nil {
		return nil, err
	}
	if rec.ApprovalStatus == models.StatusRejected {
		return nil, errs.Validation(errs.CodeInvalidTransition, "image %s is rejected; restore it before making it the hero", rec.ID)
	}

	if !rec.IsDownloaded {
		if got, err := e.Download.Download(ctx, rec.ID); err != nil {
			// 下载失败不阻止设置主图，缓存字段回退到外部地址
			log.Warn().Err(err).Str("record_id", rec.ID).Msg("Hero image download failed, using external url")
		} else {
			rec = got
		}
	}

	if _, err := e.Approval.SetPrimary(ctx, scope, rec.ID); err != nil {
		return nil, err
	}

	c, err := e.refreshScopeCache(ctx, scope, rec.ID)
	if err != nil {
		return nil, err
	}
	fresh, err := e.Approval.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &HeroResult{Image: fresh, Cache: c}, nil
}

func (e *Engine) heroRecord(ctx context.Context, scope models.Scope, target string) (*models.ImageRecord, error) {
	if !looksLikeURL(target) {
		return e.Approval.GetInScope(ctx, scope, target)
	}

	existing, err := e.Approval.Find(ctx, scope, target)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	res, err := e.Pipeline.FromURL(ctx, target)
	if err != nil {
		var partial *errs.PartialVariantError
		if errors.As(err, &partial) && res != nil {
			e.Pipeline.Remove(ctx, res.URLs)
		}
		return nil, err
	}
	rec, err := e.Approval.AddUploaded(ctx, scope, target, res.URLs, res.PublicID)
	if err != nil {
		if !res.Passthrough {
			e.Pipeline.Remove(ctx, res.URLs)
		}
		return nil, err
	}
	return rec, nil
}

// refreshScopeCache 商品作用域写入并返回商品缓存字段；规范作用域优先使用规范条目商品
func (e *Engine) refreshScopeCache(ctx context.Context, scope models.Scope, recordID string) (models.ImageCache, error) {
	productID := scope.ID
	if scope.Kind == models.ScopeCanonical {
		entry, err := e.Products.WithContext(ctx).CanonicalEntryID(scope.ID)
		if err != nil {
			return models.ImageCache{}, err
		}
		if entry == "" {
			rec, err := e.Approval.Get(ctx, recordID)
			if err != nil {
				return models.ImageCache{}, err
			}
			return primarycache.CacheForImage(resolver.FromRecord(rec)), nil
		}
		productID = entry
	}
	return e.Cache.Refresh(ctx, productID)
}

// Visible 商品当前可见的图片集合，只读，不需要能力
func (e *Engine) Visible(ctx context.Context, productID string) (resolver.Visible, error) {
	return e.Reader.Visible(ctx, productID)
}

// RefreshCache 重新计算商品的主图缓存字段
func (e *Engine) RefreshCache(ctx context.Context, productID string) (models.ImageCache, error) {
	if err := authz.Require(ctx, authz.CapOperate); err != nil {
		return models.ImageCache{}, err
	}
	return e.Cache.Refresh(ctx, productID)
}

// Reconcile 同步单个商品的内嵌数组和缓存字段
func (e *Engine) Reconcile(ctx context.Context, productID string) (*reconcile.Outcome, error) {
	if err := authz.Require(ctx, authz.CapOperate); err != nil {
		return nil, err
	}
	return e.Reconciler.Reconcile(ctx, productID)
}

// ReconcileCanonical 同步规范分组下的全部商品
func (e *Engine) ReconcileCanonical(ctx context.Context, canonicalID string) ([]*reconcile.Outcome, error) {
	if err := authz.Require(ctx, authz.CapOperate); err != nil {
		return nil, err
	}
	return e.Reconciler.ReconcileCanonical(ctx, canonicalID)
}

// ReconcileAll 分批同步全部商品
func (e *Engine) ReconcileAll(ctx context.Context, batchSize int) (reconcile.Summary, error) {
	if err := authz.Require(ctx, authz.CapOperate); err != nil {
		return reconcile.Summary{}, err
	}
	return e.Reconciler.ReconcileAll(ctx, batchSize)
}

// Backfill 把商品旧版内嵌数组中的图片迁移为记录
func (e *Engine) Backfill(ctx context.Context, productID string) (*reconcile.BackfillResult, error) {
	if err := authz.Require(ctx, authz.CapOperate); err != nil {
		return nil, err
	}
	return e.Reconciler.Backfill(ctx, productID)
}

// removeVariants 删除记录独占的 CDN 文件；透传和迁移来的地址可能被其他记录引用，保留
func (e *Engine) removeVariants(ctx context.Context, rec *models.ImageRecord) {
	if rec == nil || rec.PublicID == "" || rec.Origin == models.OriginMigration {
		return
	}
	if rec.ExternalURL != "" && e.Pipeline.IsCDNURL(rec.ExternalURL) {
		return
	}
	e.Pipeline.Remove(ctx, rec.SourceURLs)
}

func looksLikeURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
