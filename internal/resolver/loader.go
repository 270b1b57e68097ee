package resolver

import (
	"context"
	"time"

	"github.com/anoixa/product-images/cache"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Load 从记录仓库读取解析商品所需的数据；scope id 为空时对应来源视为空
func Load(recs *records.Repository, productID, canonicalID string, embedded models.EmbeddedImages) (Inputs, error) {
	in := Inputs{Embedded: embedded}
	var err error

	if in.ProductApproved, err = recs.ListApprovedByProduct(productID); err != nil {
		return Inputs{}, err
	}
	if in.CanonicalApproved, err = recs.ListApprovedByCanonical(canonicalID); err != nil {
		return Inputs{}, err
	}
	if len(embedded) > 0 {
		ids := models.ScopeIDs{ProductID: productID, CanonicalID: canonicalID}
		if !ids.Empty() {
			if in.Known, err = recs.ListByScope(ids); err != nil {
				return Inputs{}, err
			}
		}
	}
	return in, nil
}

// ResolveProduct 解析商品的可见集合
func ResolveProduct(recs *records.Repository, product *models.Product) (Visible, error) {
	in, err := Load(recs, product.ID, product.CanonicalID, product.EmbeddedImages)
	if err != nil {
		return Visible{}, err
	}
	return Resolve(in), nil
}

// Reader 带读缓存的可见集合查询
// 缓存由同步器在每次写入后失效，读路径从不等待变体流水线
type Reader struct {
	records  *records.Repository
	products *products.Repository
	cache    cache.Provider
	ttl      time.Duration
	metrics  *metrics.EngineMetrics
}

// NewReader 创建查询器；provider 为 nil 时不使用缓存
func NewReader(recs *records.Repository, prods *products.Repository, provider cache.Provider, ttl time.Duration, m *metrics.EngineMetrics) *Reader {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Reader{records: recs, products: prods, cache: provider, ttl: ttl, metrics: m}
}

// Visible 查询商品当前可见图片
func (r *Reader) Visible(ctx context.Context, productID string) (Visible, error) {
	key := cache.VisibleImages.BuildID(productID)
	if r.cache != nil {
		var cached Visible
		err := r.cache.Get(ctx, key, &cached)
		if err == nil {
			r.metrics.IncrementCacheHits()
			return cached, nil
		}
		if !cache.IsCacheMiss(err) {
			log.Warn().Err(err).Str("product_id", productID).Msg("Visible image cache read failed")
		}
		r.metrics.IncrementCacheMisses()
	}

	product, err := r.products.WithContext(ctx).GetByID(productID)
	if err != nil {
		return Visible{}, err
	}
	v, err := ResolveProduct(r.records.WithContext(ctx), product)
	if err != nil {
		return Visible{}, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, v, r.ttl); err != nil {
			log.Warn().Err(err).Str("product_id", productID).Msg("Visible image cache write failed")
		}
	}
	return v, nil
}

// Invalidate 失效商品的可见集合缓存
func (r *Reader) Invalidate(ctx context.Context, productIDs ...string) {
	if r == nil || r.cache == nil {
		return
	}
	for _, id := range productIDs {
		if err := r.cache.Delete(ctx, cache.VisibleImages.BuildID(id)); err != nil && !cache.IsCacheMiss(err) {
			log.Warn().Err(err).Str("product_id", id).Msg("Visible image cache invalidation failed")
		}
	}
}
