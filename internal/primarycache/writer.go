// Package primarycache 把解析出的主图地址写回商品，供列表、搜索等高频读路径直接使用
package primarycache

import (
	"context"
	"errors"
	"fmt"

	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/database/repo/products"
	"github.com/anoixa/product-images/database/repo/records"
	"github.com/anoixa/product-images/internal/errs"
	"github.com/anoixa/product-images/internal/resolver"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var errStaleVersion = errors.New("product images version changed")

// CacheFor 根据可见集合计算缓存字段；没有主图时返回全空且 HasDisplayableImage=false
func CacheFor(v resolver.Visible) models.ImageCache {
	primary, ok := v.Primary()
	if !ok {
		return models.ImageCache{}
	}
	return CacheForImage(primary)
}

// CacheForImage 单张图片对应的缓存字段
//
//	cachedImageUrl     = card -> 原图
//	cachedThumbnailUrl = thumbnail -> cachedImageUrl
//	primaryImageUrl    = gallery -> detail -> cachedImageUrl
func CacheForImage(img resolver.Image) models.ImageCache {
	c := models.ImageCache{
		CachedImageURL: firstNonEmpty(img.CardURL, img.URL),
	}
	c.CachedThumbnailURL = firstNonEmpty(img.ThumbnailURL, c.CachedImageURL)
	c.PrimaryImageURL = firstNonEmpty(img.GalleryURL, img.DetailURL, c.CachedImageURL)
	c.HasDisplayableImage = c.CachedImageURL != ""
	return c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Writer 主图缓存写入器
type Writer struct {
	db       database.Provider
	records  *records.Repository
	products *products.Repository
	retries  int
}

// NewWriter 创建写入器
func NewWriter(db database.Provider, recs *records.Repository, prods *products.Repository, retries int) *Writer {
	if retries < 0 {
		retries = 0
	}
	return &Writer{db: db, records: recs, products: prods, retries: retries}
}

// Refresh 重新解析商品主图并写入缓存字段，商品不存在时返回 NotFound
func (w *Writer) Refresh(ctx context.Context, productID string) (models.ImageCache, error) {
	var result models.ImageCache
	for attempt := 0; attempt <= w.retries; attempt++ {
		err := w.db.TransactionWithContext(ctx, func(tx *gorm.DB) error {
			c, err := w.RefreshTx(tx, productID)
			result = c
			return err
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errStaleVersion) && !database.IsRetryable(err) {
			return models.ImageCache{}, err
		}
		log.Debug().Str("product_id", productID).Int("attempt", attempt+1).Err(err).Msg("Retrying primary cache refresh")
	}
	return models.ImageCache{}, fmt.Errorf("refresh cache for product %s: %w", productID, errs.ErrSyncConflict)
}

// RefreshTx 在已有事务内刷新缓存字段
func (w *Writer) RefreshTx(tx *gorm.DB, productID string) (models.ImageCache, error) {
	prods := w.products.WithTx(tx)
	product, err := prods.LockByID(productID)
	if err != nil {
		return models.ImageCache{}, err
	}

	v, err := resolver.ResolveProduct(w.records.WithTx(tx), product)
	if err != nil {
		return models.ImageCache{}, err
	}
	c := CacheFor(v)
	if c == product.ImageCache() {
		return c, nil
	}

	ok, err := prods.UpdateCacheCAS(product.ID, product.ImagesVersion, c)
	if err != nil {
		return models.ImageCache{}, err
	}
	if !ok {
		return models.ImageCache{}, errStaleVersion
	}
	return c, nil
}
