// Package products 商品仓库，只读写图片相关字段
package products

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anoixa/product-images/database"
	"github.com/anoixa/product-images/database/models"
	"github.com/anoixa/product-images/internal/errs"
	"gorm.io/gorm"
)

// ErrStaleVersion 条件更新时商品图片版本号已变化
var ErrStaleVersion = errors.New("product images version changed")

// Repository 商品仓库
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建新的商品仓库
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithContext 返回带上下文的仓库
func (r *Repository) WithContext(ctx context.Context) *Repository {
	return &Repository{db: r.db.WithContext(ctx)}
}

// WithTx 返回绑定到事务的仓库
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// GetByID 获取商品
func (r *Repository) GetByID(id string) (*models.Product, error) {
	var product models.Product
	err := r.db.Where("id = ?", id).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("product", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// LockByID 在事务中读取并锁定商品行
func (r *Repository) LockByID(id string) (*models.Product, error) {
	var product models.Product
	err := database.LockRow(r.db).Where("id = ?", id).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("product", id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetCanonical 获取规范商品分组
func (r *Repository) GetCanonical(id string) (*models.CanonicalProduct, error) {
	var canonical models.CanonicalProduct
	err := r.db.Where("id = ?", id).First(&canonical).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("canonical product", id)
	}
	if err != nil {
		return nil, err
	}
	return &canonical, nil
}

// LockCanonical 在事务中读取并锁定规范商品行
func (r *Repository) LockCanonical(id string) (*models.CanonicalProduct, error) {
	var canonical models.CanonicalProduct
	err := database.LockRow(r.db).Where("id = ?", id).First(&canonical).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("canonical product", id)
	}
	if err != nil {
		return nil, err
	}
	return &canonical, nil
}

// ResolveScope 确认作用域锚点存在并返回匹配列；lock 为 true 时锁定锚点行
func (r *Repository) ResolveScope(scope models.Scope, lock bool) (models.ScopeIDs, error) {
	switch scope.Kind {
	case models.ScopeProduct:
		get := r.GetByID
		if lock {
			get = r.LockByID
		}
		product, err := get(scope.ID)
		if err != nil {
			return models.ScopeIDs{}, err
		}
		return product.ScopeIDs(), nil
	case models.ScopeCanonical:
		get := r.GetCanonical
		if lock {
			get = r.LockCanonical
		}
		if _, err := get(scope.ID); err != nil {
			return models.ScopeIDs{}, err
		}
		// 规范条目商品与分组共享同一组记录
		entry, err := r.CanonicalEntryID(scope.ID)
		if err != nil {
			return models.ScopeIDs{}, err
		}
		return models.ScopeIDs{ProductID: entry, CanonicalID: scope.ID}, nil
	default:
		return models.ScopeIDs{}, errs.Validation(errs.CodeInvalidInput, "unknown scope kind %q", scope.Kind)
	}
}

// AffectedProductIDs 作用域变更后需要重新同步的商品
func (r *Repository) AffectedProductIDs(ids models.ScopeIDs) ([]string, error) {
	seen := make(map[string]struct{})
	result := make([]string, 0, 1)
	if ids.ProductID != "" {
		seen[ids.ProductID] = struct{}{}
		result = append(result, ids.ProductID)
	}
	if ids.CanonicalID != "" {
		members, err := r.ListIDsByCanonical(ids.CanonicalID)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	return result, nil
}

// CanonicalEntryID 分组的规范条目商品，没有时返回空串
func (r *Repository) CanonicalEntryID(canonicalID string) (string, error) {
	var ids []string
	err := r.db.Model(&models.Product{}).
		Where("canonical_id = ? AND is_canonical_entry = ?", canonicalID, true).
		Order("id asc").Limit(1).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return "", err
	}
	return ids[0], nil
}

// ListIDsByCanonical 分组内全部商品 ID
func (r *Repository) ListIDsByCanonical(canonicalID string) ([]string, error) {
	var ids []string
	err := r.db.Model(&models.Product{}).Where("canonical_id = ?", canonicalID).Order("id asc").Pluck("id", &ids).Error
	return ids, err
}

// ListIDsAfter 按 ID 游标分页列出商品 ID
func (r *Repository) ListIDsAfter(afterID string, limit int) ([]string, error) {
	var ids []string
	db := r.db.Model(&models.Product{})
	if afterID != "" {
		db = db.Where("id > ?", afterID)
	}
	err := db.Order("id asc").Limit(limit).Pluck("id", &ids).Error
	return ids, err
}

// UpdateImagesCAS 按版本号条件更新内嵌数组和缓存字段
func (r *Repository) UpdateImagesCAS(id string, expectedVersion int64, embedded models.EmbeddedImages, cache models.ImageCache) (bool, error) {
	if embedded == nil {
		embedded = models.EmbeddedImages{}
	}
	result := r.db.Model(&models.Product{}).
		Where("id = ? AND images_version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"embedded_images":       embedded,
			"cached_image_url":      cache.CachedImageURL,
			"cached_thumbnail_url":  cache.CachedThumbnailURL,
			"primary_image_url":     cache.PrimaryImageURL,
			"has_displayable_image": cache.HasDisplayableImage,
			"images_version":        gorm.Expr("images_version + 1"),
			"updated_at":            time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// UpdateCacheCAS 按版本号条件只更新缓存字段
func (r *Repository) UpdateCacheCAS(id string, expectedVersion int64, cache models.ImageCache) (bool, error) {
	result := r.db.Model(&models.Product{}).
		Where("id = ? AND images_version = ?", id, expectedVersion).
		Updates(map[string]interface{}{
			"cached_image_url":      cache.CachedImageURL,
			"cached_thumbnail_url":  cache.CachedThumbnailURL,
			"primary_image_url":     cache.PrimaryImageURL,
			"has_displayable_image": cache.HasDisplayableImage,
			"images_version":        gorm.Expr("images_version + 1"),
			"updated_at":            time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// PruneEmbedded 从商品内嵌数组中移除指定地址并递增版本号，返回实际修改的商品数
// 必须在事务内调用；被删除记录的地址若留在数组里，下一次解析会把它当作旧版图片重新带回
func (r *Repository) PruneEmbedded(productIDs []string, urls []string) (int, error) {
	if len(productIDs) == 0 || len(urls) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			drop[u] = struct{}{}
		}
	}

	changed := 0
	for _, id := range productIDs {
		product, err := r.LockByID(id)
		if err != nil {
			return changed, err
		}
		kept := make(models.EmbeddedImages, 0, len(product.EmbeddedImages))
		for _, img := range product.EmbeddedImages {
			if _, ok := drop[strings.TrimSpace(img.URL)]; ok {
				continue
			}
			kept = append(kept, img)
		}
		if len(kept) == len(product.EmbeddedImages) {
			continue
		}

		result := r.db.Model(&models.Product{}).
			Where("id = ? AND images_version = ?", id, product.ImagesVersion).
			Updates(map[string]interface{}{
				"embedded_images": kept,
				"images_version":  gorm.Expr("images_version + 1"),
				"updated_at":      time.Now(),
			})
		if result.Error != nil {
			return changed, result.Error
		}
		if result.RowsAffected == 0 {
			return changed, ErrStaleVersion
		}
		changed++
	}
	return changed, nil
}
