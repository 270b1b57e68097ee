package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EmbeddedImage 商品上的旧版内嵌图片描述
type EmbeddedImage struct {
	URL          string `json:"url"`
	CardURL      string `json:"cardUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	IsPrimary    bool   `json:"isPrimary"`
	Order        int    `json:"order"`
}

// EmbeddedImages 内嵌图片数组，以 JSON 文本存储
type EmbeddedImages []EmbeddedImage

// Value 以 JSON 文本存储，nil 写为空数组
func (e EmbeddedImages) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]EmbeddedImage(e))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 从 JSON 文本读取
func (e *EmbeddedImages) Scan(value interface{}) error {
	return scanJSON(value, e)
}

// scanJSON 兼容不同驱动返回的 string / []byte
func scanJSON(value interface{}, dst interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Product 商品（外部实体），本服务只读写图片相关字段
type Product struct {
	ID               string `gorm:"primaryKey;size:64" json:"id"`
	CanonicalID      string `gorm:"size:64;index" json:"canonicalId,omitempty"`
	IsCanonicalEntry bool   `gorm:"default:false;not null" json:"isCanonicalEntry"`
	Name             string `gorm:"size:255" json:"name"`
	Brand            string `gorm:"size:120" json:"brand,omitempty"`
	Model            string `gorm:"size:160" json:"model,omitempty"`

	EmbeddedImages EmbeddedImages `gorm:"type:text" json:"embeddedImages"`

	CachedImageURL      string `gorm:"size:2048" json:"cachedImageUrl"`
	CachedThumbnailURL  string `gorm:"size:2048" json:"cachedThumbnailUrl"`
	PrimaryImageURL     string `gorm:"size:2048" json:"primaryImageUrl"`
	HasDisplayableImage bool   `gorm:"default:false;not null" json:"hasDisplayableImage"`

	// 内嵌数组 + 缓存字段的乐观锁版本号
	ImagesVersion int64 `gorm:"default:0;not null" json:"imagesVersion"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Product) TableName() string {
	return "products"
}

// CanonicalProduct 多个商品共享的规范商品分组
type CanonicalProduct struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Brand     string    `gorm:"size:120" json:"brand,omitempty"`
	Model     string    `gorm:"size:160" json:"model,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (CanonicalProduct) TableName() string {
	return "canonical_products"
}

// All 需要迁移的模型
func All() []interface{} {
	return []interface{}{
		&ImageRecord{},
		&Product{},
		&CanonicalProduct{},
	}
}

// ImageCache 商品上的主图缓存字段
type ImageCache struct {
	CachedImageURL      string `json:"cachedImageUrl"`
	CachedThumbnailURL  string `json:"cachedThumbnailUrl"`
	PrimaryImageURL     string `json:"primaryImageUrl"`
	HasDisplayableImage bool   `json:"hasDisplayableImage"`
}

// ImageCache 读取商品当前的缓存字段
func (p *Product) ImageCache() ImageCache {
	return ImageCache{
		CachedImageURL:      p.CachedImageURL,
		CachedThumbnailURL:  p.CachedThumbnailURL,
		PrimaryImageURL:     p.PrimaryImageURL,
		HasDisplayableImage: p.HasDisplayableImage,
	}
}

// ScopeIDs 商品作用域匹配的列值
func (p *Product) ScopeIDs() ScopeIDs {
	ids := ScopeIDs{ProductID: p.ID}
	if p.IsCanonicalEntry && p.CanonicalID != "" {
		ids.CanonicalID = p.CanonicalID
	}
	return ids
}
