package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ApprovalStatus 审核状态
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
)

// Valid 检查状态值是否合法
func (s ApprovalStatus) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// 图片记录来源
const (
	OriginDiscovery = "discovery"
	OriginUpload    = "upload"
	OriginMigration = "migration"
	OriginManual    = "manual"
)

// 变体名称
const (
	VariantOriginal  = "original"
	VariantCard      = "card"
	VariantThumbnail = "thumbnail"
	VariantGallery   = "gallery"
	VariantDetail    = "detail"
)

// VariantNames 固定的变体集合
var VariantNames = []string{VariantOriginal, VariantCard, VariantThumbnail, VariantGallery, VariantDetail}

// SourceURLs 派生出的 CDN 地址，空字符串表示尚未生成
type SourceURLs struct {
	Original  string `json:"original,omitempty"`
	Card      string `json:"card,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Gallery   string `json:"gallery,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Get 按变体名取地址
func (s SourceURLs) Get(name string) string {
	switch name {
	case VariantOriginal:
		return s.Original
	case VariantCard:
		return s.Card
	case VariantThumbnail:
		return s.Thumbnail
	case VariantGallery:
		return s.Gallery
	case VariantDetail:
		return s.Detail
	}
	return ""
}

// Set 按变体名写地址
func (s *SourceURLs) Set(name, url string) {
	switch name {
	case VariantOriginal:
		s.Original = url
	case VariantCard:
		s.Card = url
	case VariantThumbnail:
		s.Thumbnail = url
	case VariantGallery:
		s.Gallery = url
	case VariantDetail:
		s.Detail = url
	}
}

// Value 以 JSON 文本存储
func (s SourceURLs) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan 从 JSON 文本读取
func (s *SourceURLs) Scan(value interface{}) error {
	return scanJSON(value, s)
}

// Complete 所有变体是否都已生成
func (s SourceURLs) Complete() bool {
	for _, name := range VariantNames {
		if s.Get(name) == "" {
			return false
		}
	}
	return true
}

// ImageRecord 与商品关联的一张图片
type ImageRecord struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	ProductScopeID   string         `gorm:"size:64;index:idx_record_product_status,priority:1" json:"productScopeId,omitempty"`
	CanonicalScopeID string         `gorm:"size:64;index:idx_record_canonical_status,priority:1" json:"canonicalScopeId,omitempty"`
	SourceURLs       SourceURLs     `gorm:"type:text" json:"sourceUrls"`
	ExternalURL      string         `gorm:"size:2048" json:"externalUrl,omitempty"`
	PublicID         string         `gorm:"size:128" json:"publicId,omitempty"`
	IsPrimary        bool           `gorm:"default:false;not null" json:"isPrimary"`
	SortOrder        int            `gorm:"default:0;not null" json:"sortOrder"`
	ApprovalStatus   ApprovalStatus `gorm:"size:16;not null;default:pending;index:idx_record_product_status,priority:2;index:idx_record_canonical_status,priority:2" json:"approvalStatus"`
	IsDownloaded     bool           `gorm:"default:false;not null" json:"isDownloaded"`
	Origin           string         `gorm:"size:16" json:"origin,omitempty"`

	DownloadAttempts int        `gorm:"default:0;not null" json:"downloadAttempts"`
	DownloadError    string     `gorm:"type:text" json:"downloadError,omitempty"`
	NextRetryAt      *time.Time `gorm:"index" json:"nextRetryAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (ImageRecord) TableName() string {
	return "image_records"
}

// BeforeCreate 生成 ID
func (r *ImageRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ApprovalStatus == "" {
		r.ApprovalStatus = StatusPending
	}
	return nil
}

// DisplayURL 记录最佳的原图地址：CDN 原图优先，其次外部地址
func (r *ImageRecord) DisplayURL() string {
	if r.SourceURLs.Original != "" {
		return r.SourceURLs.Original
	}
	return r.ExternalURL
}

// SourceURL 变体流水线的输入地址：外部地址优先
func (r *ImageRecord) SourceURL() string {
	if r.ExternalURL != "" {
		return r.ExternalURL
	}
	return r.SourceURLs.Original
}

// KnownURLs 记录已知的全部地址，用于按 URL 去重
func (r *ImageRecord) KnownURLs() []string {
	urls := make([]string, 0, 6)
	if r.ExternalURL != "" {
		urls = append(urls, r.ExternalURL)
	}
	for _, name := range VariantNames {
		if u := r.SourceURLs.Get(name); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}
