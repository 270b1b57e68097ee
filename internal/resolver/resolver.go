// Package resolver 计算商品的可见图片集合
//
// 三个来源按固定优先级取第一个非空者：
//  1. 商品作用域内已通过的记录
//  2. 规范商品作用域内已通过的记录
//  3. 商品上的旧版内嵌数组
//
// 内嵌数组中没有任何关系型记录对应的地址始终可见，追加在胜出来源之后，
// 此时它们的主图标记被清除。
package resolver

import (
	"sort"
	"strings"

	"github.com/anoixa/product-images/database/models"
)

// Source 可见集合的来源
type Source string

const (
	SourceNone      Source = "none"
	SourceProduct   Source = "product"
	SourceCanonical Source = "canonical"
	SourceEmbedded  Source = "embedded"
)

// Image 可见图片的统一视图
type Image struct {
	RecordID     string `json:"recordId,omitempty"`
	URL          string `json:"url"`
	CardURL      string `json:"cardUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	GalleryURL   string `json:"galleryUrl,omitempty"`
	DetailURL    string `json:"detailUrl,omitempty"`
	IsPrimary    bool   `json:"isPrimary"`
	Order        int    `json:"order"`
	Source       Source `json:"source"`
}

// Visible 解析结果
type Visible struct {
	Source Source  `json:"source"`
	Images []Image `json:"images"`
}

// Primary 显式主图优先，否则取第一张
func (v Visible) Primary() (Image, bool) {
	for _, img := range v.Images {
		if img.IsPrimary {
			return img, true
		}
	}
	if len(v.Images) > 0 {
		return v.Images[0], true
	}
	return Image{}, false
}

// URLs 可见地址列表
func (v Visible) URLs() []string {
	out := make([]string, 0, len(v.Images))
	for _, img := range v.Images {
		out = append(out, img.URL)
	}
	return out
}

// Inputs 解析所需的全部数据
type Inputs struct {
	ProductApproved   []*models.ImageRecord
	CanonicalApproved []*models.ImageRecord
	Embedded          models.EmbeddedImages
	// Known 商品与规范作用域内任意状态的记录，用于判定内嵌地址是否已有对应记录
	Known []*models.ImageRecord
}

// Resolve 纯函数，不访问存储
func Resolve(in Inputs) Visible {
	known := make(map[string]struct{})
	for _, rec := range in.Known {
		addKnown(known, rec)
	}
	for _, rec := range in.ProductApproved {
		addKnown(known, rec)
	}
	for _, rec := range in.CanonicalApproved {
		addKnown(known, rec)
	}

	var out Visible
	switch {
	case len(in.ProductApproved) > 0:
		out = fromRecords(in.ProductApproved, SourceProduct)
	case len(in.CanonicalApproved) > 0:
		out = fromRecords(in.CanonicalApproved, SourceCanonical)
	default:
		out = Visible{Source: SourceNone}
	}

	seen := make(map[string]struct{}, len(out.Images))
	for _, img := range out.Images {
		seen[img.URL] = struct{}{}
	}
	hasPrimary := false
	for _, img := range out.Images {
		if img.IsPrimary {
			hasPrimary = true
			break
		}
	}

	for _, img := range FromEmbedded(in.Embedded) {
		if _, ok := known[img.URL]; ok {
			continue
		}
		if _, ok := seen[img.URL]; ok {
			continue
		}
		seen[img.URL] = struct{}{}
		// 关系型来源胜出时，旧版主图标记不再生效
		if hasPrimary || out.Source != SourceNone {
			img.IsPrimary = false
		}
		if img.IsPrimary {
			hasPrimary = true
		}
		out.Images = append(out.Images, img)
	}

	if out.Source == SourceNone && len(out.Images) > 0 {
		out.Source = SourceEmbedded
	}
	for i := range out.Images {
		out.Images[i].Order = i
	}
	if out.Images == nil {
		out.Images = []Image{}
	}
	return out
}

func addKnown(known map[string]struct{}, rec *models.ImageRecord) {
	for _, u := range rec.KnownURLs() {
		if u = strings.TrimSpace(u); u != "" {
			known[u] = struct{}{}
		}
	}
}

// SortRecords 主图优先，其次 sortOrder 升序，再按创建时间
func SortRecords(recs []*models.ImageRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func fromRecords(recs []*models.ImageRecord, src Source) Visible {
	sorted := make([]*models.ImageRecord, len(recs))
	copy(sorted, recs)
	SortRecords(sorted)

	out := Visible{Source: src, Images: make([]Image, 0, len(sorted))}
	seen := make(map[string]struct{}, len(sorted))
	primarySeen := false
	for _, rec := range sorted {
		img := FromRecord(rec)
		if img.URL == "" {
			continue
		}
		if _, ok := seen[img.URL]; ok {
			continue
		}
		seen[img.URL] = struct{}{}
		img.Source = src
		if img.IsPrimary && primarySeen {
			img.IsPrimary = false
		}
		primarySeen = primarySeen || img.IsPrimary
		out.Images = append(out.Images, img)
	}
	return out
}

// FromRecord 把记录转换为可见图片
func FromRecord(rec *models.ImageRecord) Image {
	return Image{
		RecordID:     rec.ID,
		URL:          strings.TrimSpace(rec.DisplayURL()),
		CardURL:      rec.SourceURLs.Card,
		ThumbnailURL: rec.SourceURLs.Thumbnail,
		GalleryURL:   rec.SourceURLs.Gallery,
		DetailURL:    rec.SourceURLs.Detail,
		IsPrimary:    rec.IsPrimary && rec.ApprovalStatus == models.StatusApproved,
		Order:        rec.SortOrder,
	}
}

// FromEmbedded 解析旧版内嵌数组：去掉空地址和重复地址，主图优先再按 order 排序，只保留第一个主图
func FromEmbedded(entries models.EmbeddedImages) []Image {
	type indexed struct {
		models.EmbeddedImage
		idx int
	}
	list := make([]indexed, 0, len(entries))
	for i, e := range entries {
		e.URL = strings.TrimSpace(e.URL)
		if e.URL == "" {
			continue
		}
		list = append(list, indexed{EmbeddedImage: e, idx: i})
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.idx < b.idx
	})

	out := make([]Image, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	primarySeen := false
	for _, e := range list {
		if _, ok := seen[e.URL]; ok {
			continue
		}
		seen[e.URL] = struct{}{}
		img := Image{
			URL:          e.URL,
			CardURL:      strings.TrimSpace(e.CardURL),
			ThumbnailURL: strings.TrimSpace(e.ThumbnailURL),
			IsPrimary:    e.IsPrimary && !primarySeen,
			Order:        e.Order,
			Source:       SourceEmbedded,
		}
		primarySeen = primarySeen || img.IsPrimary
		out = append(out, img)
	}
	return out
}

// ToEmbedded 把可见集合导出为内嵌数组格式
func ToEmbedded(v Visible) models.EmbeddedImages {
	out := make(models.EmbeddedImages, 0, len(v.Images))
	for i, img := range v.Images {
		out = append(out, models.EmbeddedImage{
			URL:          img.URL,
			CardURL:      img.CardURL,
			ThumbnailURL: img.ThumbnailURL,
			IsPrimary:    img.IsPrimary,
			Order:        i,
		})
	}
	return out
}

// EqualEmbedded 两个内嵌数组是否完全一致
func EqualEmbedded(a, b models.EmbeddedImages) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
