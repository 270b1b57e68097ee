// Package variant 变体流水线：拉取源图、生成固定尺寸的派生图并上传到 CDN
package variant

import (
	"path"
	"strings"

	"github.com/anoixa/product-images/database/models"
)

// Mode 缩放方式
type Mode int

const (
	// ModeFit 等比缩小到边界内，不放大
	ModeFit Mode = iota
	// ModeFill 居中裁剪为目标尺寸
	ModeFill
	// ModePad 等比缩小后居中贴到白色画布
	ModePad
)

// Profile 单个变体的转换参数
type Profile struct {
	Name   string
	Width  int
	Height int
	Mode   Mode
}

// DefaultProfiles 每条记录生成的五个变体
var DefaultProfiles = []Profile{
	{Name: models.VariantOriginal, Width: 4096, Height: 4096, Mode: ModeFit},
	{Name: models.VariantCard, Width: 400, Height: 400, Mode: ModeFill},
	{Name: models.VariantThumbnail, Width: 100, Height: 100, Mode: ModeFill},
	{Name: models.VariantGallery, Width: 1200, Height: 900, Mode: ModePad},
	{Name: models.VariantDetail, Width: 2000, Height: 2000, Mode: ModeFit},
}

const (
	storagePrefix = "products"
	fileExt       = ".jpg"
)

// StoragePath 变体在对象存储中的路径: products/{publicID}/{variant}.jpg
func StoragePath(publicID, variant string) string {
	return path.Join(storagePrefix, publicID, variant+fileExt)
}

// ParseStoragePath 从存储路径反解 publicID 和变体名
func ParseStoragePath(p string) (publicID, variant string, ok bool) {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) != 3 || parts[0] != storagePrefix || parts[1] == "" {
		return "", "", false
	}
	name := strings.TrimSuffix(parts[2], fileExt)
	if name == parts[2] {
		return "", "", false
	}
	for _, v := range models.VariantNames {
		if v == name {
			return parts[1], name, true
		}
	}
	return "", "", false
}
