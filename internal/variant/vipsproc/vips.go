// Package vipsproc 基于 libvips 的变体处理器，需要 cgo 和 libvips
package vipsproc

import (
	"fmt"
	"sync"

	"github.com/anoixa/product-images/internal/variant"
	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startOnce sync.Once
	white     = &vips.Color{R: 255, G: 255, B: 255}
)

// Startup 初始化 libvips，只执行一次
func Startup() {
	startOnce.Do(func() {
		vips.LoggingSettings(nil, vips.LogLevelWarning)
		vips.Startup(nil)
	})
}

// Shutdown 释放 libvips
func Shutdown() {
	vips.Shutdown()
}

// Processor libvips 实现
type Processor struct{}

// New 创建处理器并确保 libvips 已初始化
func New() *Processor {
	Startup()
	return &Processor{}
}

func (p *Processor) Name() string {
	return "vips"
}

func (p *Processor) Render(data []byte, profiles []variant.Profile, quality int) ([]variant.Rendered, error) {
	src, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("load image from buffer: %w", err)
	}
	defer src.Close()

	if err := src.AutoRotate(); err != nil {
		return nil, fmt.Errorf("auto rotate: %w", err)
	}

	out := make([]variant.Rendered, 0, len(profiles))
	for _, prof := range profiles {
		out = append(out, renderOne(src, prof, quality))
	}
	return out, nil
}

func renderOne(src *vips.ImageRef, prof variant.Profile, quality int) variant.Rendered {
	r := variant.Rendered{Profile: prof}

	img, err := src.Copy()
	if err != nil {
		r.Err = fmt.Errorf("copy %s: %w", prof.Name, err)
		return r
	}
	defer img.Close()

	switch prof.Mode {
	case variant.ModeFill:
		err = img.Thumbnail(prof.Width, prof.Height, vips.InterestingCentre)
	case variant.ModePad:
		err = img.ThumbnailWithSize(prof.Width, prof.Height, vips.InterestingNone, vips.SizeDown)
		if err == nil {
			left := (prof.Width - img.Width()) / 2
			top := (prof.Height - img.Height()) / 2
			err = img.EmbedBackground(left, top, prof.Width, prof.Height, white)
		}
	default:
		err = img.ThumbnailWithSize(prof.Width, prof.Height, vips.InterestingNone, vips.SizeDown)
	}
	if err != nil {
		r.Err = fmt.Errorf("resize %s: %w", prof.Name, err)
		return r
	}

	if img.HasAlpha() {
		if err := img.Flatten(white); err != nil {
			r.Err = fmt.Errorf("flatten %s: %w", prof.Name, err)
			return r
		}
	}

	params := vips.NewJpegExportParams()
	params.Quality = quality
	params.StripMetadata = true
	buf, _, err := img.ExportJpeg(params)
	if err != nil {
		r.Err = fmt.Errorf("export %s: %w", prof.Name, err)
		return r
	}

	r.Data = buf
	r.Width = img.Width()
	r.Height = img.Height()
	return r
}
