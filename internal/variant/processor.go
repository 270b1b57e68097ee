package variant

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Rendered 单个变体的编码结果
type Rendered struct {
	Profile Profile
	Data    []byte
	Width   int
	Height  int
	Err     error
}

// Processor 图片处理后端
// Render 解码失败时返回 error；单个变体失败记录在 Rendered.Err
type Processor interface {
	Name() string
	Render(data []byte, profiles []Profile, quality int) ([]Rendered, error)
}

// ImagingProcessor 基于 disintegration/imaging 的纯 Go 实现
type ImagingProcessor struct{}

// NewImagingProcessor 创建 imaging 处理器
func NewImagingProcessor() *ImagingProcessor {
	return &ImagingProcessor{}
}

func (p *ImagingProcessor) Name() string {
	return "imaging"
}

func (p *ImagingProcessor) Render(data []byte, profiles []Profile, quality int) ([]Rendered, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	out := make([]Rendered, 0, len(profiles))
	for _, prof := range profiles {
		dst := flatten(transform(src, prof))
		var buf bytes.Buffer
		r := Rendered{Profile: prof, Width: dst.Bounds().Dx(), Height: dst.Bounds().Dy()}
		if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			r.Err = fmt.Errorf("encode %s: %w", prof.Name, err)
		} else {
			r.Data = buf.Bytes()
		}
		out = append(out, r)
	}
	return out, nil
}

func transform(src image.Image, prof Profile) *image.NRGBA {
	switch prof.Mode {
	case ModeFill:
		return imaging.Fill(src, prof.Width, prof.Height, imaging.Center, imaging.Lanczos)
	case ModePad:
		fitted := imaging.Fit(src, prof.Width, prof.Height, imaging.Lanczos)
		canvas := imaging.New(prof.Width, prof.Height, color.White)
		return imaging.PasteCenter(canvas, fitted)
	default:
		return imaging.Fit(src, prof.Width, prof.Height, imaging.Lanczos)
	}
}

// flatten JPEG 不支持透明通道，铺白底
func flatten(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
