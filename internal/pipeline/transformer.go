package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
	"golang.org/x/image/draw"
)

// Rendition is an encoded thumbnail ready to be emitted.
type Rendition struct {
	Data         []byte
	Format       Format
	SourceWidth  int
	SourceHeight int
	Width        int
	Height       int
	Flattened    bool
}

type Transformer interface {
	Transform(ctx context.Context, input []byte, req Request) (Rendition, error)
}

// ValidFilter reports whether the compiled backend can resample with name.
func ValidFilter(name string) bool {
	name = normalizeFilter(name)
	for _, f := range filterNames {
		if f == name {
			return true
		}
	}
	return false
}

func normalizeFilter(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "lanczos"
	}
	return name
}

// targetDimensions scales the longer side to targetSize and rounds the other
// side half away from zero. Sources already within bounds keep their size
// when upscaling is disabled.
func targetDimensions(srcW, srcH, targetSize int, allowUpscale bool) (int, int) {
	long := max(srcW, srcH)
	if !allowUpscale && long <= targetSize {
		return srcW, srcH
	}

	scale := float64(targetSize) / float64(long)
	if srcW >= srcH {
		return targetSize, max(1, int(math.Round(float64(srcH)*scale)))
	}
	return max(1, int(math.Round(float64(srcW)*scale))), targetSize
}

type opaquer interface {
	Opaque() bool
}

// hasAlpha reports whether any pixel of img is not fully opaque.
func hasAlpha(img image.Image) bool {
	if o, ok := img.(opaquer); ok {
		return !o.Opaque()
	}

	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return true
			}
		}
	}
	return false
}

// flatten composites img over an opaque background. The result has no
// transparent pixels as long as bg is opaque.
func flatten(img image.Image, bg color.NRGBA) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// ParseBackground accepts an SVG color name ("black", "white") or #rrggbb.
func ParseBackground(in string) (color.NRGBA, error) {
	in = strings.ToLower(strings.TrimSpace(in))
	if in == "" {
		return color.NRGBA{A: 255}, nil
	}

	if c, ok := colornames.Map[in]; ok {
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}, nil
	}

	hex := strings.TrimPrefix(in, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid background color %q", in)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid background color %q: %w", in, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
