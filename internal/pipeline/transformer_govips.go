//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

var govipsKernels = map[string]vips.Kernel{
	"lanczos":    vips.KernelLanczos3,
	"catmullrom": vips.KernelCubic,
	"mitchell":   vips.KernelMitchell,
	"linear":     vips.KernelLinear,
	"nearest":    vips.KernelNearest,
}

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, req Request) (Rendition, error) {
	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer img.Close()

	if req.Spec.AutoOrient {
		if err := img.AutoRotate(); err != nil {
			return Rendition{}, fmt.Errorf("%w: auto rotate: %v", ErrDecode, err)
		}
	}

	srcW, srcH := img.Width(), img.Height()
	if srcW <= 0 || srcH <= 0 {
		return Rendition{}, fmt.Errorf("%w: source image has invalid dimensions %dx%d", ErrDecode, srcW, srcH)
	}

	kernel, ok := govipsKernels[normalizeFilter(req.Spec.Filter)]
	if !ok {
		return Rendition{}, fmt.Errorf("unknown resample filter %q", req.Spec.Filter)
	}

	width, height := targetDimensions(srcW, srcH, req.Spec.TargetSize, req.Spec.AllowUpscale)
	if width != srcW || height != srcH {
		hscale := float64(width) / float64(srcW)
		vscale := float64(height) / float64(srcH)
		if err := img.ResizeWithVScale(hscale, vscale, kernel); err != nil {
			return Rendition{}, fmt.Errorf("resize image: %w", err)
		}
	}

	out := Rendition{
		SourceWidth:  srcW,
		SourceHeight: srcH,
		Width:        img.Width(),
		Height:       img.Height(),
	}

	if img.HasAlpha() {
		bg := req.Spec.Background
		if err := img.Flatten(&vips.Color{R: bg.R, G: bg.G, B: bg.B}); err != nil {
			return Rendition{}, fmt.Errorf("flatten alpha: %w", err)
		}
		out.Flattened = true
	}

	format, err := FormatForPath(req.Task.OutputPath)
	if err != nil {
		return Rendition{}, err
	}

	data, err := exportGovipsImage(img, format, req.Spec.JPEGQuality)
	if err != nil {
		return Rendition{}, err
	}

	out.Data = data
	out.Format = format
	return out, nil
}

// BMP has no libvips saver; those outputs are rejected in govips builds.
func exportGovipsImage(img *vips.ImageRef, format Format, quality int) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch format.Name {
	case "jpeg":
		params := vips.NewJpegExportParams()
		params.Quality = quality
		data, _, err = img.ExportJpeg(params)
	case "png":
		data, _, err = img.ExportPng(vips.NewPngExportParams())
	case "gif":
		data, _, err = img.ExportGIF(vips.NewGifExportParams())
	case "tiff":
		data, _, err = img.ExportTiff(vips.NewTiffExportParams())
	default:
		return nil, fmt.Errorf("%w: %s is not supported by the govips backend", ErrUnsupportedFormat, format.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncode, format.Name, err)
	}
	return data, nil
}
