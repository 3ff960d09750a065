package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

var imagingFilters = map[string]imaging.ResampleFilter{
	"lanczos":    imaging.Lanczos,
	"catmullrom": imaging.CatmullRom,
	"mitchell":   imaging.MitchellNetravali,
	"linear":     imaging.Linear,
	"box":        imaging.Box,
	"nearest":    imaging.NearestNeighbor,
}

type imagingTransformer struct{}

func (t imagingTransformer) Transform(ctx context.Context, input []byte, req Request) (Rendition, error) {
	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	default:
	}

	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(req.Spec.AutoOrient))
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	srcBounds := src.Bounds()
	srcW, srcH := srcBounds.Dx(), srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return Rendition{}, fmt.Errorf("%w: source image has invalid dimensions %dx%d", ErrDecode, srcW, srcH)
	}

	filter, ok := imagingFilters[normalizeFilter(req.Spec.Filter)]
	if !ok {
		return Rendition{}, fmt.Errorf("unknown resample filter %q", req.Spec.Filter)
	}

	width, height := targetDimensions(srcW, srcH, req.Spec.TargetSize, req.Spec.AllowUpscale)
	resized := imaging.Resize(src, width, height, filter)

	select {
	case <-ctx.Done():
		return Rendition{}, ctx.Err()
	default:
	}

	out := Rendition{
		SourceWidth:  srcW,
		SourceHeight: srcH,
		Width:        width,
		Height:       height,
	}

	var final image.Image = resized
	if hasAlpha(src) {
		final = flatten(resized, req.Spec.Background)
		out.Flattened = true
	}

	format, err := FormatForPath(req.Task.OutputPath)
	if err != nil {
		return Rendition{}, err
	}

	var buf bytes.Buffer
	if err := format.Encode(&buf, final, req.Spec.JPEGQuality); err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return Rendition{}, err
		}
		return Rendition{}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	out.Data = buf.Bytes()
	out.Format = format
	return out, nil
}
