package pipeline

import (
	"fmt"
	"image"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Format is an encoder registered for one or more output extensions.
// Lossy formats are the only ones that receive a quality setting.
type Format struct {
	Name        string
	ContentType string
	Lossy       bool
	encode      func(w io.Writer, img image.Image, quality int) error
}

func (f Format) Encode(w io.Writer, img image.Image, quality int) error {
	if f.encode == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Name)
	}
	if !f.Lossy {
		quality = 0
	}
	if err := f.encode(w, img, quality); err != nil {
		return fmt.Errorf("encode %s: %w", f.Name, err)
	}
	return nil
}

var (
	jpegFormat = Format{
		Name:        "jpeg",
		ContentType: "image/jpeg",
		Lossy:       true,
		encode: func(w io.Writer, img image.Image, quality int) error {
			return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
		},
	}
	pngFormat = Format{
		Name:        "png",
		ContentType: "image/png",
		encode: func(w io.Writer, img image.Image, _ int) error {
			return imaging.Encode(w, img, imaging.PNG)
		},
	}
	gifFormat = Format{
		Name:        "gif",
		ContentType: "image/gif",
		encode: func(w io.Writer, img image.Image, _ int) error {
			return imaging.Encode(w, img, imaging.GIF)
		},
	}
	bmpFormat = Format{
		Name:        "bmp",
		ContentType: "image/bmp",
		encode: func(w io.Writer, img image.Image, _ int) error {
			return bmp.Encode(w, img)
		},
	}
	tiffFormat = Format{
		Name:        "tiff",
		ContentType: "image/tiff",
		encode: func(w io.Writer, img image.Image, _ int) error {
			return tiff.Encode(w, img, nil)
		},
	}
)

// Decoding is wider than encoding: webp is read-only here.
var encoders = map[string]Format{
	".jpg":  jpegFormat,
	".jpeg": jpegFormat,
	".png":  pngFormat,
	".gif":  gifFormat,
	".bmp":  bmpFormat,
	".tif":  tiffFormat,
	".tiff": tiffFormat,
}

// FormatForPath resolves the encoder from the extension of path, ignoring case.
func FormatForPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return Format{}, fmt.Errorf("%w: %s has no extension", ErrUnsupportedFormat, filepath.Base(path))
	}
	f, ok := encoders[ext]
	if !ok {
		return Format{}, fmt.Errorf("%w: no encoder for %q (writable: %s)", ErrUnsupportedFormat, ext, strings.Join(WritableExtensions(), " "))
	}
	return f, nil
}

// WritableExtensions lists every extension with a registered encoder.
func WritableExtensions() []string {
	out := make([]string, 0, len(encoders))
	for ext := range encoders {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}
