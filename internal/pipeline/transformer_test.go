package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/dunamismax/thumbnailer/internal/domain"
)

func TestTargetDimensions(t *testing.T) {
	tests := []struct {
		name         string
		srcW, srcH   int
		size         int
		upscale      bool
		wantW, wantH int
	}{
		{name: "landscape", srcW: 800, srcH: 600, size: 150, upscale: true, wantW: 150, wantH: 113},
		{name: "portrait", srcW: 600, srcH: 800, size: 150, upscale: true, wantW: 113, wantH: 150},
		{name: "square upscale", srcW: 50, srcH: 50, size: 150, upscale: true, wantW: 150, wantH: 150},
		{name: "square no upscale", srcW: 50, srcH: 50, size: 150, upscale: false, wantW: 50, wantH: 50},
		{name: "exact fit no upscale", srcW: 150, srcH: 100, size: 150, upscale: false, wantW: 150, wantH: 100},
		{name: "large no upscale still shrinks", srcW: 1000, srcH: 20, size: 150, upscale: false, wantW: 150, wantH: 3},
		{name: "thin strip keeps one pixel", srcW: 5000, srcH: 1, size: 150, upscale: true, wantW: 150, wantH: 1},
		{name: "half rounds up", srcW: 300, srcH: 101, size: 150, upscale: true, wantW: 150, wantH: 51},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := targetDimensions(tt.srcW, tt.srcH, tt.size, tt.upscale)
			if w != tt.wantW || h != tt.wantH {
				t.Fatalf("expected %dx%d, got %dx%d", tt.wantW, tt.wantH, w, h)
			}
		})
	}
}

func TestHasAlpha(t *testing.T) {
	opaque := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			opaque.SetRGBA(x, y, color.RGBA{R: 10, A: 255})
		}
	}
	if hasAlpha(opaque) {
		t.Fatal("fully opaque image reported alpha")
	}

	translucent := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	translucent.SetNRGBA(1, 1, color.NRGBA{R: 10, A: 128})
	if !hasAlpha(translucent) {
		t.Fatal("translucent image reported opaque")
	}

	if hasAlpha(image.NewGray(image.Rect(0, 0, 2, 2))) {
		t.Fatal("gray image reported alpha")
	}

	paletted := image.NewPaletted(image.Rect(0, 0, 2, 2), color.Palette{color.Transparent, color.Black})
	if !hasAlpha(paletted) {
		t.Fatal("paletted image with transparent index reported opaque")
	}
}

func TestFlattenProducesOpaquePixels(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 1))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 0})
	src.SetNRGBA(1, 0, color.NRGBA{R: 255, A: 128})
	src.SetNRGBA(2, 0, color.NRGBA{R: 255, A: 255})

	out := flatten(src, color.NRGBA{G: 255, A: 255})
	if !out.Opaque() {
		t.Fatal("flattened image is not opaque")
	}
	if got := out.RGBAAt(0, 0); got != (color.RGBA{G: 255, A: 255}) {
		t.Fatalf("transparent pixel should show background, got %+v", got)
	}
	if got := out.RGBAAt(2, 0); got != (color.RGBA{R: 255, A: 255}) {
		t.Fatalf("opaque pixel should be unchanged, got %+v", got)
	}
	if got := out.RGBAAt(1, 0); got.R < 120 || got.G < 120 {
		t.Fatalf("half transparent pixel should blend, got %+v", got)
	}
}

func TestParseBackground(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
	}{
		{in: "", want: color.NRGBA{A: 255}},
		{in: "black", want: color.NRGBA{A: 255}},
		{in: "White", want: color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{in: "#ff8000", want: color.NRGBA{R: 255, G: 128, A: 255}},
		{in: "#0f0", want: color.NRGBA{G: 255, A: 255}},
		{in: "102030", want: color.NRGBA{R: 0x10, G: 0x20, B: 0x30, A: 255}},
	}
	for _, tt := range tests {
		got, err := ParseBackground(tt.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("parse %q: expected %+v, got %+v", tt.in, tt.want, got)
		}
	}

	for _, bad := range []string{"#12", "notacolor", "#gggggg"} {
		if _, err := ParseBackground(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestValidFilter(t *testing.T) {
	for _, name := range []string{"", "lanczos", "Lanczos", "linear", "nearest"} {
		if !ValidFilter(name) {
			t.Fatalf("expected %q to be valid", name)
		}
	}
	if ValidFilter("bicubic-ish") {
		t.Fatal("unexpected filter accepted")
	}
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]string{
		"a.jpg":     "jpeg",
		"a.JPEG":    "jpeg",
		"dir/a.Png": "png",
		"a.gif":     "gif",
		"a.bmp":     "bmp",
		"a.tif":     "tiff",
		"a.TIFF":    "tiff",
	}
	for path, want := range tests {
		f, err := FormatForPath(path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if f.Name != want {
			t.Fatalf("%s: expected %s, got %s", path, want, f.Name)
		}
	}

	for _, path := range []string{"a.webp", "README", "a.txt"} {
		if _, err := FormatForPath(path); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("%s: expected ErrUnsupportedFormat, got %v", path, err)
		}
	}

	want := []string{".bmp", ".gif", ".jpeg", ".jpg", ".png", ".tif", ".tiff"}
	if got := WritableExtensions(); !slices.Equal(got, want) {
		t.Fatalf("unexpected writable extensions %v", got)
	}
}

func TestLosslessFormatIgnoresQuality(t *testing.T) {
	img := gradient(32, 32)

	var low, high bytes.Buffer
	if err := pngFormat.Encode(&low, img, 5); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := pngFormat.Encode(&high, img, 100); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(low.Bytes(), high.Bytes()) {
		t.Fatal("png output changed with quality")
	}

	low.Reset()
	high.Reset()
	if err := jpegFormat.Encode(&low, img, 5); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := jpegFormat.Encode(&high, img, 100); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if low.Len() >= high.Len() {
		t.Fatalf("expected quality to shrink jpeg output, got %d >= %d", low.Len(), high.Len())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want domain.FailureKind
	}{
		{err: nil, want: domain.FailureNone},
		{err: ErrDecode, want: domain.FailureDecode},
		{err: ErrUnsupportedFormat, want: domain.FailureUnsupportedFormat},
		{err: ErrEncode, want: domain.FailureWrite},
		{err: ErrWrite, want: domain.FailureWrite},
		{err: context.Canceled, want: domain.FailureCanceled},
		{err: context.DeadlineExceeded, want: domain.FailureCanceled},
		{err: errors.New("boom"), want: domain.FailureUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("classify %v: expected %q, got %q", tt.err, tt.want, got)
		}
	}
}

func TestWriteFileAtomicReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thumb.png")

	if err := writeFileAtomic(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := writeFileAtomic(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected replaced content, got %q", data)
	}
	assertNoTempFiles(t, dir)
}

func TestWriteFileAtomicCleansUpOnFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory in the way makes the final rename fail.
	path := filepath.Join(dir, "thumb.png")
	if err := os.MkdirAll(filepath.Join(path, "child"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := writeFileAtomic(path, []byte("data"), 0o644); err == nil {
		t.Fatal("expected rename over a directory to fail")
	}
	assertNoTempFiles(t, dir)
}

func TestIsTempFile(t *testing.T) {
	if !IsTempFile("/out/.photo.png.12345.tmp") {
		t.Fatal("expected temp file to be recognized")
	}
	for _, name := range []string{"photo.png", ".hidden.png", "x.tmp"} {
		if IsTempFile(name) {
			t.Fatalf("%s wrongly recognized as temp file", name)
		}
	}
}

func TestMirrorEmitterUploadsAfterLocalWrite(t *testing.T) {
	dir := t.TempDir()
	store := &recordingStore{}
	emitter := MirrorEmitter{Local: LocalFileEmitter{}, Storage: store, OutputPrefix: "/thumbs/"}

	req := Request{
		RunID: "run-1",
		Task:  domain.FileTask{InputPath: "in/photo.png", OutputPath: filepath.Join(dir, "photo.png")},
		Spec:  domain.DefaultTargetSpec(),
	}
	r := Rendition{Data: []byte("png-bytes"), Format: pngFormat, Width: 10, Height: 5}

	info, err := emitter.Emit(context.Background(), req, r)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if info.ObjectKey != "thumbs/run-1/photo.png" {
		t.Fatalf("unexpected object key %q", info.ObjectKey)
	}
	if store.key != info.ObjectKey || store.contentType != "image/png" || string(store.data) != "png-bytes" {
		t.Fatalf("unexpected upload %+v", store)
	}
	if _, err := os.Stat(req.Task.OutputPath); err != nil {
		t.Fatalf("expected local file: %v", err)
	}
}

func TestMirrorEmitterUploadFailureIsWriteError(t *testing.T) {
	dir := t.TempDir()
	emitter := MirrorEmitter{Local: LocalFileEmitter{}, Storage: &recordingStore{err: errors.New("bucket gone")}}

	req := Request{
		RunID: "run-1",
		Task:  domain.FileTask{InputPath: "in/photo.png", OutputPath: filepath.Join(dir, "photo.png")},
	}
	_, err := emitter.Emit(context.Background(), req, Rendition{Data: []byte("x"), Format: pngFormat})
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("expected ErrWrite, got %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey("", "run 7/x", `C:\out\a.jpg`); got != "thumbnails/run_7_x/a.jpg" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := ObjectKey("p", "", "a.png"); got != "p/unknown/a.png" {
		t.Fatalf("unexpected key %q", got)
	}
}

type recordingStore struct {
	key         string
	data        []byte
	contentType string
	err         error
}

func (s *recordingStore) WriteObject(_ context.Context, key string, data []byte, contentType string) error {
	if s.err != nil {
		return s.err
	}
	s.key = key
	s.data = append([]byte(nil), data...)
	s.contentType = contentType
	return nil
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if IsTempFile(e.Name()) || strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
