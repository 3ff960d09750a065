//go:build !govips || !cgo

package pipeline

// Backend names the transformer compiled into this binary.
const Backend = "imaging"

var filterNames = []string{"lanczos", "catmullrom", "mitchell", "linear", "box", "nearest"}

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return imagingTransformer{}, nil
}
