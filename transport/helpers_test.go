package transport

import (
	"io"
	"strings"
)

func newReaderCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}
