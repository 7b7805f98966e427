package batch

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// deflate compresses a batch payload with DEFLATE.
func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("batch: create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("batch: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("batch: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate reverses deflate for senders that need the original payload back.
func Inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("batch: decompress: %w", err)
	}
	return out, nil
}
