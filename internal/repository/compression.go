package repository

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Compression identifies the scheme used to store a chunk's payload on disk.
// It occupies the low bits of a pack/index entry's flags field.
type Compression uint16

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
)

func compress(scheme Compression, payload []byte) ([]byte, error) {
	switch scheme {
	case CompressionNone:
		return payload, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("repository: unknown compression scheme %d", scheme)
	}
}

func decompress(scheme Compression, stored []byte) ([]byte, error) {
	switch scheme {
	case CompressionNone:
		return stored, nil
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(stored))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("repository: unknown compression scheme %d", scheme)
	}
}
