package multichunk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Kind identifies one of the three compressors a multichunk may declare.
// This is a closed set (spec.md §4.3): no plugin mechanism, no custom
// compressor registration.
type Kind uint8

const (
	// None stores the plaintext blob uncompressed.
	None Kind = iota
	// Zlib is github.com/klauspost/compress/zlib at its default level: the
	// fast, low-ratio option.
	Zlib
	// BSC stands in for the original block-sorting compressor named in the
	// spec; no Go binding for it exists anywhere in the retrieved corpus or
	// the wider ecosystem, so this is github.com/klauspost/compress/zstd at
	// its best-compression level, the closest available high-ratio,
	// CPU-heavier alternative to Zlib. The substitution is named, not
	// silent: callers that need interoperability with the original format
	// cannot assume BSC-tagged multichunks are bit-compatible with it.
	BSC
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case BSC:
		return "bsc"
	default:
		return "unknown"
	}
}

// Compress compresses data under the named kind.
func Compress(kind Kind, data []byte) ([]byte, error) {
	switch kind {
	case None:
		return data, nil
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("multichunk: zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("multichunk: zlib compress: %w", err)
		}
		return buf.Bytes(), nil
	case BSC:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, fmt.Errorf("multichunk: zstd compress: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("multichunk: unknown compressor kind %d", kind)
	}
}

// Decompress reverses Compress.
func Decompress(kind Kind, data []byte) ([]byte, error) {
	switch kind {
	case None:
		return data, nil
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("multichunk: zlib decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("multichunk: zlib decompress: %w", err)
		}
		return out, nil
	case BSC:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("multichunk: zstd decompress: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("multichunk: zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("multichunk: unknown compressor kind %d", kind)
	}
}
