// Package chunker implements the Two-Thresholds-Two-Divisors (TTTD)
// content-defined chunker that is Frost's deduplication primitive: for a
// given byte stream it deterministically produces the same sequence of cut
// points, so identical file content always yields identical chunks
// regardless of the surrounding bytes (insertions/deletions elsewhere in
// the file only perturb the chunks adjacent to the edit).
//
// No rolling-hash library appears anywhere in the retrieved corpus; the
// implementation below is a from-scratch Buzhash (cyclic polynomial hash),
// the standard O(1)-per-byte-update rolling hash used by comparable
// content-defined chunkers, written in the small-self-contained-helper
// idiom the teacher uses for its own binary codecs.
package chunker

import (
	"crypto/sha1" //nolint:gosec // chunk identity, not a security boundary; spec-mandated
	"fmt"
	"io"
)

// Config bounds and tunes the chunker. Sizes are exact byte counts.
type Config struct {
	MinSize int // lower bound on a cut, except for the final chunk of a stream
	MaxSize int // hard upper bound; a cut is forced here if nothing else fired
	// TargetSize biases the primary (T_main) threshold's average interval.
	// Must satisfy MinSize < TargetSize < MaxSize.
	TargetSize int
	// WindowSize is the Buzhash window width in bytes.
	WindowSize int
}

// DefaultConfig returns the chunker tuning used when the CLI does not
// override it: 16 KiB minimum, 128 KiB target, 1 MiB maximum, 48-byte
// rolling window.
func DefaultConfig() Config {
	return Config{
		MinSize:    16 * 1024,
		TargetSize: 128 * 1024,
		MaxSize:    1024 * 1024,
		WindowSize: 48,
	}
}

func (c Config) validate() error {
	if c.MinSize <= 0 || c.TargetSize <= c.MinSize || c.MaxSize <= c.TargetSize {
		return fmt.Errorf("chunker: invalid size bounds min=%d target=%d max=%d", c.MinSize, c.TargetSize, c.MaxSize)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("chunker: invalid window size %d", c.WindowSize)
	}
	return nil
}

// mainMask/backupMask pick the number of trailing zero bits a Buzhash value
// must have to count as a T_main / T_backup match. T_main is the rarer
// (more selective) threshold, biased toward TargetSize; T_backup is looser
// so it is very likely to have fired at least once before MaxSize even when
// T_main never does.
func (c Config) mainMask() uint32 {
	return mask(c.TargetSize)
}

func (c Config) backupMask() uint32 {
	return mask(c.TargetSize / 2)
}

func mask(target int) uint32 {
	bits := 0
	for (1 << bits) < target {
		bits++
	}
	if bits == 0 {
		return 0
	}
	return (uint32(1) << uint(bits)) - 1
}

// Chunk is one content-defined slice of the input stream.
type Chunk struct {
	Data     []byte
	Size     int
	Checksum [20]byte // SHA-1 of Data
}

// buzTable is a fixed pseudo-random table mapping byte values to 32-bit
// words, generated once at init with a fixed seed so the chunker is
// reproducible across processes and platforms (determinism is the whole
// point: spec.md §8 "Determinism of chunking").
var buzTable [256]uint32

func init() {
	// xorshift32 PRNG seeded with a fixed constant: no crypto/rand here,
	// the table must be identical on every run.
	state := uint32(2463534242)
	next := func() uint32 {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		return state
	}
	for i := range buzTable {
		buzTable[i] = next()
	}
}

func rol(x uint32, n uint) uint32 {
	n &= 31
	return (x << n) | (x >> (32 - n))
}

// Split reads r to completion and invokes emit for every chunk in order.
// emit must not retain the passed-in Chunk.Data slice beyond the call; the
// buffer is reused between invocations.
func Split(r io.Reader, cfg Config, emit func(Chunk) error) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	mainMask := cfg.mainMask()
	backupMask := cfg.backupMask()

	buf := make([]byte, 0, cfg.MaxSize)
	window := make([]byte, cfg.WindowSize)
	reader := &byteReader{r: r}
	var carry []byte // bytes already read that belong to the next chunk

	for {
		buf = append(buf[:0], carry...)
		carry = nil
		var h uint32
		windowFill := 0
		windowPos := 0
		backupCut := -1

		// Replay any carried-over bytes through the window/hash state so
		// the rolling hash reflects actual file content rather than
		// restarting blind at an arbitrary offset.
		for _, b := range buf {
			if windowFill < cfg.WindowSize {
				h = rol(h, 1) ^ buzTable[b]
				window[windowFill] = b
				windowFill++
			} else {
				out := window[windowPos]
				h = rol(h, 1) ^ buzTable[b] ^ rol(buzTable[out], uint(cfg.WindowSize))
				window[windowPos] = b
				windowPos = (windowPos + 1) % cfg.WindowSize
			}
		}

		for {
			b, ok, err := reader.next()
			if err != nil {
				return err
			}
			if !ok {
				// End of stream: flush whatever remains as the final chunk.
				if len(buf) > 0 {
					if err := emitChunk(append([]byte(nil), buf...), emit); err != nil {
						return err
					}
				}
				return nil
			}
			buf = append(buf, b)

			if windowFill < cfg.WindowSize {
				h = rol(h, 1) ^ buzTable[b]
				window[windowFill] = b
				windowFill++
			} else {
				out := window[windowPos]
				h = rol(h, 1) ^ buzTable[b] ^ rol(buzTable[out], uint(cfg.WindowSize))
				window[windowPos] = b
				windowPos = (windowPos + 1) % cfg.WindowSize
			}

			n := len(buf)
			if n < cfg.MinSize {
				continue
			}
			if windowFill < cfg.WindowSize {
				continue // not enough history yet for a meaningful hash
			}

			if n >= cfg.MaxSize {
				break // hard cut
			}
			if h&backupMask == 0 {
				backupCut = n
			}
			if h&mainMask == 0 {
				break // primary cut
			}
		}

		if len(buf) > cfg.MaxSize {
			// shouldn't happen given the break above, but keep the
			// invariant airtight.
			buf = buf[:cfg.MaxSize]
		}
		cut := len(buf)
		if cut >= cfg.MaxSize && backupCut > 0 && backupCut < cut {
			cut = backupCut
		}
		chunkData := append([]byte(nil), buf[:cut]...)
		if err := emitChunk(chunkData, emit); err != nil {
			return err
		}
		if cut < len(buf) {
			carry = append([]byte(nil), buf[cut:]...)
		}
	}
}

func emitChunk(data []byte, emit func(Chunk) error) error {
	sum := sha1.Sum(data) //nolint:gosec // spec-mandated checksum, not a security use
	return emit(Chunk{Data: data, Size: len(data), Checksum: sum})
}

// byteReader adapts an io.Reader to single-byte reads with small internal
// buffering, avoiding the overhead of a raw 1-byte Read call per byte.
type byteReader struct {
	r   io.Reader
	buf [32 * 1024]byte
	pos int
	n   int
}

func (b *byteReader) next() (byte, bool, error) {
	if b.pos >= b.n {
		n, err := b.r.Read(b.buf[:])
		if n == 0 {
			if err == io.EOF {
				return 0, false, nil
			}
			if err != nil {
				return 0, false, err
			}
			return 0, false, nil
		}
		b.n = n
		b.pos = 0
	}
	c := b.buf[b.pos]
	b.pos++
	return c, true, nil
}
