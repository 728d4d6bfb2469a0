// Package chunking splits file contents into content-addressed chunks.
//
// Small files are split with a gear-hash content-defined chunker so that
// inserting or deleting bytes near the front of a file only perturbs the
// chunk boundaries nearby, preserving dedup across edits. Large files are
// split into fixed-size blocks, which is cheaper and sufficiently stable for
// payloads that are typically rewritten wholesale.
package chunking

import (
	"bufio"
	"io"

	"lukechampine.com/blake3"
)

// Config holds the tunable boundaries for both chunking modes. Zero-value
// fields are replaced with DefaultConfig's values by New.
type Config struct {
	// SmallFileThreshold selects CDC (<=) versus fixed-size (>) chunking.
	SmallFileThreshold int64
	// FixedBlockSize is the block size used for large-file fixed chunking.
	FixedBlockSize int

	// Window is the gear-hash rolling window width in bytes.
	Window int
	// MinSize is the minimum chunk size the CDC chunker will emit, other
	// than a final short chunk at end-of-input.
	MinSize int
	// AvgSize is the target average chunk size. Must be a power of two; it
	// is used as a mask against the rolling hash.
	AvgSize int
	// MaxSize is the hard ceiling on CDC chunk size.
	MaxSize int
}

// DefaultConfig matches the reference chunker's tuning.
func DefaultConfig() Config {
	return Config{
		SmallFileThreshold: 4 << 20,
		FixedBlockSize:     4 << 20,
		Window:             48,
		MinSize:            8 << 10,
		AvgSize:            32 << 10,
		MaxSize:            64 << 10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SmallFileThreshold == 0 {
		c.SmallFileThreshold = d.SmallFileThreshold
	}
	if c.FixedBlockSize == 0 {
		c.FixedBlockSize = d.FixedBlockSize
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.MinSize == 0 {
		c.MinSize = d.MinSize
	}
	if c.AvgSize == 0 {
		c.AvgSize = d.AvgSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = d.MaxSize
	}
	return c
}

// Chunk is one piece of a split file: its payload and content hash.
type Chunk struct {
	Payload []byte
	Hash    [32]byte
}

// Chunker splits whole files into an ordered list of chunks.
type Chunker struct {
	cfg Config
}

// New constructs a Chunker. Zero-value fields in cfg fall back to
// DefaultConfig.
func New(cfg Config) *Chunker {
	return &Chunker{cfg: cfg.withDefaults()}
}

// Split reads all of r and returns its chunks in order. size is the caller's
// best-known length of r (e.g. from os.Stat); it only selects which chunking
// mode runs; it is not otherwise validated against bytes actually read.
//
// An empty input produces exactly one zero-length chunk, matching the
// boundary case the pack store relies on for empty files.
func (c *Chunker) Split(r io.Reader, size int64) ([]Chunk, error) {
	if size > c.cfg.SmallFileThreshold {
		return c.splitFixed(r)
	}
	return c.splitCDC(r)
}

func hashOf(payload []byte) [32]byte {
	return blake3.Sum256(payload)
}

func (c *Chunker) splitFixed(r io.Reader) ([]Chunk, error) {
	br := bufio.NewReaderSize(r, c.cfg.FixedBlockSize)
	var chunks []Chunk
	buf := make([]byte, c.cfg.FixedBlockSize)
	for {
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			chunks = append(chunks, Chunk{Payload: payload, Hash: hashOf(payload)})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(chunks) == 0 {
		chunks = append(chunks, Chunk{Payload: []byte{}, Hash: hashOf(nil)})
	}
	return chunks, nil
}

// splitCDC implements gear-hash content-defined chunking. A boundary is cut
// when the chunk is within [min, max) and the low bits of the rolling hash
// are zero under the avg-size mask, or forced at max.
func (c *Chunker) splitCDC(r io.Reader) ([]Chunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []Chunk{{Payload: []byte{}, Hash: hashOf(nil)}}, nil
	}

	mask := uint64(c.cfg.AvgSize - 1)
	min := c.cfg.MinSize
	max := c.cfg.MaxSize

	var chunks []Chunk
	start := 0
	var hash uint64
	for i := 0; i < len(data); i++ {
		hash = (hash << 1) + gearTable[data[i]]
		sinceStart := i - start + 1
		cut := false
		if sinceStart >= max {
			cut = true
		} else if sinceStart >= min && (hash&mask) == 0 {
			cut = true
		}
		if cut {
			payload := data[start : i+1]
			chunks = append(chunks, Chunk{Payload: payload, Hash: hashOf(payload)})
			start = i + 1
			hash = 0
		}
	}
	if start < len(data) {
		payload := data[start:]
		chunks = append(chunks, Chunk{Payload: payload, Hash: hashOf(payload)})
	}
	return chunks, nil
}
