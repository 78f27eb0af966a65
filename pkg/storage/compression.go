package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
)

var errShortBlock = errors.New("block payload truncated")

// EncoderLevel maps the configured compression level (1-4) to a zstd level.
func EncoderLevel(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// NewStreamWriter wraps w in a zstd stream at the given level. Callers
// must Close the writer to flush the final frame.
func NewStreamWriter(w io.Writer, level int) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd stream: %w", err)
	}
	return enc, nil
}

// NewStreamReader opens a zstd stream for reading.
func NewStreamReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open zstd stream: %w", err)
	}
	return dec.IOReadCloser(), nil
}

// Compressor handles data compression for telemetry blocks
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a new compressor
func NewCompressor(level int) (*Compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// CompressBytes compresses an arbitrary payload.
func (c *Compressor) CompressBytes(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// DecompressBytes reverses CompressBytes.
func (c *Compressor) DecompressBytes(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return out, nil
}

// CompressTimestamps compresses millisecond timestamps using varint
// delta-of-delta encoding followed by zstd. Regular sampling collapses to
// runs of zero bytes.
func (c *Compressor) CompressTimestamps(timestamps []int64) ([]byte, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(timestamps)*2)
	buf = binary.AppendVarint(buf, timestamps[0])

	var prevDelta int64
	for i := 1; i < len(timestamps); i++ {
		delta := timestamps[i] - timestamps[i-1]
		buf = binary.AppendVarint(buf, delta-prevDelta)
		prevDelta = delta
	}

	return c.CompressBytes(buf), nil
}

// DecompressTimestamps decompresses timestamps
func (c *Compressor) DecompressTimestamps(data []byte, count int) ([]int64, error) {
	if len(data) == 0 || count == 0 {
		return nil, nil
	}

	raw, err := c.DecompressBytes(data)
	if err != nil {
		return nil, err
	}

	timestamps := make([]int64, count)
	first, n := binary.Varint(raw)
	if n <= 0 {
		return nil, errShortBlock
	}
	timestamps[0] = first
	raw = raw[n:]

	var prevDelta int64
	for i := 1; i < count; i++ {
		dod, n := binary.Varint(raw)
		if n <= 0 {
			return nil, errShortBlock
		}
		raw = raw[n:]

		delta := dod + prevDelta
		timestamps[i] = timestamps[i-1] + delta
		prevDelta = delta
	}

	return timestamps, nil
}

// CompressValues compresses float64 values using XOR encoding + zstd.
// Neighbouring values that share sign, exponent and leading mantissa bits
// XOR to small integers, which the uvarint step keeps short.
func (c *Compressor) CompressValues(values []float64) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(values)*4)
	prevBits := math.Float64bits(values[0])
	buf = binary.LittleEndian.AppendUint64(buf, prevBits)

	for i := 1; i < len(values); i++ {
		bits := math.Float64bits(values[i])
		buf = binary.AppendUvarint(buf, bits^prevBits)
		prevBits = bits
	}

	return c.CompressBytes(buf), nil
}

// DecompressValues decompresses float64 values
func (c *Compressor) DecompressValues(data []byte, count int) ([]float64, error) {
	if len(data) == 0 || count == 0 {
		return nil, nil
	}

	raw, err := c.DecompressBytes(data)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, errShortBlock
	}

	values := make([]float64, count)
	prevBits := binary.LittleEndian.Uint64(raw)
	values[0] = math.Float64frombits(prevBits)
	raw = raw[8:]

	for i := 1; i < count; i++ {
		xor, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, errShortBlock
		}
		raw = raw[n:]

		prevBits ^= xor
		values[i] = math.Float64frombits(prevBits)
	}

	return values, nil
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
