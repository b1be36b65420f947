package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/ndarray"
)

// ErrUnknownCompression is returned for an unrecognized envelope tag.
var ErrUnknownCompression = errors.New("unknown compression")

// ErrMalformed is returned when a reply cannot be decoded into a frame.
var ErrMalformed = errors.New("malformed frame payload")

// Compression identifies the algorithm applied to an encoded frame. Tags
// are the first byte of every reply; changing them breaks clients.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// String returns the flag name of c.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name as used on the command line.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// wireArray is an array as it travels: shape, dtype and raw little-endian
// element bytes, so float payloads (NaN bits included) survive exactly.
type wireArray struct {
	Shape []int         `cbor:"shape"`
	DType ndarray.DType `cbor:"dtype"`
	Data  []byte        `cbor:"data"`
}

type wireFrame struct {
	Timestamp   string    `cbor:"timestamp"`
	MeanImage   wireArray `cbor:"mean_image"`
	Momentum    wireArray `cbor:"momentum"`
	Intensities wireArray `cbor:"intensities"`
	Edges       wireArray `cbor:"edges"`
}

func packFloat64(a *ndarray.Float64) wireArray {
	buf := make([]byte, 8*len(a.Data))
	for i, v := range a.Data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return wireArray{Shape: a.Shape, DType: ndarray.Float64DType, Data: buf}
}

func packBool(a *ndarray.Bool) wireArray {
	buf := make([]byte, len(a.Data))
	for i, v := range a.Data {
		if v {
			buf[i] = 1
		}
	}
	return wireArray{Shape: a.Shape, DType: ndarray.BoolDType, Data: buf}
}

func (w wireArray) float64s(name string) (*ndarray.Float64, error) {
	if w.DType != ndarray.Float64DType {
		return nil, fmt.Errorf("%w: %s has dtype %q, want float64", ErrMalformed, name, w.DType)
	}
	if len(w.Data) != 8*ndarray.Size(w.Shape) {
		return nil, fmt.Errorf("%w: %s has %d bytes for shape %v", ErrMalformed, name, len(w.Data), w.Shape)
	}
	data := make([]float64, len(w.Data)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(w.Data[8*i:]))
	}
	a, err := ndarray.FromFloat64(data, w.Shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return a, nil
}

func (w wireArray) bools(name string) (*ndarray.Bool, error) {
	if w.DType != ndarray.BoolDType {
		return nil, fmt.Errorf("%w: %s has dtype %q, want bool", ErrMalformed, name, w.DType)
	}
	data := make([]bool, len(w.Data))
	for i, b := range w.Data {
		data[i] = b != 0
	}
	a, err := ndarray.FromBool(data, w.Shape...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return a, nil
}

// EncodeFrame serializes f and compresses it with c. When compression
// would not shrink the payload the frame is sent uncompressed.
func EncodeFrame(f *models.ProcessedFrame, c Compression) ([]byte, error) {
	if f == nil || f.MeanImage == nil || f.Momentum == nil || f.Intensities == nil || f.Edges == nil {
		return nil, fmt.Errorf("encode frame: incomplete processed frame")
	}
	body, err := Marshal(wireFrame{
		Timestamp:   f.Timestamp,
		MeanImage:   packFloat64(f.MeanImage),
		Momentum:    packFloat64(f.Momentum),
		Intensities: packFloat64(f.Intensities),
		Edges:       packBool(f.Edges),
	})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	payload, err := compress(body, c)
	if errors.Is(err, errIncompressible) {
		c, payload = CompressionNone, body
	} else if err != nil {
		return nil, err
	}

	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(c)
	out = binary.AppendUvarint(out, uint64(len(body)))
	return append(out, payload...), nil
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(data []byte) (*models.ProcessedFrame, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d byte reply", ErrMalformed, len(data))
	}
	c := Compression(data[0])
	size, n := binary.Uvarint(data[1:])
	if n <= 0 || size > math.MaxInt32 {
		return nil, fmt.Errorf("%w: bad length prefix", ErrMalformed)
	}
	body, err := decompress(data[1+n:], c, int(size))
	if err != nil {
		return nil, err
	}

	var w wireFrame
	if err := Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	f := &models.ProcessedFrame{Timestamp: w.Timestamp}
	if f.MeanImage, err = w.MeanImage.float64s("mean_image"); err != nil {
		return nil, err
	}
	if f.Momentum, err = w.Momentum.float64s("momentum"); err != nil {
		return nil, err
	}
	if f.Intensities, err = w.Intensities.float64s("intensities"); err != nil {
		return nil, err
	}
	if f.Edges, err = w.Edges.bools("edges"); err != nil {
		return nil, err
	}
	return f, nil
}

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CompressionZstd:
		out := zstdEncoder.EncodeAll(data, nil)
		if len(out) >= len(data) {
			return nil, errIncompressible
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCompression, uint8(c))
	}
}

func decompress(data []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrMalformed, len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrMalformed, n, size)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrMalformed, len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownCompression, uint8(c))
	}
}
