// Package edges implements the edge-detection collaborator: optional
// Gaussian pre-smoothing, Sobel gradient magnitude and hysteresis
// thresholding on one 2-D pulse image at a time.
package edges

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pulsepipe/pkg/ndarray"
)

// RecordKey is the shared store key reserved for edge-detection fields.
const RecordKey = "edge_detection"

// Field names of the edge record.
const (
	FieldSigma = "sigma"
	FieldLow   = "low_threshold"
	FieldHigh  = "high_threshold"
)

// ErrInvalidConfig is wrapped by every edge configuration failure.
var ErrInvalidConfig = errors.New("invalid edge configuration")

// Config tunes the detector. Thresholds apply to the gradient magnitude
// normalized to [0, 1].
type Config struct {
	// Sigma is the Gaussian pre-smoothing width in pixels; 0 disables smoothing
	Sigma float64 `yaml:"sigma"`

	// LowThreshold keeps weak edges connected to strong ones
	LowThreshold float64 `yaml:"lowThreshold"`

	// HighThreshold marks strong edges
	HighThreshold float64 `yaml:"highThreshold"`
}

// DefaultConfig returns the compiled-in edge parameters.
func DefaultConfig() Config {
	return Config{Sigma: 1.0, LowThreshold: 0.1, HighThreshold: 0.2}
}

// Validate checks 0 <= low <= high <= 1 and sigma >= 0.
func (c Config) Validate() error {
	switch {
	case !(c.Sigma >= 0):
		return fmt.Errorf("%w: sigma must be >= 0, got %v", ErrInvalidConfig, c.Sigma)
	case !(c.LowThreshold >= 0 && c.LowThreshold <= c.HighThreshold && c.HighThreshold <= 1):
		return fmt.Errorf("%w: want 0 <= low <= high <= 1, got (%v, %v)", ErrInvalidConfig, c.LowThreshold, c.HighThreshold)
	}
	return nil
}

// ParseFields overlays a store record on base and validates the result.
func ParseFields(fields map[string]string, base Config) (Config, error) {
	c := base
	for name, dst := range map[string]*float64{
		FieldSigma: &c.Sigma,
		FieldLow:   &c.LowThreshold,
		FieldHigh:  &c.HighThreshold,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return base, fmt.Errorf("%w: field %s=%q: %v", ErrInvalidConfig, name, raw, err)
		}
		*dst = v
	}
	if err := c.Validate(); err != nil {
		return base, err
	}
	return c, nil
}

// Fields encodes c as a store record.
func (c Config) Fields() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		FieldSigma: f(c.Sigma),
		FieldLow:   f(c.LowThreshold),
		FieldHigh:  f(c.HighThreshold),
	}
}

// Detector produces a boolean edge map for a 2-D image. Implementations
// must be safe for concurrent use.
type Detector interface {
	Detect(image *ndarray.Float64) (*ndarray.Bool, error)
}

// Canny is a Sobel + hysteresis detector.
type Canny struct {
	cfg    Config
	kernel []float64
}

// NewCanny validates cfg and builds the smoothing kernel.
func NewCanny(cfg Config) (*Canny, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Canny{cfg: cfg, kernel: gaussianKernel(cfg.Sigma)}, nil
}

// Detect implements Detector. NaN pixels count as zero.
func (c *Canny) Detect(image *ndarray.Float64) (*ndarray.Bool, error) {
	if image == nil || image.Dims() != 2 {
		return nil, fmt.Errorf("detect edges: image must be 2-D")
	}
	h, w := image.Shape[0], image.Shape[1]
	out := ndarray.NewBool(h, w)
	if h < 3 || w < 3 {
		return out, nil
	}

	data := make([]float64, h*w)
	for i, v := range image.Data {
		if !math.IsNaN(v) {
			data[i] = v
		}
	}
	src := mat.NewDense(h, w, data)
	if len(c.kernel) > 1 {
		src = convolveSeparable(src, c.kernel)
	}

	mag := sobelMagnitude(src)
	raw := mag.RawMatrix().Data
	peak := floats.Max(raw)
	if peak == 0 || math.IsInf(peak, 0) || math.IsNaN(peak) {
		return out, nil
	}
	floats.Scale(1/peak, raw)

	hysteresis(raw, h, w, c.cfg.LowThreshold, c.cfg.HighThreshold, out.Data)
	return out, nil
}

func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(math.Ceil(3 * sigma))
	k := make([]float64, 2*radius+1)
	for i := range k {
		x := float64(i - radius)
		k[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(k), k)
	return k
}

// convolveSeparable applies k along rows then columns, clamping at borders.
func convolveSeparable(src *mat.Dense, k []float64) *mat.Dense {
	h, w := src.Dims()
	r := len(k) / 2
	tmp := mat.NewDense(h, w, nil)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range k {
				s += kv * src.At(y, clamp(x+i-r, w))
			}
			tmp.Set(y, x, s)
		}
	}
	dst := mat.NewDense(h, w, nil)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for i, kv := range k {
				s += kv * tmp.At(clamp(y+i-r, h), x)
			}
			dst.Set(y, x, s)
		}
	}
	return dst
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func sobelMagnitude(src *mat.Dense) *mat.Dense {
	h, w := src.Dims()
	mag := mat.NewDense(h, w, nil)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx := src.At(y-1, x+1) + 2*src.At(y, x+1) + src.At(y+1, x+1) -
				src.At(y-1, x-1) - 2*src.At(y, x-1) - src.At(y+1, x-1)
			gy := src.At(y+1, x-1) + 2*src.At(y+1, x) + src.At(y+1, x+1) -
				src.At(y-1, x-1) - 2*src.At(y-1, x) - src.At(y-1, x+1)
			mag.Set(y, x, math.Hypot(gx, gy))
		}
	}
	return mag
}

// hysteresis marks pixels >= high and every pixel >= low 8-connected to one.
func hysteresis(mag []float64, h, w int, low, high float64, out []bool) {
	stack := make([]int, 0, 64)
	for i, v := range mag {
		if v >= high && !out[i] {
			out[i] = true
			stack = append(stack, i)
		}
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		y, x := i/w, i%w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				ny, nx := y+dy, x+dx
				if ny < 0 || ny >= h || nx < 0 || nx >= w {
					continue
				}
				j := ny*w + nx
				if !out[j] && mag[j] >= low {
					out[j] = true
					stack = append(stack, j)
				}
			}
		}
	}
}
