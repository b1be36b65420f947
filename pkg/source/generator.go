package source

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/ndarray"
)

// Generator synthesizes one raw frame per call. Implementations are called
// from a single goroutine.
type Generator interface {
	Generate(seq uint64) (*models.RawFrame, error)
}

// Shape is the (pulse, height, width) shape of generated frames.
type Shape struct {
	Pulses int
	Height int
	Width  int
}

// Validate checks that every dimension is positive.
func (s Shape) Validate() error {
	if s.Pulses <= 0 || s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("frame shape must be positive, got %dx%dx%d", s.Pulses, s.Height, s.Width)
	}
	return nil
}

// Pattern selects what a PatternGenerator draws.
type Pattern string

const (
	// PatternRings draws concentric Debye rings around the image center
	PatternRings Pattern = "rings"

	// PatternSquares draws a filled square rotated by a random angle
	PatternSquares Pattern = "squares"

	// PatternMixed picks rings or squares at random for every frame
	PatternMixed Pattern = "mixed"
)

// ParsePattern accepts a Pattern name; the empty string means rings.
func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(s); p {
	case "":
		return PatternRings, nil
	case PatternRings, PatternSquares, PatternMixed:
		return p, nil
	}
	return "", fmt.Errorf("unknown pattern %q (rings, squares or mixed)", s)
}

// Square patterns are drawn on the ring background level plus this
// amplitude, rotated by [minSquareAngle, maxSquareAngle) degrees.
const (
	squareAmplitude = 400
	minSquareAngle  = 10
	maxSquareAngle  = 45
)

// PatternGenerator produces powder-diffraction-like frames with per-pulse
// amplitude jitter and Gaussian noise.
type PatternGenerator struct {
	shape Shape

	// Pattern is what to draw; the zero value draws rings
	Pattern Pattern

	// DeadPixelFraction of pixels is set to NaN in every pulse
	DeadPixelFraction float64

	// Now supplies frame timestamps
	Now func() time.Time

	mu   sync.Mutex
	rng  *rand.Rand
	base []float64
}

// NewPatternGenerator precomputes the ring pattern for shape.
func NewPatternGenerator(shape Shape, seed uint64) (*PatternGenerator, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	g := &PatternGenerator{
		shape: shape,
		Now:   time.Now,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		base:  make([]float64, shape.Height*shape.Width),
	}

	cy, cx := float64(shape.Height)/2, float64(shape.Width)/2
	maxR := math.Hypot(cx, cy)
	rings := []struct{ r, width, amp float64 }{
		{0.25, 0.02, 400},
		{0.45, 0.015, 250},
		{0.70, 0.025, 150},
	}
	for y := 0; y < shape.Height; y++ {
		for x := 0; x < shape.Width; x++ {
			r := math.Hypot(float64(x)-cx, float64(y)-cy) / maxR
			v := 50 * math.Exp(-r*3)
			for _, ring := range rings {
				d := (r - ring.r) / ring.width
				v += ring.amp * math.Exp(-d*d/2)
			}
			g.base[y*shape.Width+x] = v
		}
	}
	return g, nil
}

// Shape returns the generated frame shape.
func (g *PatternGenerator) Shape() Shape { return g.shape }

// Generate implements Generator.
func (g *PatternGenerator) Generate(seq uint64) (*models.RawFrame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	base, pattern := g.base, PatternRings
	if g.Pattern == PatternSquares || (g.Pattern == PatternMixed && g.rng.IntN(2) == 1) {
		base, pattern = g.square(), PatternSquares
	}

	img := ndarray.NewFloat64(g.shape.Pulses, g.shape.Height, g.shape.Width)
	n := len(base)
	for p := 0; p < g.shape.Pulses; p++ {
		gain := 1 + 0.1*g.rng.NormFloat64()
		pulse := img.Data[p*n : (p+1)*n]
		for i, v := range base {
			pulse[i] = v*gain + 5*g.rng.NormFloat64()
		}
	}
	if g.DeadPixelFraction > 0 {
		dead := int(g.DeadPixelFraction * float64(n))
		for k := 0; k < dead; k++ {
			i := g.rng.IntN(n)
			for p := 0; p < g.shape.Pulses; p++ {
				img.Data[p*n+i] = math.NaN()
			}
		}
	}

	return &models.RawFrame{
		Metadata: map[string]string{
			models.TimestampKey: g.Now().UTC().Format(time.RFC3339Nano),
			models.FrameIDKey:   strconv.FormatUint(seq, 10),
			models.PatternKey:   string(pattern),
		},
		Image: img,
	}, nil
}

// square draws a centered square with a random inset, rotated about the
// image center. Caller holds g.mu.
func (g *PatternGenerator) square() []float64 {
	h, w := g.shape.Height, g.shape.Width
	out := make([]float64, h*w)

	// inset of up to a quarter of the short side keeps the square visible
	inset := g.rng.IntN(max(min(h, w)/4, 1))
	halfY, halfX := float64(h)/2-float64(inset), float64(w)/2-float64(inset)
	theta := float64(minSquareAngle+g.rng.IntN(maxSquareAngle-minSquareAngle)) * math.Pi / 180
	sin, cos := math.Sincos(theta)

	cy, cx := float64(h)/2, float64(w)/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			// rotate the sample point back into the square's frame
			rx, ry := dx*cos+dy*sin, -dx*sin+dy*cos
			v := 50.0
			if math.Abs(rx) < halfX && math.Abs(ry) < halfY {
				v += squareAmplitude
			}
			out[y*w+x] = v
		}
	}
	return out
}
