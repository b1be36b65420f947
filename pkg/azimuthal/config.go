// Package azimuthal holds the live-tunable azimuthal integration parameters
// and the radial integration collaborator that consumes them.
//
// A Config is built once from Params, validated wholesale, and never
// modified afterwards. Live updates replace the whole value.
package azimuthal

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"pulsepipe/pkg/ndarray"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid azimuthal configuration")

// ValidationError describes the first invalid parameter of a Config.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }

// MaxPoints bounds the number of radial bins.
const MaxPoints = 1 << 16

// Method names an integration method.
type Method string

const (
	MethodBBox       Method = "BBox"
	MethodNumpy      Method = "numpy"
	MethodCython     Method = "cython"
	MethodSplitPixel Method = "splitpixel"
	MethodCSR        Method = "csr"
	MethodLUT        Method = "lut"
	MethodNoSplitCSR Method = "nosplit_csr"
	MethodFullCSR    Method = "full_csr"
	MethodLUTOCL     Method = "lut_ocl"
)

// Methods lists every accepted integration method.
var Methods = []Method{
	MethodBBox, MethodNumpy, MethodCython, MethodSplitPixel, MethodCSR,
	MethodLUT, MethodNoSplitCSR, MethodFullCSR, MethodLUTOCL,
}

// ParseMethod returns the Method named s.
func ParseMethod(s string) (Method, error) {
	for _, m := range Methods {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown integration method %q", s)
}

// Interval is an ordered pair with Low < High once validated.
type Interval struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (iv Interval) valid() bool {
	return !math.IsNaN(iv.Low) && !math.IsNaN(iv.High) && iv.Low < iv.High
}

// Contains reports whether v lies in [Low, High].
func (iv Interval) Contains(v float64) bool {
	return v >= iv.Low && v <= iv.High
}

// Params is the mutable input from which a Config is built.
type Params struct {
	// Energy is the photon energy in keV
	Energy float64

	// PixelSize is the detector pixel pitch in metres
	PixelSize float64

	// Distance is the sample-detector distance in metres
	Distance float64

	// CenterX and CenterY locate the beam center in pixel coordinates
	CenterX float64
	CenterY float64

	Method Method
	Points int
	Range  Interval

	// Threshold masks pixels whose value lies outside it, if set
	Threshold *Interval

	// UserMask marks pixels (true) to exclude, if set. Shape (height, width).
	UserMask *ndarray.Bool
}

// DefaultParams returns the compiled-in defaults used when the shared store
// holds nothing usable.
func DefaultParams() Params {
	return Params{
		Energy:    9.5,
		PixelSize: 75e-6,
		Distance:  0.05,
		CenterX:   64,
		CenterY:   64,
		Method:    MethodCSR,
		Points:    512,
		Range:     Interval{Low: 0.1, High: 6.0},
	}
}

// Config is a validated, immutable set of integration parameters.
type Config struct {
	p Params
}

// New validates p and returns the corresponding Config.
func New(p Params) (Config, error) {
	if err := validate(p); err != nil {
		return Config{}, err
	}
	if p.Threshold != nil {
		t := *p.Threshold
		p.Threshold = &t
	}
	if p.UserMask != nil {
		m := *p.UserMask
		m.Shape = append([]int(nil), m.Shape...)
		m.Data = append([]bool(nil), m.Data...)
		p.UserMask = &m
	}
	return Config{p: p}, nil
}

// Default returns the Config built from DefaultParams.
func Default() Config {
	cfg, err := New(DefaultParams())
	if err != nil {
		panic("azimuthal: compiled defaults are invalid: " + err.Error())
	}
	return cfg
}

func validate(p Params) error {
	switch {
	case !(p.Energy > 0):
		return &ValidationError{"energy", fmt.Sprintf("must be > 0, got %v", p.Energy)}
	case !(p.PixelSize > 0):
		return &ValidationError{"pixel_size", fmt.Sprintf("must be > 0, got %v", p.PixelSize)}
	case !(p.Distance >= 0):
		return &ValidationError{"distance", fmt.Sprintf("must be >= 0, got %v", p.Distance)}
	case math.IsNaN(p.CenterX) || math.IsInf(p.CenterX, 0):
		return &ValidationError{"center_x", "must be finite"}
	case math.IsNaN(p.CenterY) || math.IsInf(p.CenterY, 0):
		return &ValidationError{"center_y", "must be finite"}
	case p.Points <= 0:
		return &ValidationError{"integration_points", fmt.Sprintf("must be positive, got %d", p.Points)}
	case p.Points > MaxPoints:
		return &ValidationError{"integration_points", fmt.Sprintf("must be at most %d, got %d", MaxPoints, p.Points)}
	case !p.Range.valid():
		return &ValidationError{"integration_range", fmt.Sprintf("low must be < high, got (%v, %v)", p.Range.Low, p.Range.High)}
	case p.Threshold != nil && !p.Threshold.valid():
		return &ValidationError{"threshold_mask", fmt.Sprintf("low must be < high, got (%v, %v)", p.Threshold.Low, p.Threshold.High)}
	}
	if _, err := ParseMethod(string(p.Method)); err != nil {
		return &ValidationError{"integration_method", fmt.Sprintf("%q is not one of %s", p.Method, methodList())}
	}
	if p.UserMask != nil && p.UserMask.Dims() != 2 {
		return &ValidationError{"user_mask", fmt.Sprintf("must be 2-D, got shape %v", p.UserMask.Shape)}
	}
	return nil
}

func methodList() string {
	names := make([]string, len(Methods))
	for i, m := range Methods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// Params returns a copy of the parameters behind c.
func (c Config) Params() Params {
	p := c.p
	if p.Threshold != nil {
		t := *p.Threshold
		p.Threshold = &t
	}
	return p
}

func (c Config) Energy() float64    { return c.p.Energy }
func (c Config) PixelSize() float64 { return c.p.PixelSize }
func (c Config) Distance() float64  { return c.p.Distance }
func (c Config) CenterX() float64   { return c.p.CenterX }
func (c Config) CenterY() float64   { return c.p.CenterY }
func (c Config) Method() Method     { return c.p.Method }
func (c Config) Points() int        { return c.p.Points }
func (c Config) Range() Interval    { return c.p.Range }

// Threshold returns the threshold interval and whether it is set.
func (c Config) Threshold() (Interval, bool) {
	if c.p.Threshold == nil {
		return Interval{}, false
	}
	return *c.p.Threshold, true
}

// UserMask returns the user mask, or nil. Callers must not modify it.
func (c Config) UserMask() *ndarray.Bool { return c.p.UserMask }

// Wavelength returns the photon wavelength in nanometres.
func (c Config) Wavelength() float64 {
	return hcKeVnm / c.p.Energy
}

// hc in keV·nm
const hcKeVnm = 1.2398419843320026
