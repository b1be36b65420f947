package azimuthal

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"pulsepipe/pkg/ndarray"
)

// RecordKey is the shared store key holding azimuthal integration fields.
const RecordKey = "azimuthal_integration"

// Field names of the azimuthal record.
const (
	FieldEnergy    = "energy"
	FieldPixelSize = "pixel_size"
	FieldDistance  = "distance"
	FieldCenterX   = "center_x"
	FieldCenterY   = "center_y"
	FieldMethod    = "integration_method"
	FieldPoints    = "integration_points"
	FieldRange     = "integration_range"
	FieldThreshold = "threshold_mask"
	FieldUserMask  = "user_mask"
)

// FieldError reports a store field that could not be parsed and was
// replaced by its default.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s=%q: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseFields overlays the string fields of a store record on defaults.
// A field that fails to parse keeps its default and is reported in the
// returned FieldErrors; parsing never aborts. The merged parameters are
// not validated here.
func ParseFields(fields map[string]string, defaults Params) (Params, []*FieldError) {
	p := defaults
	var errs []*FieldError
	fail := func(field string, err error) {
		errs = append(errs, &FieldError{Field: field, Value: fields[field], Err: err})
	}

	floatField := func(name string, dst *float64) {
		raw, ok := fields[name]
		if !ok {
			return
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			fail(name, err)
			return
		}
		*dst = v
	}

	floatField(FieldEnergy, &p.Energy)
	floatField(FieldPixelSize, &p.PixelSize)
	floatField(FieldDistance, &p.Distance)
	floatField(FieldCenterX, &p.CenterX)
	floatField(FieldCenterY, &p.CenterY)

	if raw, ok := fields[FieldMethod]; ok {
		m, err := ParseMethod(strings.TrimSpace(raw))
		if err != nil {
			fail(FieldMethod, err)
		} else {
			p.Method = m
		}
	}

	if raw, ok := fields[FieldPoints]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			fail(FieldPoints, err)
		} else {
			p.Points = n
		}
	}

	if raw, ok := fields[FieldRange]; ok {
		iv, err := ParseInterval(raw)
		if err != nil {
			fail(FieldRange, err)
		} else {
			p.Range = iv
		}
	}

	if raw, ok := fields[FieldThreshold]; ok {
		if strings.TrimSpace(raw) == "" {
			p.Threshold = nil
		} else if iv, err := ParseInterval(raw); err != nil {
			fail(FieldThreshold, err)
		} else {
			p.Threshold = &iv
		}
	}

	if raw, ok := fields[FieldUserMask]; ok {
		if strings.TrimSpace(raw) == "" {
			p.UserMask = nil
		} else if m, err := ParseMask(raw); err != nil {
			fail(FieldUserMask, err)
		} else {
			p.UserMask = m
		}
	}

	return p, errs
}

// Parse resolves a store record against defaults and validates the result.
// Field errors are recovered per field; a validation error rejects the
// whole record.
func Parse(fields map[string]string, defaults Params) (Config, []*FieldError, error) {
	p, fieldErrs := ParseFields(fields, defaults)
	cfg, err := New(p)
	return cfg, fieldErrs, err
}

// Fields encodes c as a store record.
func (c Config) Fields() map[string]string {
	f := map[string]string{
		FieldEnergy:    formatFloat(c.p.Energy),
		FieldPixelSize: formatFloat(c.p.PixelSize),
		FieldDistance:  formatFloat(c.p.Distance),
		FieldCenterX:   formatFloat(c.p.CenterX),
		FieldCenterY:   formatFloat(c.p.CenterY),
		FieldMethod:    string(c.p.Method),
		FieldPoints:    strconv.Itoa(c.p.Points),
		FieldRange:     FormatInterval(c.p.Range),
		FieldThreshold: "",
		FieldUserMask:  "",
	}
	if c.p.Threshold != nil {
		f[FieldThreshold] = FormatInterval(*c.p.Threshold)
	}
	if c.p.UserMask != nil {
		f[FieldUserMask] = FormatMask(c.p.UserMask)
	}
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ParseInterval parses "low,high". Order is not checked.
func ParseInterval(s string) (Interval, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(s), "()[]"), ",")
	if len(parts) != 2 {
		return Interval{}, fmt.Errorf("want \"low,high\", got %q", s)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Interval{}, err
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Interval{}, err
	}
	return Interval{Low: lo, High: hi}, nil
}

// FormatInterval is the inverse of ParseInterval.
func FormatInterval(iv Interval) string {
	return formatFloat(iv.Low) + "," + formatFloat(iv.High)
}

// ParseMask decodes "<height>x<width>:<base64>" with one byte per pixel,
// non-zero meaning masked.
func ParseMask(s string) (*ndarray.Bool, error) {
	dims, payload, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("mask must be \"<h>x<w>:<base64>\"")
	}
	hs, ws, ok := strings.Cut(dims, "x")
	if !ok {
		return nil, fmt.Errorf("mask dimensions %q must be \"<h>x<w>\"", dims)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return nil, fmt.Errorf("mask height %q is not a positive integer", hs)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return nil, fmt.Errorf("mask width %q is not a positive integer", ws)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("mask payload: %w", err)
	}
	if len(raw) != h*w {
		return nil, fmt.Errorf("mask payload has %d bytes, want %d", len(raw), h*w)
	}
	m := ndarray.NewBool(h, w)
	for i, b := range raw {
		m.Data[i] = b != 0
	}
	return m, nil
}

// FormatMask is the inverse of ParseMask.
func FormatMask(m *ndarray.Bool) string {
	raw := make([]byte, len(m.Data))
	for i, v := range m.Data {
		if v {
			raw[i] = 1
		}
	}
	return fmt.Sprintf("%dx%d:%s", m.Shape[0], m.Shape[1], base64.StdEncoding.EncodeToString(raw))
}
