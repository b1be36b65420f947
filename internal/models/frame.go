package models

import (
	"fmt"

	"pulsepipe/pkg/ndarray"
)

// Metadata keys written by frame sources.
const (
	// TimestampKey correlates a raw frame with the processed frame built from it.
	TimestampKey = "timestamp"

	// FrameIDKey is a per-source monotonically increasing counter.
	FrameIDKey = "frame_id"

	// PatternKey names the synthetic pattern of a generated frame.
	PatternKey = "pattern"
)

// RawFrame is one detector readout as produced by a frame source
type RawFrame struct {
	// Metadata holds at least TimestampKey. All pulses share the timestamp.
	Metadata map[string]string

	// Image is the pulse-resolved image with axes (pulse, height, width)
	Image *ndarray.Float64
}

// Timestamp returns the correlation timestamp of the frame
func (f *RawFrame) Timestamp() string {
	return f.Metadata[TimestampKey]
}

// Pulses returns the number of pulses in the frame
func (f *RawFrame) Pulses() int {
	return f.Image.Len()
}

// Validate checks that the image is a non-empty 3-D array
func (f *RawFrame) Validate() error {
	if f.Image == nil || f.Image.Dims() != 3 {
		return fmt.Errorf("raw frame image must be 3-D (pulse, height, width)")
	}
	if ndarray.Size(f.Image.Shape) == 0 {
		return fmt.Errorf("raw frame image %v is empty", f.Image.Shape)
	}
	return nil
}

// ProcessedFrame is the analysis result for one RawFrame
type ProcessedFrame struct {
	// Timestamp is copied verbatim from the source frame metadata
	Timestamp string

	// MeanImage is the per-pixel mean over the pulse axis (height, width)
	MeanImage *ndarray.Float64

	// Momentum is the radial axis of the integrated profiles
	Momentum *ndarray.Float64

	// Intensities holds one radial profile per pulse (pulse, point)
	Intensities *ndarray.Float64

	// Edges holds one edge map per pulse (pulse, height, width)
	Edges *ndarray.Bool
}

// Equal reports whether two processed frames carry identical data
func (f *ProcessedFrame) Equal(o *ProcessedFrame) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Timestamp == o.Timestamp &&
		f.MeanImage.Equal(o.MeanImage) &&
		f.Momentum.Equal(o.Momentum) &&
		f.Intensities.Equal(o.Intensities) &&
		f.Edges.Equal(o.Edges)
}
