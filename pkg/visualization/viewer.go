package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/floats"

	"pulsepipe/internal/models"
	"pulsepipe/pkg/ndarray"
)

// Viewer renders a processed frame as still images: the pulse-averaged
// detector image and the per-pulse edge maps.
type Viewer struct {
	// frame is the processed frame being rendered
	frame *models.ProcessedFrame

	// dimensions of the detector image
	width  int
	height int
	pulses int
}

// NewViewer creates a viewer for frame. The mean image must be 2-D and the
// edge maps (pulse, height, width) of the same height and width.
func NewViewer(frame *models.ProcessedFrame) (*Viewer, error) {
	if frame == nil || frame.MeanImage == nil || frame.Edges == nil {
		return nil, fmt.Errorf("frame has no image data")
	}
	if frame.MeanImage.Dims() != 2 {
		return nil, fmt.Errorf("mean image must be 2-D, got shape %v", frame.MeanImage.Shape)
	}
	h, w := frame.MeanImage.Shape[0], frame.MeanImage.Shape[1]
	if frame.Edges.Dims() != 3 || frame.Edges.Shape[1] != h || frame.Edges.Shape[2] != w {
		return nil, fmt.Errorf("edge maps %v do not match mean image %v", frame.Edges.Shape, frame.MeanImage.Shape)
	}
	return &Viewer{
		frame:  frame,
		width:  w,
		height: h,
		pulses: frame.Edges.Shape[0],
	}, nil
}

// MeanImage renders the mean image scaled from its finite minimum (black)
// to its finite maximum (white). NaN pixels are black.
func (v *Viewer) MeanImage() image.Image {
	data := v.frame.MeanImage.Data
	lo, hi := finiteRange(data)
	scale := 0.0
	if hi > lo {
		scale = 1 / (hi - lo)
	}

	img := image.NewGray16(image.Rect(0, 0, v.width, v.height))
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			val := data[y*v.width+x]
			if math.IsNaN(val) || math.IsInf(val, 0) {
				continue
			}
			value := uint16(math.Max(0, math.Min(65535, (val-lo)*scale*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// EdgeSlice renders the edge map of one pulse: edges white, background black.
func (v *Viewer) EdgeSlice(pulse int) (image.Image, error) {
	if pulse < 0 || pulse >= v.pulses {
		return nil, fmt.Errorf("pulse %d out of range [0, %d)", pulse, v.pulses)
	}
	edges := v.frame.Edges.Pulse(pulse)

	img := image.NewGray(image.Rect(0, 0, v.width, v.height))
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			if edges.Data[y*v.width+x] {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img, nil
}

// ExtractRegion returns a copy of a rectangle of the mean image.
func (v *Viewer) ExtractRegion(startX, startY, sizeX, sizeY int) (*ndarray.Float64, error) {
	if startX < 0 || startY < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}

	if sizeX <= 0 || sizeY <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}

	if startX+sizeX > v.width || startY+sizeY > v.height {
		return nil, fmt.Errorf("region extends beyond image boundaries")
	}

	region := ndarray.NewFloat64(sizeY, sizeX)
	for y := 0; y < sizeY; y++ {
		src := (startY+y)*v.width + startX
		copy(region.Data[y*sizeX:(y+1)*sizeX], v.frame.MeanImage.Data[src:src+sizeX])
	}
	return region, nil
}

// SaveImage writes img to filename, as PNG for a .png name and JPEG
// otherwise.
func (v *Viewer) SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(filename), ".png") {
		return png.Encode(file, img)
	}
	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSnapshot writes the mean image (JPEG) and every edge map (PNG) into
// outputDir and returns the files written. Names are derived from the
// frame timestamp.
func (v *Viewer) SaveSnapshot(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	stem := fileStem(v.frame.Timestamp)
	files := []string{filepath.Join(outputDir, fmt.Sprintf("mean_%s.jpg", stem))}
	if err := v.SaveImage(v.MeanImage(), files[0]); err != nil {
		return nil, err
	}

	for pulse := 0; pulse < v.pulses; pulse++ {
		img, err := v.EdgeSlice(pulse)
		if err != nil {
			return files, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("edges_%s_p%02d.png", stem, pulse))
		if err := v.SaveImage(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	return files, nil
}

// finiteRange returns the minimum and maximum of the finite values in
// data, or (0, 0) if there are none.
func finiteRange(data []float64) (lo, hi float64) {
	finite := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return 0, 0
	}
	return floats.Min(finite), floats.Max(finite)
}

// fileStem makes a timestamp safe for use in file names.
func fileStem(ts string) string {
	if ts == "" {
		return "untimed"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, ts)
}
