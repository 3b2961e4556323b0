// Package visualization exports rasterized class-probability fields
// as grayscale slice images, for visual inspection of the fitted
// priors.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"meshatlas/pkg/volume"
)

// Viewer wraps a per-voxel class-probability field in full-scale
// units, as produced by the rasterizer.
type Viewer struct {
	// field holds the class-probability data, [voxel][class] flat
	field []float64

	// dimensions of the voxel grid
	width  int
	height int
	depth  int

	// classes is the channel count per voxel
	classes int

	// scale is the integer upscaling factor applied to saved slices
	scale int
}

// NewViewer creates a viewer over a rasterized field. scale < 1 is
// treated as 1 (no upscaling).
func NewViewer(field []float64, width, height, depth, classes, scale int) (*Viewer, error) {
	if len(field) != width*height*depth*classes {
		return nil, fmt.Errorf("%w: field has %d values for %dx%dx%dx%d",
			volume.ErrShapeMismatch, len(field), width, height, depth, classes)
	}
	if scale < 1 {
		scale = 1
	}
	return &Viewer{
		field:   field,
		width:   width,
		height:  height,
		depth:   depth,
		classes: classes,
		scale:   scale,
	}, nil
}

// gray16At converts the probability of class c at a voxel into a
// 16-bit gray value, clamped to the full-scale range.
func (v *Viewer) gray16At(x, y, z, c int) color.Gray16 {
	idx := ((z*v.height+y)*v.width + x) * v.classes
	val := math.Max(0, math.Min(volume.FullScale, v.field[idx+c]))
	return color.Gray16{Y: uint16(val)}
}

// ExtractSlice extracts a 2D slice of class c along the specified axis
func (v *Viewer) ExtractSlice(axis string, class, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	if class < 0 || class >= v.classes {
		return nil, fmt.Errorf("class %d out of range [0,%d)", class, v.classes)
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray16At(position, y, z, class))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray16At(x, position, z, class))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray16At(x, y, position, class))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	if v.scale > 1 {
		b := img.Bounds()
		scaled := image.NewGray16(image.Rect(0, 0, b.Dx()*v.scale, b.Dy()*v.scale))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
		return scaled, nil
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveClassSequence extracts and saves all slices of one class along
// the given axis.
func (v *Viewer) SaveClassSequence(axis string, class int, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, class, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("class_%02d_%s_%03d.jpg", class, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SavePrior saves z-axis slice sequences for every structure class.
// The background class is skipped; it carries no more information
// than the structures it complements.
func (v *Viewer) SavePrior(outputDir string) error {
	for c := 1; c < v.classes; c++ {
		if err := v.SaveClassSequence("z", c, outputDir); err != nil {
			return err
		}
	}
	return nil
}
