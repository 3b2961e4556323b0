// Package volume holds the voxel-grid data types of the pipeline:
// integer hard-label volumes and fixed-point class-probability
// volumes, plus the encoder that converts the former into the
// latter.
package volume

import (
	"errors"
	"fmt"
)

// FullScale is the fixed-point integer representing probability 1.0.
// Channel values are 16-bit, so probabilities live in [0, 65535].
const FullScale = 65535

// ErrShapeMismatch is returned when volume dimensions are
// inconsistent with each other or with a consumer's expectation.
var ErrShapeMismatch = errors.New("volume: shape mismatch")

// ErrLabelOverlap is returned by the multi-structure encoder when a
// voxel matches more than one target label. The reference background
// computation (FullScale minus the sum of the structure channels)
// would go negative there, so overlapping label lists are rejected
// as invalid input instead.
var ErrLabelOverlap = errors.New("volume: voxel matches more than one target label")

// LabelVolume is a hard-labeled segmentation on a 3-D voxel grid,
// stored flat in z-major order: index = (z*NY + y)*NX + x.
type LabelVolume struct {
	NX, NY, NZ int
	Data       []int32
}

// NewLabelVolume allocates a zero-labeled volume.
func NewLabelVolume(nx, ny, nz int) *LabelVolume {
	return &LabelVolume{NX: nx, NY: ny, NZ: nz, Data: make([]int32, nx*ny*nz)}
}

// Validate checks that the data length matches the dimensions.
func (v *LabelVolume) Validate() error {
	if v.NX <= 0 || v.NY <= 0 || v.NZ <= 0 || len(v.Data) != v.NX*v.NY*v.NZ {
		return fmt.Errorf("%w: %dx%dx%d with %d voxels", ErrShapeMismatch, v.NX, v.NY, v.NZ, len(v.Data))
	}
	return nil
}

// Index returns the flat index of voxel (x, y, z).
func (v *LabelVolume) Index(x, y, z int) int { return (z*v.NY+y)*v.NX + x }

// At returns the label at voxel (x, y, z).
func (v *LabelVolume) At(x, y, z int) int32 { return v.Data[v.Index(x, y, z)] }

// Set assigns the label at voxel (x, y, z).
func (v *LabelVolume) Set(x, y, z int, label int32) { v.Data[v.Index(x, y, z)] = label }

// ProbVolume is a per-voxel class-probability field in fixed point.
// Channels are interleaved per voxel: value(x,y,z,c) is at
// Data[Index(x,y,z)*Classes + c]. Every voxel's channels sum to
// exactly FullScale by construction of the encoder.
type ProbVolume struct {
	NX, NY, NZ int
	Classes    int
	Data       []uint16
}

// NewProbVolume allocates an all-zero probability volume.
func NewProbVolume(nx, ny, nz, classes int) *ProbVolume {
	return &ProbVolume{
		NX: nx, NY: ny, NZ: nz, Classes: classes,
		Data: make([]uint16, nx*ny*nz*classes),
	}
}

// NumVoxels returns the voxel count (not counting channels).
func (v *ProbVolume) NumVoxels() int { return v.NX * v.NY * v.NZ }

// Index returns the flat voxel index of (x, y, z).
func (v *ProbVolume) Index(x, y, z int) int { return (z*v.NY+y)*v.NX + x }

// At returns channel c of voxel (x, y, z).
func (v *ProbVolume) At(x, y, z, c int) uint16 {
	return v.Data[v.Index(x, y, z)*v.Classes+c]
}

// EncodeBinary converts a hard-label volume into a two-class
// probability volume: channel 1 is FullScale where the label equals
// foreground, channel 0 is the complement.
func EncodeBinary(labels *LabelVolume, foreground int32) (*ProbVolume, error) {
	if err := labels.Validate(); err != nil {
		return nil, err
	}
	out := NewProbVolume(labels.NX, labels.NY, labels.NZ, 2)
	for i, l := range labels.Data {
		if l == foreground {
			out.Data[2*i+1] = FullScale
		} else {
			out.Data[2*i] = FullScale
		}
	}
	return out, nil
}

// EncodeMulti converts a hard-label volume into a probability volume
// with len(targets)+1 classes. Class k (k >= 1) is FullScale where
// the label equals targets[k-1]; class 0 holds whatever is left so
// that every voxel sums to exactly FullScale. A voxel matching more
// than one target (possible only with duplicate targets) yields
// ErrLabelOverlap.
func EncodeMulti(labels *LabelVolume, targets []int32) (*ProbVolume, error) {
	if err := labels.Validate(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no target labels", ErrShapeMismatch)
	}
	classes := len(targets) + 1
	out := NewProbVolume(labels.NX, labels.NY, labels.NZ, classes)
	for i, l := range labels.Data {
		base := i * classes
		var sum int
		for k, target := range targets {
			if l == target {
				out.Data[base+1+k] = FullScale
				sum += FullScale
			}
		}
		if sum > FullScale {
			z := i / (labels.NX * labels.NY)
			y := i / labels.NX % labels.NY
			x := i % labels.NX
			return nil, fmt.Errorf("%w: label %d at voxel (%d,%d,%d)", ErrLabelOverlap, l, x, y, z)
		}
		out.Data[base] = uint16(FullScale - sum)
	}
	return out, nil
}
