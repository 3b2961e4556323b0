package atlas

import (
	"errors"
	"math"
	"testing"

	"meshatlas/pkg/mesh"
	"meshatlas/pkg/volume"
)

// uniformTarget builds a target volume where every voxel carries the
// full scale in a single class.
func uniformTarget(nx, ny, nz, classes, class int) *volume.ProbVolume {
	v := volume.NewProbVolume(nx, ny, nz, classes)
	for i := 0; i < v.NumVoxels(); i++ {
		v.Data[i*classes+class] = volume.FullScale
	}
	return v
}

// TestFitSingleLabelVolume covers the canonical scenario: one
// tetrahedron, two classes, every voxel labeled foreground. All four
// nodes must move from the flat prior toward [0, 1], monotonically
// per iteration.
func TestFitSingleLabelVolume(t *testing.T) {
	n := 4
	target := uniformTarget(n, n, n, 2, 1)

	prev := 0.5 // flat prior
	for iters := 1; iters <= 5; iters++ {
		m := enclosingTet(t, n)
		f := &Fitter{
			Raster:     NewRasterizer(m, n, n, n, 2),
			Target:     target,
			Iterations: iters,
		}
		alphas, err := f.Fit()
		if err != nil {
			t.Fatalf("Fit failed: %v", err)
		}

		for node, a := range alphas {
			if a[1] < prev-1e-12 {
				t.Errorf("Iterations %d: node %d class 1 = %f, below previous budget's %f",
					iters, node, a[1], prev)
			}
			if s := a[0] + a[1]; math.Abs(s-1) > 1e-12 {
				t.Errorf("Iterations %d: node %d alphas sum to %f", iters, node, s)
			}
		}
		prev = alphas[0][1]
	}

	// With the whole volume labeled, one iteration already commits
	// every node to the foreground class.
	m := enclosingTet(t, n)
	f := &Fitter{Raster: NewRasterizer(m, n, n, n, 2), Target: target, Iterations: 1}
	alphas, err := f.Fit()
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	for node, a := range alphas {
		if math.Abs(a[1]-1) > 1e-9 {
			t.Errorf("Node %d class 1 = %f after one iteration, expected 1", node, a[1])
		}
	}
}

// TestFitRoundTrip verifies the approximate fixed point: fitting the
// rasterization of known alphas recovers them.
func TestFitRoundTrip(t *testing.T) {
	n := 8
	m := enclosingTet(t, n)
	r := NewRasterizer(m, n, n, n, 2)

	want := [][]float64{
		{0.8, 0.2},
		{0.35, 0.65},
		{0.55, 0.45},
		{0.15, 0.85},
	}
	field, err := r.Rasterize(want)
	if err != nil {
		t.Fatalf("Rasterize failed: %v", err)
	}

	// Quantize the prediction into a fixed-point target
	target := volume.NewProbVolume(n, n, n, 2)
	for i := range field {
		target.Data[i] = uint16(math.Round(field[i]))
	}

	f := &Fitter{Raster: r, Target: target, Iterations: 400}
	got, err := f.Fit()
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	for node := range want {
		for c := 0; c < 2; c++ {
			if math.Abs(got[node][c]-want[node][c]) > 0.05 {
				t.Errorf("Node %d class %d: got %f, want %f", node, c, got[node][c], want[node][c])
			}
		}
	}
}

// TestFitFixedPoint verifies that alphas whose rasterization equals
// the target are left essentially untouched by further iterations.
func TestFitFixedPoint(t *testing.T) {
	n := 6
	m := enclosingTet(t, n)
	r := NewRasterizer(m, n, n, n, 2)

	target := uniformTarget(n, n, n, 2, 1)

	one := &Fitter{Raster: r, Target: target, Iterations: 1}
	a1, err := one.Fit()
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	many := &Fitter{Raster: r, Target: target, Iterations: 25}
	a25, err := many.Fit()
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	for node := range a1 {
		for c := 0; c < 2; c++ {
			if math.Abs(a1[node][c]-a25[node][c]) > 1e-9 {
				t.Errorf("Node %d class %d drifted from %f to %f after reaching the target",
					node, c, a1[node][c], a25[node][c])
			}
		}
	}
}

// TestFitZeroWeightNode verifies that a node outside every element's
// support keeps its previous alphas exactly.
func TestFitZeroWeightNode(t *testing.T) {
	n := 4
	s := float64(4 * n)
	// Node 4 exists but belongs to no element.
	m, err := mesh.New(
		[]mesh.Point3{{-1, -1, -1}, {s, -1, -1}, {-1, s, -1}, {-1, -1, s}, {100, 100, 100}},
		[]mesh.Tet{{0, 1, 2, 3}},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	f := &Fitter{
		Raster:     NewRasterizer(m, n, n, n, 1),
		Target:     uniformTarget(n, n, n, 2, 1),
		Iterations: 3,
	}
	alphas, err := f.Fit()
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	// The orphan node keeps the flat prior bit-for-bit
	if alphas[4][0] != 0.5 || alphas[4][1] != 0.5 {
		t.Errorf("Zero-weight node alphas changed to (%f, %f)", alphas[4][0], alphas[4][1])
	}
	// Connected nodes still converge
	if math.Abs(alphas[0][1]-1) > 1e-9 {
		t.Errorf("Connected node did not converge: %f", alphas[0][1])
	}
}

// TestFitDeterministic verifies bit-reproducibility across repeated
// runs with the same configuration
func TestFitDeterministic(t *testing.T) {
	n := 5
	labels := volume.NewLabelVolume(n, n, n)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				if x+y+z > n {
					labels.Set(x, y, z, 1)
				}
			}
		}
	}
	target, err := volume.EncodeBinary(labels, 1)
	if err != nil {
		t.Fatalf("EncodeBinary failed: %v", err)
	}

	var runs [3][][]float64
	for i := range runs {
		m := enclosingTet(t, n)
		f := &Fitter{
			Raster:     NewRasterizer(m, n, n, n, 2),
			Target:     target,
			Iterations: 10,
		}
		alphas, err := f.Fit()
		if err != nil {
			t.Fatalf("Fit failed: %v", err)
		}
		runs[i] = alphas
	}

	for node := range runs[0] {
		for c := range runs[0][node] {
			v := math.Float64bits(runs[0][node][c])
			if math.Float64bits(runs[1][node][c]) != v || math.Float64bits(runs[2][node][c]) != v {
				t.Fatalf("Node %d class %d differs across runs", node, c)
			}
		}
	}
}

// TestFitShapeChecks verifies target validation
func TestFitShapeChecks(t *testing.T) {
	m := enclosingTet(t, 4)
	r := NewRasterizer(m, 4, 4, 4, 1)

	f := &Fitter{Raster: r, Target: volume.NewProbVolume(3, 4, 4, 2)}
	if _, err := f.Fit(); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for grid mismatch, got %v", err)
	}

	f = &Fitter{Raster: r, Target: volume.NewProbVolume(4, 4, 4, 1)}
	if _, err := f.Fit(); !errors.Is(err, volume.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for single class, got %v", err)
	}
}
