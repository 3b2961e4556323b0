// Package mesh implements the tetrahedral mesh geometry used by the
// atlas estimation pipeline: node positions, fixed element
// connectivity, barycentric shape functions and point location.
package mesh

import (
	"errors"
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when an input array is inconsistent
// with the mesh's node or element count.
var ErrShapeMismatch = errors.New("mesh: shape mismatch")

// ErrDegenerateElement marks a tetrahedron whose shape functions
// cannot be evaluated (zero or negative volume).
var ErrDegenerateElement = errors.New("mesh: degenerate element")

// containsEps is the tolerance used when deciding whether a point
// lies inside an element. A voxel center exactly on a shared face
// yields weights that agree under either adjoining element, so the
// tolerance only widens the ownership test, never changes the value.
const containsEps = 1e-9

// Point3 is a position or displacement in image voxel coordinates.
type Point3 [3]float64

// Tet references the four nodes of a tetrahedral element.
type Tet [4]int32

// baryBasis holds the precomputed inverse of a tetrahedron's affine
// matrix. Row i of inv gives the coefficients of the i-th barycentric
// coordinate as a function of (x, y, z, 1).
type baryBasis struct {
	inv        [4][4]float64
	degenerate bool
}

// Mesh couples reference connectivity with a set of node positions.
// Connectivity is immutable; positions vary per subject and are
// replaced wholesale with SetPoints.
type Mesh struct {
	points []Point3
	tets   []Tet
	bases  []baryBasis

	// bounding box of the current node positions
	lo, hi Point3
}

// New validates connectivity against the node set and precomputes
// the per-element barycentric bases.
func New(points []Point3, tets []Tet) (*Mesh, error) {
	if len(points) == 0 || len(tets) == 0 {
		return nil, fmt.Errorf("%w: mesh needs at least one node and one element", ErrShapeMismatch)
	}
	for e, t := range tets {
		for _, n := range t {
			if n < 0 || int(n) >= len(points) {
				return nil, fmt.Errorf("%w: element %d references node %d of %d", ErrShapeMismatch, e, n, len(points))
			}
		}
	}
	m := &Mesh{
		points: append([]Point3(nil), points...),
		tets:   append([]Tet(nil), tets...),
	}
	m.rebuild()
	return m, nil
}

// NumNodes returns the node count.
func (m *Mesh) NumNodes() int { return len(m.points) }

// NumElements returns the element count.
func (m *Mesh) NumElements() int { return len(m.tets) }

// Points returns the current node positions. The returned slice is
// the mesh's own storage and must not be mutated by callers; use
// SetPoints to move nodes.
func (m *Mesh) Points() []Point3 { return m.points }

// Elements returns the element connectivity.
func (m *Mesh) Elements() []Tet { return m.tets }

// SetPoints replaces the node positions, keeping connectivity, and
// recomputes the shape-function bases. The slice is copied.
func (m *Mesh) SetPoints(points []Point3) error {
	if len(points) != len(m.points) {
		return fmt.Errorf("%w: got %d positions for %d nodes", ErrShapeMismatch, len(points), len(m.points))
	}
	copy(m.points, points)
	m.rebuild()
	return nil
}

// Bounds returns the axis-aligned bounding box of the current node
// positions.
func (m *Mesh) Bounds() (lo, hi Point3) { return m.lo, m.hi }

// rebuild recomputes the barycentric basis of every element for the
// current node positions. Degenerate elements are logged and flagged;
// they are excluded from rasterization rather than producing NaN.
func (m *Mesh) rebuild() {
	if len(m.bases) != len(m.tets) {
		m.bases = make([]baryBasis, len(m.tets))
	}
	m.lo = m.points[0]
	m.hi = m.points[0]
	for _, p := range m.points {
		for a := 0; a < 3; a++ {
			m.lo[a] = math.Min(m.lo[a], p[a])
			m.hi[a] = math.Max(m.hi[a], p[a])
		}
	}

	a := mat.NewDense(4, 4, nil)
	degenerate := 0
	for e, t := range m.tets {
		// Columns are the homogeneous vertex coordinates, so that
		// A * weights = (x, y, z, 1).
		for i := 0; i < 4; i++ {
			v := m.points[t[i]]
			a.Set(0, i, v[0])
			a.Set(1, i, v[1])
			a.Set(2, i, v[2])
			a.Set(3, i, 1)
		}
		var inv mat.Dense
		if err := inv.Inverse(a); err != nil {
			m.bases[e] = baryBasis{degenerate: true}
			degenerate++
			continue
		}
		b := baryBasis{}
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				b.inv[i][j] = inv.At(i, j)
			}
		}
		m.bases[e] = b
	}
	if degenerate > 0 {
		log.Printf("mesh: %d of %d elements are degenerate and will be skipped: %v",
			degenerate, len(m.tets), ErrDegenerateElement)
	}
}

// BaryWeights evaluates element e's shape functions at p. It returns
// the four barycentric weights and whether they could be evaluated
// (false for degenerate elements). The same weights drive both the
// forward rasterization and the adjoint accumulation of the EM
// fitter, which is what guarantees the fixed-point property of the
// fit.
func (m *Mesh) BaryWeights(e int, p Point3) ([4]float64, bool) {
	b := &m.bases[e]
	if b.degenerate {
		return [4]float64{}, false
	}
	var w [4]float64
	for i := 0; i < 4; i++ {
		w[i] = b.inv[i][0]*p[0] + b.inv[i][1]*p[1] + b.inv[i][2]*p[2] + b.inv[i][3]
	}
	return w, true
}

// Contains reports whether p lies inside element e (boundary
// included), along with the interpolation weights at p.
func (m *Mesh) Contains(e int, p Point3) ([4]float64, bool) {
	w, ok := m.BaryWeights(e, p)
	if !ok {
		return w, false
	}
	for i := 0; i < 4; i++ {
		if w[i] < -containsEps {
			return w, false
		}
	}
	return w, true
}

// elementBounds returns the bounding box of element e.
func (m *Mesh) elementBounds(e int) (lo, hi Point3) {
	t := m.tets[e]
	lo = m.points[t[0]]
	hi = lo
	for i := 1; i < 4; i++ {
		v := m.points[t[i]]
		for a := 0; a < 3; a++ {
			lo[a] = math.Min(lo[a], v[a])
			hi[a] = math.Max(hi[a], v[a])
		}
	}
	return lo, hi
}
