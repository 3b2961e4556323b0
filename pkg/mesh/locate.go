package mesh

import "math"

// Locator answers point-in-which-element queries against a fixed
// snapshot of node positions. It buckets elements by bounding box on
// a uniform grid over the mesh bounds, so a query only tests the
// handful of elements whose boxes overlap the query point's cell.
//
// Ownership of points on shared faces is deterministic: candidates
// are tested in ascending element order and the first containing
// element wins. The interpolated value does not depend on which
// adjoining element is picked, only the bookkeeping does.
type Locator struct {
	mesh    *Mesh
	lo      Point3
	inv     [3]float64 // cells per unit length, per axis
	n       [3]int     // grid cells per axis
	buckets [][]int32
}

// NewLocator builds a locator for the mesh's current node positions.
// The locator holds no reference to positions set later; rebuild it
// after SetPoints.
func NewLocator(m *Mesh) *Locator {
	lo, hi := m.Bounds()
	l := &Locator{mesh: m, lo: lo}

	// Aim for roughly one element per cell.
	cells := int(math.Cbrt(float64(m.NumElements()))) + 1
	for a := 0; a < 3; a++ {
		l.n[a] = cells
		span := hi[a] - lo[a]
		if span <= 0 {
			l.n[a] = 1
			l.inv[a] = 0
			continue
		}
		l.inv[a] = float64(l.n[a]) / span
	}
	l.buckets = make([][]int32, l.n[0]*l.n[1]*l.n[2])

	for e := 0; e < m.NumElements(); e++ {
		if m.bases[e].degenerate {
			continue
		}
		elo, ehi := m.elementBounds(e)
		x0, y0, z0 := l.cell(elo)
		x1, y1, z1 := l.cell(ehi)
		for z := z0; z <= z1; z++ {
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					b := (z*l.n[1]+y)*l.n[0] + x
					l.buckets[b] = append(l.buckets[b], int32(e))
				}
			}
		}
	}
	return l
}

// cell maps a point to clamped grid coordinates.
func (l *Locator) cell(p Point3) (x, y, z int) {
	c := func(a int) int {
		i := int((p[a] - l.lo[a]) * l.inv[a])
		if i < 0 {
			i = 0
		}
		if i >= l.n[a] {
			i = l.n[a] - 1
		}
		return i
	}
	return c(0), c(1), c(2)
}

// Find returns the element containing p and the interpolation
// weights of p with respect to that element's nodes. ok is false for
// points outside the mesh (or inside only degenerate elements).
//
// Elements within a bucket are stored and tested in ascending index
// order, so the answer is value-independent and reproducible.
func (l *Locator) Find(p Point3) (elem int, w [4]float64, ok bool) {
	for a := 0; a < 3; a++ {
		if p[a] < l.lo[a]-containsEps {
			return -1, w, false
		}
	}
	x, y, z := l.cell(p)
	for _, e := range l.buckets[(z*l.n[1]+y)*l.n[0]+x] {
		if w, ok = l.mesh.Contains(int(e), p); ok {
			return int(e), w, true
		}
	}
	return -1, w, false
}
