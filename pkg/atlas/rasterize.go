// Package atlas implements the mesh-to-voxel numerical core of the
// pipeline: the forward rasterizer that interpolates node class
// probabilities onto a voxel grid, the EM fitter that inverts it,
// and the cross-subject statistics aggregator.
package atlas

import (
	"fmt"
	"runtime"
	"sync"

	"meshatlas/pkg/mesh"
	"meshatlas/pkg/volume"
)

// Rasterizer maps node-level quantities onto a fixed voxel grid
// through finite-element interpolation. Construction resolves, once,
// which element owns each voxel center and with what interpolation
// weights; both the forward projection and the EM fitter's adjoint
// accumulation then reuse that single assignment, so the two
// operators are exact transposes of each other.
type Rasterizer struct {
	Mesh       *mesh.Mesh
	NX, NY, NZ int

	workers int
	elems   []int32   // owning element per voxel, -1 outside the mesh
	weights []float64 // 4 interpolation weights per voxel
}

// NewRasterizer assigns every voxel center of an (nx, ny, nz) grid
// to its containing element under the mesh's current node positions.
// workers <= 0 means one worker per CPU. Voxel centers sit at integer
// coordinates, matching the convention of the node positions.
func NewRasterizer(m *mesh.Mesh, nx, ny, nz, workers int) *Rasterizer {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r := &Rasterizer{
		Mesh: m, NX: nx, NY: ny, NZ: nz,
		workers: workers,
		elems:   make([]int32, nx*ny*nz),
		weights: make([]float64, 4*nx*ny*nz),
	}

	loc := mesh.NewLocator(m)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		z0, z1 := r.slab(w)
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for z := z0; z < z1; z++ {
				for y := 0; y < ny; y++ {
					for x := 0; x < nx; x++ {
						i := (z*ny+y)*nx + x
						e, bw, ok := loc.Find(mesh.Point3{float64(x), float64(y), float64(z)})
						if !ok {
							r.elems[i] = -1
							continue
						}
						r.elems[i] = int32(e)
						copy(r.weights[4*i:4*i+4], bw[:])
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
	return r
}

// slab returns worker w's z range. Slabs are a fixed decomposition of
// the grid, so parallel runs touch disjoint memory and the result
// never depends on scheduling.
func (r *Rasterizer) slab(w int) (z0, z1 int) {
	per := (r.NZ + r.workers - 1) / r.workers
	z0 = w * per
	z1 = z0 + per
	if z1 > r.NZ {
		z1 = r.NZ
	}
	return z0, z1
}

// NumVoxels returns the voxel count of the target grid.
func (r *Rasterizer) NumVoxels() int { return r.NX * r.NY * r.NZ }

// checkAlphas validates an alpha matrix against the mesh, returning
// the class count.
func (r *Rasterizer) checkAlphas(alphas [][]float64) (int, error) {
	if len(alphas) != r.Mesh.NumNodes() {
		return 0, fmt.Errorf("%w: %d alpha vectors for %d nodes", mesh.ErrShapeMismatch, len(alphas), r.Mesh.NumNodes())
	}
	classes := len(alphas[0])
	for n, a := range alphas {
		if len(a) != classes {
			return 0, fmt.Errorf("%w: node %d has %d classes, node 0 has %d", mesh.ErrShapeMismatch, n, len(a), classes)
		}
	}
	return classes, nil
}

// Rasterize projects per-node alpha vectors into a per-voxel
// class-probability field in full-scale fixed-point units. The
// result is a flat [voxel][class] array; voxels outside the mesh are
// zero. Pure function of the rasterizer's assignment and the alphas:
// repeated calls yield bit-identical output.
func (r *Rasterizer) Rasterize(alphas [][]float64) ([]float64, error) {
	classes, err := r.checkAlphas(alphas)
	if err != nil {
		return nil, err
	}
	out := make([]float64, r.NumVoxels()*classes)

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		z0, z1 := r.slab(w)
		if z0 >= z1 {
			continue
		}
		wg.Add(1)
		go func(z0, z1 int) {
			defer wg.Done()
			for i := (z0 * r.NY) * r.NX; i < (z1*r.NY)*r.NX; i++ {
				e := r.elems[i]
				if e < 0 {
					continue
				}
				t := r.Mesh.Elements()[e]
				bw := r.weights[4*i : 4*i+4]
				px := out[i*classes : (i+1)*classes]
				for k := 0; k < 4; k++ {
					a := alphas[t[k]]
					for c := 0; c < classes; c++ {
						px[c] += bw[k] * volume.FullScale * a[c]
					}
				}
			}
		}(z0, z1)
	}
	wg.Wait()
	return out, nil
}
