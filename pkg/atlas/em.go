package atlas

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"

	"meshatlas/pkg/volume"
)

// DefaultEMIterations is the fixed iteration budget used when the
// caller does not configure one.
const DefaultEMIterations = 10

// Fitter estimates per-node alpha vectors so that the rasterized
// field approximates a fixed target class-probability volume. It
// runs a fixed number of EM rounds; there is no convergence test, so
// runtime is bounded and deterministic.
type Fitter struct {
	Raster     *Rasterizer
	Target     *volume.ProbVolume
	Iterations int
}

// Fit runs the EM estimation and returns one alpha vector per node,
// each summing to 1 up to rounding.
//
// Alphas start uniform at 1/C. Each round evaluates the rasterized
// prediction at every voxel (the E-step; the model parameterizes the
// observed field directly, so the expectation is the forward
// rasterization itself) and then reweights each node's alphas by the
// target-to-prediction ratio accumulated over its incident voxels
// with the shared interpolation weights (the M-step, the adjoint of
// the rasterization). A target equal to the rasterization of some
// alphas is therefore a fixed point of the update.
//
// Nodes that receive no voxel weight keep their previous alphas; a
// zero accumulator never turns into 0/0.
//
// Parallel rounds accumulate into per-worker partials that are
// folded in worker order behind a barrier, so the result is
// bit-reproducible regardless of scheduling.
func (f *Fitter) Fit() ([][]float64, error) {
	r := f.Raster
	target := f.Target
	if target.NX != r.NX || target.NY != r.NY || target.NZ != r.NZ {
		return nil, fmt.Errorf("%w: target %dx%dx%d, raster grid %dx%dx%d",
			volume.ErrShapeMismatch, target.NX, target.NY, target.NZ, r.NX, r.NY, r.NZ)
	}
	classes := target.Classes
	if classes < 2 {
		return nil, fmt.Errorf("%w: target has %d classes", volume.ErrShapeMismatch, classes)
	}
	iters := f.Iterations
	if iters <= 0 {
		iters = DefaultEMIterations
	}

	nodes := r.Mesh.NumNodes()
	alphas := make([][]float64, nodes)
	for n := range alphas {
		alphas[n] = make([]float64, classes)
		for c := range alphas[n] {
			alphas[n][c] = 1 / float64(classes)
		}
	}

	type partial struct {
		acc  []float64 // ratio sums, [node][class]
		wsum []float64 // total interpolation weight per node
	}
	parts := make([]partial, r.workers)
	for w := range parts {
		parts[w] = partial{
			acc:  make([]float64, nodes*classes),
			wsum: make([]float64, nodes),
		}
	}

	elems := r.Mesh.Elements()
	for iter := 0; iter < iters; iter++ {
		var wg sync.WaitGroup
		for w := 0; w < r.workers; w++ {
			z0, z1 := r.slab(w)
			if z0 >= z1 {
				continue
			}
			wg.Add(1)
			go func(p *partial, z0, z1 int) {
				defer wg.Done()
				for i := range p.acc {
					p.acc[i] = 0
				}
				for i := range p.wsum {
					p.wsum[i] = 0
				}
				pred := make([]float64, classes)
				for i := (z0 * r.NY) * r.NX; i < (z1*r.NY)*r.NX; i++ {
					e := r.elems[i]
					if e < 0 {
						continue
					}
					t := elems[e]
					bw := r.weights[4*i : 4*i+4]

					// E-step: rasterized prediction at this voxel.
					for c := 0; c < classes; c++ {
						pred[c] = 0
					}
					for k := 0; k < 4; k++ {
						a := alphas[t[k]]
						for c := 0; c < classes; c++ {
							pred[c] += bw[k] * a[c]
						}
					}

					// M-step contribution: weight times the
					// target/prediction ratio. A zero prediction
					// implies zero alpha on every incident node for
					// that class, so the term carries nothing.
					tv := target.Data[i*classes : (i+1)*classes]
					for k := 0; k < 4; k++ {
						n := int(t[k])
						p.wsum[n] += bw[k]
						row := p.acc[n*classes : (n+1)*classes]
						for c := 0; c < classes; c++ {
							if pred[c] <= 0 {
								continue
							}
							row[c] += bw[k] * float64(tv[c]) / (volume.FullScale * pred[c])
						}
					}
				}
			}(&parts[w], z0, z1)
		}
		wg.Wait()

		// Fold partials in worker order and renormalize per node.
		next := make([]float64, classes)
		for n := 0; n < nodes; n++ {
			var wsum float64
			for c := range next {
				next[c] = 0
			}
			for w := range parts {
				wsum += parts[w].wsum[n]
				row := parts[w].acc[n*classes : (n+1)*classes]
				for c := 0; c < classes; c++ {
					next[c] += row[c]
				}
			}
			if wsum == 0 {
				continue // ZeroWeightNode: carry the previous alphas
			}
			a := alphas[n]
			for c := 0; c < classes; c++ {
				next[c] *= a[c]
			}
			total := floats.Sum(next)
			if total == 0 {
				continue
			}
			for c := 0; c < classes; c++ {
				a[c] = next[c] / total
			}
		}
	}
	return alphas, nil
}
