package atlas

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"meshatlas/pkg/mesh"
)

// Statistics accumulates per-subject alpha estimates for one
// resolution level as a [nodes x classes x subjects] tensor and
// reduces them to the population atlas.
//
// Layout is subject-fastest: the S values of one (node, class) pair
// are contiguous, which is what the mean reduction walks.
type Statistics struct {
	Nodes, Classes, Subjects int
	Data                     []float64

	// weights holds 1 for stored subject columns and 0 for empty
	// ones, so the reductions never average in a missing subject.
	weights []float64
}

// NewStatistics allocates an empty accumulator.
func NewStatistics(nodes, classes, subjects int) *Statistics {
	return &Statistics{
		Nodes: nodes, Classes: classes, Subjects: subjects,
		Data:    make([]float64, nodes*classes*subjects),
		weights: make([]float64, subjects),
	}
}

// Store copies subject i's converged alpha vectors into the tensor.
// The alphas are owned by the caller and remain untouched.
func (s *Statistics) Store(i int, alphas [][]float64) error {
	if i < 0 || i >= s.Subjects {
		return fmt.Errorf("%w: subject index %d of %d", mesh.ErrShapeMismatch, i, s.Subjects)
	}
	if len(alphas) != s.Nodes {
		return fmt.Errorf("%w: %d alpha vectors for %d nodes", mesh.ErrShapeMismatch, len(alphas), s.Nodes)
	}
	for n, a := range alphas {
		if len(a) != s.Classes {
			return fmt.Errorf("%w: node %d has %d classes, want %d", mesh.ErrShapeMismatch, n, len(a), s.Classes)
		}
		for c, v := range a {
			s.Data[(n*s.Classes+c)*s.Subjects+i] = v
		}
	}
	s.weights[i] = 1
	return nil
}

// StoredCount returns how many subjects have been stored so far.
func (s *Statistics) StoredCount() int {
	count := 0
	for _, w := range s.weights {
		if w != 0 {
			count++
		}
	}
	return count
}

// Compacted returns the tensor restricted to the stored subject
// columns, together with the original indices of those subjects in
// ascending order. When every subject is stored the tensor is
// returned as is.
func (s *Statistics) Compacted() ([]float64, []int) {
	var kept []int
	for i, w := range s.weights {
		if w != 0 {
			kept = append(kept, i)
		}
	}
	if len(kept) == s.Subjects {
		return s.Data, kept
	}
	out := make([]float64, s.Nodes*s.Classes*len(kept))
	for n := 0; n < s.Nodes; n++ {
		for c := 0; c < s.Classes; c++ {
			src := (n*s.Classes + c) * s.Subjects
			dst := (n*s.Classes + c) * len(kept)
			for j, i := range kept {
				out[dst+j] = s.Data[src+i]
			}
		}
	}
	return out, kept
}

// Mean reduces the tensor over the subject axis, yielding the
// level's atlas: one mean alpha vector per node. Only stored
// subjects contribute; an empty column is never averaged in. The
// mean is not renormalized; if every stored subject's vectors sum
// to 1, so does the mean, by linearity. At least one subject must
// be stored.
func (s *Statistics) Mean() [][]float64 {
	out := make([][]float64, s.Nodes)
	for n := range out {
		row := make([]float64, s.Classes)
		for c := range row {
			off := (n*s.Classes + c) * s.Subjects
			row[c] = stat.Mean(s.Data[off:off+s.Subjects], s.weights)
		}
		out[n] = row
	}
	return out
}
