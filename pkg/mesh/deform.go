package mesh

import "fmt"

// ApplyDeformation composes reference node positions with a
// subject/level displacement field and an integer crop offset,
// producing subject-space positions:
//
//	out[i] = ref[i] + disp[i] + offset
//
// The offset undoes the cropping applied to the subject's image, so
// node coordinates land in the uncropped voxel grid. Pure function;
// neither input is modified.
func ApplyDeformation(ref, disp []Point3, offset [3]int) ([]Point3, error) {
	if len(disp) != len(ref) {
		return nil, fmt.Errorf("%w: %d displacements for %d nodes", ErrShapeMismatch, len(disp), len(ref))
	}
	out := make([]Point3, len(ref))
	for i := range ref {
		for a := 0; a < 3; a++ {
			out[i][a] = ref[i][a] + disp[i][a] + float64(offset[a])
		}
	}
	return out, nil
}
