package pipeline

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"meshatlas/internal/models"
	"meshatlas/pkg/volume"
)

// writeTestMeshCollection writes a one-element mesh enclosing every
// voxel of a 4x4x4 grid.
func writeTestMeshCollection(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "mesh_level1.json")
	doc := `{
		"points": [[-1,-1,-1],[16,-1,-1],[-1,16,-1],[-1,-1,16]],
		"tetrahedra": [[0,1,2,3]]
	}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("failed to write mesh collection: %v", err)
	}
	return path
}

// writeTestSubject creates a subject directory with a zero
// deformation history and a constant-label segmentation.
func writeTestSubject(t *testing.T, subjectsDir, name string, label int32) {
	t.Helper()
	dir := filepath.Join(subjectsDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create subject dir: %v", err)
	}

	history := `{
		"cropOffset": [0, 0, 0],
		"deformations": [[[0,0,0],[0,0,0],[0,0,0],[0,0,0]]]
	}`
	if err := os.WriteFile(filepath.Join(dir, "history.json"), []byte(history), 0644); err != nil {
		t.Fatalf("failed to write history: %v", err)
	}

	v := volume.NewLabelVolume(4, 4, 4)
	for i := range v.Data {
		v.Data[i] = label
	}
	if err := models.SaveLabelVolume(filepath.Join(dir, "segmentation"), v); err != nil {
		t.Fatalf("failed to write segmentation: %v", err)
	}
}

// TestProcessBinary runs the full pipeline on two synthetic subjects
// and checks the persisted statistics and run records
func TestProcessBinary(t *testing.T) {
	root := t.TempDir()
	subjectsDir := filepath.Join(root, "subjects")
	outDir := filepath.Join(root, "out")

	writeTestSubject(t, subjectsDir, "s01", 1) // all foreground
	writeTestSubject(t, subjectsDir, "s02", 0) // all background
	meshFile := writeTestMeshCollection(t, root)

	params := &Params{
		SubjectsDir:      subjectsDir,
		SegmentationName: "segmentation",
		MeshCollections:  []string{meshFile},
		OutDir:           outDir,
		Foreground:       1,
		EMIterations:     5,
		Workers:          2,
	}
	b := NewBuilder(params)
	if err := b.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(b.Skipped()) != 0 {
		t.Fatalf("Unexpected skipped subjects: %v", b.Skipped())
	}

	// Run records
	for _, name := range []string{"subjects.txt", "labels.txt", "manifest.json", "meshatlas.log"} {
		if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
			t.Errorf("Missing run record %s: %v", name, err)
		}
	}

	// Statistics tensor: s01 converges to foreground, s02 to
	// background, at every node
	hdr, data, err := models.LoadStatistics(filepath.Join(outDir, "label_statistics_atlas_1"))
	if err != nil {
		t.Fatalf("LoadStatistics failed: %v", err)
	}
	if hdr.Nodes != 4 || hdr.Classes != 2 || len(hdr.Subjects) != 2 {
		t.Fatalf("Unexpected statistics header: %+v", hdr)
	}

	at := func(node, class, subject int) float64 {
		return data[(node*hdr.Classes+class)*len(hdr.Subjects)+subject]
	}
	for node := 0; node < 4; node++ {
		if math.Abs(at(node, 1, 0)-1) > 1e-9 {
			t.Errorf("Node %d: s01 foreground alpha = %f, expected 1", node, at(node, 1, 0))
		}
		if math.Abs(at(node, 0, 1)-1) > 1e-9 {
			t.Errorf("Node %d: s02 background alpha = %f, expected 1", node, at(node, 0, 1))
		}
	}
}

// TestProcessSkipsBadSubject verifies that a subject with missing
// inputs is skipped and reported rather than failing the run
func TestProcessSkipsBadSubject(t *testing.T) {
	root := t.TempDir()
	subjectsDir := filepath.Join(root, "subjects")
	outDir := filepath.Join(root, "out")

	writeTestSubject(t, subjectsDir, "s01", 1)
	// s02 exists but has no history or segmentation
	if err := os.MkdirAll(filepath.Join(subjectsDir, "s02"), 0755); err != nil {
		t.Fatalf("failed to create subject dir: %v", err)
	}
	meshFile := writeTestMeshCollection(t, root)

	params := &Params{
		SubjectsDir:      subjectsDir,
		SegmentationName: "segmentation",
		MeshCollections:  []string{meshFile},
		OutDir:           outDir,
		Foreground:       1,
		EMIterations:     2,
		Workers:          1,
	}
	b := NewBuilder(params)
	if err := b.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	skipped := b.Skipped()
	if len(skipped) != 1 || skipped[0] != "s02" {
		t.Errorf("Skipped = %v, expected [s02]", skipped)
	}

	// The persisted statistics must cover the fitted subject only; a
	// skipped subject's empty column would drag the atlas mean down.
	hdr, data, err := models.LoadStatistics(filepath.Join(outDir, "label_statistics_atlas_1"))
	if err != nil {
		t.Fatalf("LoadStatistics failed: %v", err)
	}
	if len(hdr.Subjects) != 1 || hdr.Subjects[0] != "s01" {
		t.Fatalf("Statistics subjects = %v, expected [s01]", hdr.Subjects)
	}
	if want := hdr.Nodes * hdr.Classes; len(data) != want {
		t.Fatalf("Statistics tensor has %d values, expected %d", len(data), want)
	}
	for node := 0; node < hdr.Nodes; node++ {
		sum := 0.0
		for class := 0; class < hdr.Classes; class++ {
			sum += data[node*hdr.Classes+class]
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("Node %d alphas sum to %f", node, sum)
		}
	}
}

// TestProcessFailFast verifies the abort-on-first-error mode
func TestProcessFailFast(t *testing.T) {
	root := t.TempDir()
	subjectsDir := filepath.Join(root, "subjects")

	if err := os.MkdirAll(filepath.Join(subjectsDir, "s01"), 0755); err != nil {
		t.Fatalf("failed to create subject dir: %v", err)
	}
	meshFile := writeTestMeshCollection(t, root)

	params := &Params{
		SubjectsDir:      subjectsDir,
		SegmentationName: "segmentation",
		MeshCollections:  []string{meshFile},
		OutDir:           filepath.Join(root, "out"),
		Foreground:       1,
		FailFast:         true,
		Workers:          1,
	}
	if err := NewBuilder(params).Process(); err == nil {
		t.Error("Expected Process to fail fast on a broken subject")
	}
}

// TestProcessMultiStructure runs the pipeline with two target labels
func TestProcessMultiStructure(t *testing.T) {
	root := t.TempDir()
	subjectsDir := filepath.Join(root, "subjects")
	outDir := filepath.Join(root, "out")

	writeTestSubject(t, subjectsDir, "s01", 10)
	meshFile := writeTestMeshCollection(t, root)

	params := &Params{
		SubjectsDir:      subjectsDir,
		SegmentationName: "segmentation",
		MeshCollections:  []string{meshFile},
		OutDir:           outDir,
		MultiStructure:   true,
		Labels:           []int32{10, 20},
		EMIterations:     3,
		Workers:          1,
	}
	b := NewBuilder(params)
	if err := b.Process(); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	hdr, data, err := models.LoadStatistics(filepath.Join(outDir, "label_statistics_atlas_1"))
	if err != nil {
		t.Fatalf("LoadStatistics failed: %v", err)
	}
	if hdr.Classes != 3 {
		t.Fatalf("Expected 3 classes, got %d", hdr.Classes)
	}
	// Everything is label 10, so class 1 takes all the mass
	for node := 0; node < hdr.Nodes; node++ {
		v := data[(node*hdr.Classes+1)*len(hdr.Subjects)]
		if math.Abs(v-1) > 1e-9 {
			t.Errorf("Node %d class 1 alpha = %f, expected 1", node, v)
		}
	}
}
