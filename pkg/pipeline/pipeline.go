// Package pipeline orchestrates atlas estimation across resolution
// levels and subjects: it loads mesh collections and subject data,
// runs the per-subject EM alpha fit, aggregates the results into
// per-level label statistics and persists everything to the output
// directory.
package pipeline

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"meshatlas/internal/models"
	"meshatlas/pkg/atlas"
	"meshatlas/pkg/config"
	"meshatlas/pkg/mesh"
	"meshatlas/pkg/visualization"
	"meshatlas/pkg/volume"
)

// Params holds the run configuration.
type Params struct {
	// SubjectsDir contains one directory per subject with the
	// subject's history.json and segmentation volume.
	SubjectsDir string

	// Subjects optionally restricts the run to an explicit subject
	// list; empty means every subdirectory of SubjectsDir, sorted.
	Subjects []string

	// SegmentationName is the base name of the label volume inside
	// each subject directory (without the .json/.bin extensions).
	SegmentationName string

	// MeshCollections lists the mesh collection file of each
	// resolution level, coarsest first.
	MeshCollections []string

	// OutDir receives statistics tensors, figures and run metadata.
	OutDir string

	// MultiStructure fits one class per entry of Labels plus
	// background; otherwise Foreground against background.
	MultiStructure bool
	Labels         []int32
	Foreground     int32

	// EMIterations is the fixed iteration budget per subject fit.
	EMIterations int

	// Workers bounds the parallelism of the rasterizer and of the
	// subject fan-out.
	Workers int

	// FailFast aborts the run on the first failed subject instead of
	// skipping it.
	FailFast bool

	SavePriors       bool
	SaveAveragePrior bool
	FigureScale      int
	Verbose          bool
}

// FromConfig builds Params from a loaded configuration file. Paths
// and mesh collections still come from the caller.
func FromConfig(cfg *config.Config) *Params {
	return &Params{
		SegmentationName: "segmentation",
		MultiStructure:   cfg.Labels.MultiStructure,
		Labels:           cfg.Labels.Targets,
		Foreground:       cfg.Labels.Foreground,
		EMIterations:     cfg.Estimation.EMIterations,
		Workers:          cfg.Estimation.Workers,
		FailFast:         cfg.Estimation.FailFast,
		SavePriors:       cfg.Output.SavePriors,
		SaveAveragePrior: cfg.Output.SaveAveragePrior,
		FigureScale:      cfg.Output.FigureScale,
		Verbose:          cfg.Output.Verbose,
	}
}

// manifest is the run record written to OutDir/manifest.json.
type manifest struct {
	RunID        string    `json:"runId"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	Subjects     []string  `json:"subjects"`
	Skipped      []string  `json:"skipped,omitempty"`
	Labels       []int32   `json:"labels"`
	Classes      int       `json:"classes"`
	EMIterations int       `json:"emIterations"`
	Levels       []string  `json:"levels"`
}

// Builder runs the estimation described by its Params.
type Builder struct {
	params *Params

	subjects []string
	classes  int
	skipped  []string

	logFile *os.File
}

// NewBuilder creates a builder for the given parameters.
func NewBuilder(params *Params) *Builder {
	return &Builder{params: params}
}

// Skipped returns the subjects that failed and were skipped.
func (b *Builder) Skipped() []string { return append([]string(nil), b.skipped...) }

// Process runs the full estimation: every resolution level, every
// subject, followed by the per-level mean reduction and persistence.
func (b *Builder) Process() error {
	p := b.params
	if len(p.MeshCollections) == 0 {
		return fmt.Errorf("no mesh collections given")
	}
	if err := os.MkdirAll(p.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	logFile, err := os.Create(filepath.Join(p.OutDir, "meshatlas.log"))
	if err != nil {
		return fmt.Errorf("failed to create run log: %w", err)
	}
	b.logFile = logFile
	defer logFile.Close()

	if err := b.resolveSubjects(); err != nil {
		return err
	}
	if p.MultiStructure {
		if len(p.Labels) == 0 {
			return fmt.Errorf("multi-structure run without target labels")
		}
		b.classes = len(p.Labels) + 1
	} else {
		b.classes = 2
	}

	if err := b.writeRunInputs(); err != nil {
		return err
	}

	m := manifest{
		RunID:        uuid.NewString(),
		Started:      time.Now().UTC(),
		Subjects:     b.subjects,
		Labels:       p.Labels,
		Classes:      b.classes,
		EMIterations: p.EMIterations,
		Levels:       p.MeshCollections,
	}

	start := time.Now()
	for level := range p.MeshCollections {
		b.logf("Working on mesh collection at level %d", level+1)
		if err := b.processLevel(level, start); err != nil {
			return fmt.Errorf("level %d: %w", level+1, err)
		}
	}

	m.Skipped = b.skipped
	m.Finished = time.Now().UTC()
	return b.writeManifest(&m)
}

// resolveSubjects fills in the subject list, discovering and sorting
// subdirectories when none was given.
func (b *Builder) resolveSubjects() error {
	p := b.params
	if len(p.Subjects) > 0 {
		b.subjects = append([]string(nil), p.Subjects...)
		sort.Strings(b.subjects)
		return nil
	}
	entries, err := os.ReadDir(p.SubjectsDir)
	if err != nil {
		return fmt.Errorf("failed to read subjects directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			b.subjects = append(b.subjects, e.Name())
		}
	}
	if len(b.subjects) == 0 {
		return fmt.Errorf("no subjects found in %s", p.SubjectsDir)
	}
	sort.Strings(b.subjects)
	return nil
}

// writeRunInputs records the effective subject and label lists in
// the output directory.
func (b *Builder) writeRunInputs() error {
	p := b.params
	subs := strings.Join(b.subjects, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(p.OutDir, "subjects.txt"), []byte(subs), 0644); err != nil {
		return fmt.Errorf("failed to write subjects list: %w", err)
	}
	var sb strings.Builder
	if p.MultiStructure {
		for _, l := range p.Labels {
			fmt.Fprintf(&sb, "%d\n", l)
		}
	} else {
		fmt.Fprintf(&sb, "%d\n", p.Foreground)
	}
	if err := os.WriteFile(filepath.Join(p.OutDir, "labels.txt"), []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write labels list: %w", err)
	}
	return nil
}

// subjectResult carries one subject's fit back to the collector.
type subjectResult struct {
	index  int
	alphas [][]float64
	shape  [3]int
	err    error
}

// processLevel fits every subject against the level's reference mesh
// and reduces the collected alphas to the level's atlas.
func (b *Builder) processLevel(level int, start time.Time) error {
	p := b.params

	mc, err := models.LoadMeshCollection(p.MeshCollections[level])
	if err != nil {
		return err
	}
	ref, err := mc.Mesh()
	if err != nil {
		return err
	}
	numNodes := ref.NumNodes()
	b.logf("Loaded mesh collection %s: %d nodes, %d elements",
		p.MeshCollections[level], numNodes, ref.NumElements())
	b.logf("Number of subjects: %d", len(b.subjects))

	stats := atlas.NewStatistics(numNodes, b.classes, len(b.subjects))

	// Fan the subjects out; each fit is independent and owns its
	// alphas until handed to the accumulator.
	// Buffered so an early fail-fast return never strands a sender.
	results := make(chan subjectResult, len(b.subjects))
	sem := make(chan struct{}, b.fanout())
	for i, subject := range b.subjects {
		go func(i int, subject string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			alphas, shape, err := b.processSubject(level, i, subject, mc)
			results <- subjectResult{index: i, alphas: alphas, shape: shape, err: err}
		}(i, subject)
	}

	var shape [3]int
	completed := 0
	for completed < len(b.subjects) {
		res := <-results
		completed++

		elapsed := time.Since(start).Minutes()
		b.logf("Level %d Subject %d/%d %s %6.1f", level+1, completed, len(b.subjects),
			b.subjects[res.index], elapsed)

		if res.err != nil {
			if p.FailFast {
				return fmt.Errorf("subject %s: %w", b.subjects[res.index], res.err)
			}
			log.Printf("Warning: skipping subject %s: %v", b.subjects[res.index], res.err)
			b.skipped = append(b.skipped, b.subjects[res.index])
			continue
		}
		shape = res.shape
		if err := stats.Store(res.index, res.alphas); err != nil {
			return err
		}
	}
	if stats.StoredCount() == 0 {
		return fmt.Errorf("no subject produced a usable fit")
	}

	// Persist only the subjects that produced a fit; a skipped
	// subject must not leave an empty column in the saved tensor.
	data, kept := stats.Compacted()
	fitted := make([]string, len(kept))
	for j, i := range kept {
		fitted[j] = b.subjects[i]
	}
	base := filepath.Join(p.OutDir, fmt.Sprintf("label_statistics_atlas_%d", level+1))
	hdr := models.StatisticsHeader{Nodes: numNodes, Classes: b.classes, Subjects: fitted}
	if err := models.SaveStatistics(base, hdr, data); err != nil {
		return err
	}
	b.logf("Saved label statistics to %s", base)

	if p.SaveAveragePrior {
		if err := b.saveAveragePrior(level, mc, stats.Mean(), shape); err != nil {
			return err
		}
	}
	return nil
}

// processSubject runs the full per-subject chain: deformation,
// label encoding and the EM alpha fit.
func (b *Builder) processSubject(level, index int, subject string, mc *models.MeshCollection) ([][]float64, [3]int, error) {
	p := b.params
	var shape [3]int

	subjectDir := filepath.Join(p.SubjectsDir, subject)
	history, err := models.LoadSubjectHistory(filepath.Join(subjectDir, "history.json"))
	if err != nil {
		return nil, shape, err
	}
	disp, err := history.Displacements(level)
	if err != nil {
		return nil, shape, err
	}

	labels, err := models.LoadLabelVolume(filepath.Join(subjectDir, p.SegmentationName))
	if err != nil {
		return nil, shape, err
	}
	shape = [3]int{labels.NX, labels.NY, labels.NZ}

	ref, err := mc.Mesh()
	if err != nil {
		return nil, shape, err
	}
	positions, err := mesh.ApplyDeformation(ref.Points(), disp, history.CropOffset)
	if err != nil {
		return nil, shape, err
	}
	if err := ref.SetPoints(positions); err != nil {
		return nil, shape, err
	}

	var target *volume.ProbVolume
	if p.MultiStructure {
		target, err = volume.EncodeMulti(labels, p.Labels)
	} else {
		target, err = volume.EncodeBinary(labels, p.Foreground)
	}
	if err != nil {
		return nil, shape, err
	}

	raster := atlas.NewRasterizer(ref, labels.NX, labels.NY, labels.NZ, p.Workers)
	fitter := &atlas.Fitter{Raster: raster, Target: target, Iterations: p.EMIterations}
	alphas, err := fitter.Fit()
	if err != nil {
		return nil, shape, err
	}

	if p.SavePriors {
		field, err := raster.Rasterize(alphas)
		if err != nil {
			return nil, shape, err
		}
		dir := filepath.Join(p.OutDir, fmt.Sprintf("level_%d_rasterized_prior_sub%d", level+1, index+1))
		viewer, err := visualization.NewViewer(field, labels.NX, labels.NY, labels.NZ, b.classes, p.FigureScale)
		if err != nil {
			return nil, shape, err
		}
		if err := viewer.SavePrior(dir); err != nil {
			log.Printf("Warning: failed to save prior figures for %s: %v", subject, err)
		}
	}

	return alphas, shape, nil
}

// saveAveragePrior rasterizes the level's mean alphas on the
// reference mesh over the last fitted subject's grid and saves the
// slice figures. The reference positions keep the figures
// independent of subject completion order.
func (b *Builder) saveAveragePrior(level int, mc *models.MeshCollection, mean [][]float64, shape [3]int) error {
	ref, err := mc.Mesh()
	if err != nil {
		return err
	}
	raster := atlas.NewRasterizer(ref, shape[0], shape[1], shape[2], b.params.Workers)
	field, err := raster.Rasterize(mean)
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(field, shape[0], shape[1], shape[2], b.classes, b.params.FigureScale)
	if err != nil {
		return err
	}
	dir := filepath.Join(b.params.OutDir, fmt.Sprintf("level_%d_average_rasterized_prior", level+1))
	return viewer.SavePrior(dir)
}

// fanout bounds concurrent subject fits.
func (b *Builder) fanout() int {
	w := b.params.Workers
	if w <= 0 {
		w = 1
	}
	if w > len(b.subjects) {
		w = len(b.subjects)
	}
	return w
}

// writeManifest records the run metadata.
func (b *Builder) writeManifest(m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.params.OutDir, "manifest.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// logf prints progress and appends it to the run log, matching the
// original tool's twin console/file logging.
func (b *Builder) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if b.params.Verbose {
		fmt.Println(line)
	}
	if b.logFile != nil {
		fmt.Fprintln(b.logFile, line)
	}
}
