package main

import "github.com/urfave/cli/v3"

var (
	subjectsDir      string
	subjectsFile     string
	segmentationName string
	meshCollections  []string
	outDir           string
	configPath       string
	multiStructure   bool
	labelValues      []int64
	labelsFile       string
	foreground       int64
	emIterations     int64
	workers          int64
	failFast         bool
	savePriors       bool
	saveAveragePrior bool
	figureScale      int64
	quiet            bool
)

func fitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "subjects-dir",
			Usage:       "directory with one subdirectory per subject (history.json + segmentation volume)",
			Required:    true,
			Destination: &subjectsDir,
		},
		&cli.StringFlag{
			Name:        "subjects-file",
			Usage:       "text file listing the subjects to process (default: all subdirectories)",
			Destination: &subjectsFile,
		},
		&cli.StringFlag{
			Name:        "segmentation-name",
			Usage:       "base name of the label volume inside each subject directory",
			Value:       "segmentation",
			Destination: &segmentationName,
		},
		&cli.StringSliceFlag{
			Name:        "mesh-collection",
			Usage:       "mesh collection file, one per resolution level (repeatable)",
			Required:    true,
			Destination: &meshCollections,
		},
		&cli.StringFlag{
			Name:        "out-dir",
			Aliases:     []string{"o"},
			Usage:       "output directory",
			Required:    true,
			Destination: &outDir,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "YAML configuration file",
			Destination: &configPath,
		},
		&cli.BoolFlag{
			Name:        "multi-structure",
			Usage:       "fit one class per target label plus background",
			Destination: &multiStructure,
		},
		&cli.IntSliceFlag{
			Name:        "labels",
			Usage:       "target label numbers for multi-structure runs (repeatable)",
			Destination: &labelValues,
		},
		&cli.StringFlag{
			Name:        "labels-file",
			Usage:       "text file with target label numbers (instead of --labels)",
			Destination: &labelsFile,
		},
		&cli.IntFlag{
			Name:        "foreground",
			Usage:       "foreground label for binary runs",
			Value:       1,
			Destination: &foreground,
		},
		&cli.IntFlag{
			Name:        "em-iterations",
			Usage:       "fixed EM iteration budget per subject",
			Value:       10,
			Destination: &emIterations,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "parallel workers (default: all CPUs)",
			Destination: &workers,
		},
		&cli.BoolFlag{
			Name:        "fail-fast",
			Usage:       "abort on the first failed subject instead of skipping it",
			Destination: &failFast,
		},
		&cli.BoolFlag{
			Name:        "save-priors",
			Usage:       "save each subject's rasterized prior as slice images",
			Destination: &savePriors,
		},
		&cli.BoolFlag{
			Name:        "save-average-prior",
			Usage:       "save the rasterized population prior per level",
			Destination: &saveAveragePrior,
		},
		&cli.IntFlag{
			Name:        "figure-scale",
			Usage:       "integer upscaling factor for saved slice images",
			Value:       1,
			Destination: &figureScale,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "suppress progress output",
			Destination: &quiet,
		},
	}
}
