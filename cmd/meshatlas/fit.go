package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"meshatlas/pkg/config"
	"meshatlas/pkg/pipeline"
)

func fitCmd() *cli.Command {
	return &cli.Command{
		Name:   "fit",
		Usage:  "Fit per-node label probabilities and build the population atlas",
		Flags:  fitFlags(),
		Action: runFit,
	}
}

func initConfigCmd() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write a default configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path of the configuration file to create",
				Value:       "meshatlas.yaml",
				Destination: &configPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := config.CreateDefaultConfigFile(configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote default configuration to %s\n", configPath)
			return nil
		},
	}
}

func runFit(ctx context.Context, cmd *cli.Command) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	params := pipeline.FromConfig(cfg)
	params.SubjectsDir = subjectsDir
	params.SegmentationName = segmentationName
	params.MeshCollections = meshCollections
	params.OutDir = outDir

	// Explicit flags win over the configuration file.
	if cmd.IsSet("multi-structure") {
		params.MultiStructure = multiStructure
	}
	if cmd.IsSet("foreground") {
		params.Foreground = int32(foreground)
	}
	if cmd.IsSet("em-iterations") {
		params.EMIterations = int(emIterations)
	}
	if cmd.IsSet("workers") {
		params.Workers = int(workers)
	}
	if cmd.IsSet("fail-fast") {
		params.FailFast = failFast
	}
	if cmd.IsSet("save-priors") {
		params.SavePriors = savePriors
	}
	if cmd.IsSet("save-average-prior") {
		params.SaveAveragePrior = saveAveragePrior
	}
	if cmd.IsSet("figure-scale") {
		params.FigureScale = int(figureScale)
	}
	if cmd.IsSet("quiet") {
		params.Verbose = !quiet
	}

	if len(labelValues) > 0 {
		params.Labels = make([]int32, len(labelValues))
		for i, l := range labelValues {
			params.Labels[i] = int32(l)
		}
	}
	if labelsFile != "" {
		labels, err := readIntList(labelsFile)
		if err != nil {
			return fmt.Errorf("reading labels file: %w", err)
		}
		params.Labels = labels
	}
	if subjectsFile != "" {
		subjects, err := readLines(subjectsFile)
		if err != nil {
			return fmt.Errorf("reading subjects file: %w", err)
		}
		params.Subjects = subjects
	}

	if params.MultiStructure && len(params.Labels) == 0 {
		return fmt.Errorf("--multi-structure requires --labels or --labels-file")
	}

	builder := pipeline.NewBuilder(params)
	if err := builder.Process(); err != nil {
		return err
	}
	if skipped := builder.Skipped(); len(skipped) > 0 {
		fmt.Printf("Completed with %d skipped subject(s): %s\n", len(skipped), strings.Join(skipped, ", "))
	}
	fmt.Println("meshatlas fit done")
	return nil
}

// readLines returns the non-empty trimmed lines of a text file.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// readIntList parses whitespace-separated integers from a text file.
func readIntList(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []int32
	for _, field := range strings.Fields(string(data)) {
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad label %q: %w", field, err)
		}
		out = append(out, int32(v))
	}
	return out, nil
}
