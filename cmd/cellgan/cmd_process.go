package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cellgan/internal/orchestrator"
	"cellgan/internal/pipeline"
)

func newProcessCmd(a *app) *cobra.Command {
	var (
		multiplier int
		outDir     string
		batchSize  int
	)
	cmd := &cobra.Command{
		Use:   "process <archive.zip|dir>",
		Short: "Classify a set of images and generate multiplier times as many",
		Long: `Runs a full augmentation request. A zip archive is extracted to scratch
space, the generated images are packed into
<output_dir>/<variant>_generated_<id>.zip and scratch space is removed.
A directory is read in place and images are written to --out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if multiplier < 1 {
				return fmt.Errorf("%w: multiplier %d", orchestrator.ErrInvalidRequest, multiplier)
			}
			if cmd.Flags().Changed("batch-size") {
				if batchSize < 1 {
					return fmt.Errorf("%w: batch size %d", orchestrator.ErrInvalidRequest, batchSize)
				}
				a.cfg.Generation.BatchSize = batchSize
			}
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}

			dev := a.newDevice()
			c, err := a.openClassifier(dev)
			if err != nil {
				return err
			}
			defer c.Close()
			p := pipeline.New(a.cfg, c)

			var rep *pipeline.Report
			if info.IsDir() {
				if outDir == "" {
					outDir = a.cfg.Work.OutputDir
				}
				rep, err = p.Run(dev, args[0], outDir, multiplier)
			} else {
				rep, err = p.ProcessArchive(dev, args[0], multiplier)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVarP(&multiplier, "multiplier", "m", 1, "Images to generate per input image")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory for directory input (default: work.output_dir)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "Images per synthesis call, overrides generation.batch_size")
	return cmd
}
