package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellgan/internal/orchestrator"
	"cellgan/internal/router"
	"cellgan/internal/stylegan"
)

func newGenerateCmd(a *app) *cobra.Command {
	var (
		variant   string
		count     int
		outDir    string
		weights   string
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Synthesize images with one generator variant, skipping classification",
		Example: `  cellgan generate --variant positive -n 50 --out ./augmented
  cellgan generate --variant negative -n 8 --weights ./neg.safetensors --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			binding, ok := router.Lookup(router.Variant(variant))
			if !ok {
				return fmt.Errorf("unknown variant %q (valid: %v)", variant, router.Variants())
			}
			if count < 1 {
				return fmt.Errorf("%w: -n %d", orchestrator.ErrInvalidRequest, count)
			}
			if !cmd.Flags().Changed("batch-size") {
				batchSize = a.cfg.Generation.BatchSize
			}
			if weights == "" {
				weights = a.cfg.GeneratorWeights(variant, binding.WeightsFile)
			}

			dev := a.newDevice()
			g, _, err := stylegan.Load(dev, weights, stylegan.DefaultArch(), stylegan.Options{
				Variant: variant,
				Strict:  a.cfg.Generation.StrictWeights,
			})
			if err != nil {
				return err
			}
			res, err := orchestrator.New(g).Run(dev, orchestrator.Request{
				NumImages: count,
				BatchSize: batchSize,
				Steps:     binding.Steps,
				Variant:   variant,
				OutputDir: outDir,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(router.Positive), "Generator variant: positive or negative")
	cmd.Flags().IntVarP(&count, "num", "n", 10, "Number of images")
	cmd.Flags().StringVarP(&outDir, "out", "o", "generated", "Output directory")
	cmd.Flags().StringVar(&weights, "weights", "", "Bundle path (default: the variant's configured bundle)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10, "Images per synthesis call, overrides generation.batch_size")
	return cmd
}
