package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cellgan/internal/router"
	"cellgan/internal/stylegan"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [bundle...]",
		Short: "Report the architecture stored in generator bundles",
		Long: `Reads each bundle's header and tensor shapes and compares them with the
generator architecture: stored widths per step, missing and unexpected
tensors, shape conflicts. Without arguments both configured bundles are read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				for _, v := range router.Variants() {
					b, _ := router.Lookup(v)
					paths = append(paths, a.cfg.GeneratorWeights(string(v), b.WeightsFile))
				}
			}

			reports := make([]*stylegan.Report, 0, len(paths))
			for _, p := range paths {
				rep, err := stylegan.Inspect(p, stylegan.DefaultArch())
				if err != nil {
					return err
				}
				if len(rep.Missing) > 0 || len(rep.ShapeErrors) > 0 {
					a.logger.Warn("bundle does not match the generator",
						zap.String("path", p),
						zap.Int("missing", len(rep.Missing)),
						zap.Int("shape_errors", len(rep.ShapeErrors)))
				}
				reports = append(reports, rep)
			}
			return printJSON(cmd.OutOrStdout(), reports)
		},
	}
}
