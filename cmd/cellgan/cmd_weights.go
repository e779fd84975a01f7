package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cellgan/internal/classifier"
	"cellgan/internal/router"
	"cellgan/internal/safetensors"
	"cellgan/internal/stylegan"
)

func newWeightsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Create randomly initialized model files for smoke runs",
	}
	cmd.AddCommand(newWeightsInitCmd(a), newWeightsInitClassifierCmd(a))
	return cmd
}

func newWeightsInitCmd(a *app) *cobra.Command {
	var variant, out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an untrained generator bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			binding, ok := router.Lookup(router.Variant(variant))
			if !ok {
				return fmt.Errorf("unknown variant %q (valid: %v)", variant, router.Variants())
			}
			if out == "" {
				out = a.cfg.GeneratorWeights(variant, binding.WeightsFile)
			}
			g, err := stylegan.New(stylegan.DefaultArch(), a.newDevice())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := g.Save(out, variant); err != nil {
				return err
			}
			a.logger.Info("bundle written",
				zap.String("path", out),
				zap.String("variant", variant),
				zap.Int("params", g.NumParams()))
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(router.Positive), "Variant tag stored in the bundle")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default: the variant's configured bundle)")
	return cmd
}

func newWeightsInitClassifierCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init-classifier",
		Short: "Write an untrained ResNet-18 state dict for the native backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = a.cfg.ModelPath(a.cfg.Models.ClassifierWeights)
			}
			r := classifier.NewResNet18(a.newDevice(), 2)
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := safetensors.Write(out, r.Tensors(), nil); err != nil {
				return err
			}
			a.logger.Info("classifier written", zap.String("path", out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default: the configured classifier weights)")
	return cmd
}
