// Command cellgan classifies microscopy cell images and augments a dataset
// with images from the matching style-based generator.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cellgan/internal/config"
	"cellgan/internal/device"
)

// app carries global flags and the state PersistentPreRunE builds from them
type app struct {
	verbose    bool
	configPath string
	seed       int64
	workers    int

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "cellgan",
		Short: "Classify cell images and generate more of the dominant class",
		Long: `cellgan tallies a set of cell images as positive or negative with a
ResNet-18 classifier, picks the generator trained on the majority class and
synthesizes multiplier × input-count new images.

Ties go to the positive generator (6 steps, 256x256); otherwise the negative
generator runs at 5 steps, 128x128.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Generation.Workers = a.workers
			}
			if cmd.Flags().Changed("seed") {
				cfg.Generation.Seed = a.seed
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg

			a.logger, err = buildLogger(cfg.Logging, a.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "cellgan.yaml", "Config file (missing file means defaults)")
	root.PersistentFlags().Int64Var(&a.seed, "seed", 0, "Random seed (0 = time based)")
	root.PersistentFlags().IntVar(&a.workers, "workers", 1, "Concurrent synthesis calls")

	root.AddCommand(
		newClassifyCmd(a),
		newGenerateCmd(a),
		newProcessCmd(a),
		newInspectCmd(a),
		newWeightsCmd(a),
	)
	return root
}

// buildLogger follows the configured level and format; verbose forces debug.
func buildLogger(lc config.LoggingConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.Set(lc.Level); err != nil {
			return nil, err
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newDevice builds the execution context for one command
func (a *app) newDevice() *device.Context {
	name := device.CPU
	if a.cfg.Classifier.GPU {
		name = device.CUDA
	}
	return device.New(
		device.WithName(name),
		device.WithLogger(a.logger),
		device.WithSeed(a.cfg.Generation.Seed),
		device.WithWorkers(a.cfg.Generation.Workers),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
