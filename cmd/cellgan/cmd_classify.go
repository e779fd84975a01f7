package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellgan/internal/classifier"
	"cellgan/internal/device"
	"cellgan/internal/pipeline"
)

func newClassifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <dir>",
		Short: "Tally the images below a directory as positive or negative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev := a.newDevice()
			c, err := a.openClassifier(dev)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.ClassifyDir(dev, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res.Summary()); err != nil {
				return err
			}
			if res.Tally.Total() == 0 {
				return fmt.Errorf("%w in %s", pipeline.ErrNoImages, args[0])
			}
			return nil
		},
	}
}

// openClassifier loads the configured backend's model
func (a *app) openClassifier(dev *device.Context) (*classifier.Classifier, error) {
	m, err := classifier.Open(dev, classifier.Options{
		Backend:    a.cfg.Classifier.Backend,
		Weights:    a.cfg.ClassifierWeights(),
		ImageSize:  a.cfg.Classifier.ImageSize,
		ORTLibrary: a.cfg.Classifier.ORTLibrary,
		GPU:        a.cfg.Classifier.GPU,
	})
	if err != nil {
		return nil, err
	}
	return classifier.New(m, a.cfg.Classifier.ImageSize), nil
}
