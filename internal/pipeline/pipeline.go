// Package pipeline runs a complete augmentation request: classify the input
// images, pick the generator variant, synthesize a multiple of the input
// count and package the result.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cellgan/internal/classifier"
	"cellgan/internal/config"
	"cellgan/internal/device"
	"cellgan/internal/orchestrator"
	"cellgan/internal/router"
	"cellgan/internal/stylegan"
)

// DirClassifier tallies the images below a directory
type DirClassifier interface {
	ClassifyDir(dev *device.Context, dir string) (*classifier.Result, error)
}

// GeneratorLoader returns a synthesizer bound to the binding's weights.
type GeneratorLoader func(dev *device.Context, b router.Binding) (orchestrator.Synthesizer, error)

type Pipeline struct {
	Config     *config.Config
	Classifier DirClassifier
	// LoadGenerator defaults to reading the variant's bundle from the
	// configured models directory. Weights are loaded fresh per request.
	LoadGenerator GeneratorLoader
	// Arch is the generator architecture; zero means stylegan.DefaultArch.
	Arch stylegan.Arch
}

func New(cfg *config.Config, c DirClassifier) *Pipeline {
	p := &Pipeline{Config: cfg, Classifier: c}
	p.LoadGenerator = p.loadBundle
	return p
}

func (p *Pipeline) arch() stylegan.Arch {
	if len(p.Arch.Channels) == 0 {
		return stylegan.DefaultArch()
	}
	return p.Arch
}

func (p *Pipeline) loadBundle(dev *device.Context, b router.Binding) (orchestrator.Synthesizer, error) {
	path := p.Config.GeneratorWeights(string(b.Variant), b.WeightsFile)
	g, _, err := stylegan.Load(dev, path, p.arch(), stylegan.Options{
		Variant: string(b.Variant),
		Strict:  p.Config.Generation.StrictWeights,
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Report is the record of a finished request.
type Report struct {
	ID        string             `json:"id"`
	Summary   classifier.Summary `json:"classification_summary"`
	GANUsed   string             `json:"gan_used"`
	Variant   string             `json:"variant"`
	Generated int                `json:"generated"`
	// Archive is set by ProcessArchive.
	Archive   string `json:"processed_file,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// Run classifies inputDir and writes total×multiplier images to outputDir.
func (p *Pipeline) Run(dev *device.Context, inputDir, outputDir string, multiplier int) (*Report, error) {
	return p.run(dev, uuid.NewString(), inputDir, outputDir, multiplier)
}

func (p *Pipeline) run(dev *device.Context, id, inputDir, outputDir string, multiplier int) (*Report, error) {
	log := dev.Logger().Named("pipeline").With(zap.String("id", id))
	if multiplier < 1 {
		return nil, fmt.Errorf("%w: multiplier %d", orchestrator.ErrInvalidRequest, multiplier)
	}

	res, err := p.Classifier.ClassifyDir(dev, inputDir)
	if err != nil {
		return nil, fatal("classify", err)
	}
	summary := res.Summary()
	if res.Tally.Total() == 0 {
		log.Warn("no valid images", zap.String("input", inputDir), zap.Int("skipped", len(res.Skipped)))
		return nil, fmt.Errorf("%w in %s", ErrNoImages, inputDir)
	}

	binding := router.Route(res.Tally)
	numImages := res.Tally.Total() * multiplier
	log.Info("routing",
		zap.Stringer("gan", binding),
		zap.Int("originals", res.Tally.Total()),
		zap.Int("multiplier", multiplier),
		zap.Int("images", numImages))

	start := time.Now()
	synth, err := p.LoadGenerator(dev, binding)
	if err != nil {
		return nil, fatal("weights", err)
	}
	log.Debug("generator ready", zap.Duration("elapsed", time.Since(start)))

	out, err := orchestrator.New(synth).Run(dev, orchestrator.Request{
		NumImages: numImages,
		BatchSize: p.Config.Generation.BatchSize,
		Steps:     binding.Steps,
		Variant:   string(binding.Variant),
		OutputDir: outputDir,
	})
	if err != nil {
		return nil, fatal("generate", err)
	}

	return &Report{
		ID:        id,
		Summary:   summary,
		GANUsed:   binding.String(),
		Variant:   string(binding.Variant),
		Generated: len(out.Written),
		OutputDir: outputDir,
	}, nil
}

// ProcessArchive extracts a zip of images, runs the request on it and packs
// the generated images into <variant>_generated_<id>.zip under the
// configured output directory. Scratch directories are removed on every path.
func (p *Pipeline) ProcessArchive(dev *device.Context, archivePath string, multiplier int) (rep *Report, err error) {
	if !strings.EqualFold(filepath.Ext(archivePath), ".zip") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInput, filepath.Base(archivePath))
	}
	id := uuid.NewString()
	log := dev.Logger().Named("pipeline").With(zap.String("id", id))

	inDir := filepath.Join(p.Config.Work.ScratchDir, "temp", id)
	genDir := filepath.Join(p.Config.Work.ScratchDir, "generated", id)
	defer func() {
		err = multierr.Combine(err, os.RemoveAll(inDir), os.RemoveAll(genDir))
		if err != nil {
			rep = nil
		}
	}()

	if err := os.MkdirAll(inDir, 0o755); err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	n, err := extractZip(archivePath, inDir)
	if err != nil {
		if errors.Is(err, ErrUnsafeArchivePath) {
			return nil, err
		}
		return nil, fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}
	log.Info("archive extracted", zap.String("archive", archivePath), zap.Int("files", n))

	rep, err = p.run(dev, id, inDir, genDir, multiplier)
	if err != nil {
		return nil, err
	}

	archive := filepath.Join(p.Config.Work.OutputDir, fmt.Sprintf("%s_generated_%s.zip", rep.Variant, id))
	packed, err := writeZip(genDir, archive)
	if err != nil {
		return nil, fatal("package", err)
	}
	log.Info("archive written", zap.String("archive", archive), zap.Int("files", packed))

	rep.Archive = archive
	rep.OutputDir = ""
	return rep, nil
}
