// Package orchestrator splits an image request into batched synthesis calls
// and writes the results as numbered PNG files.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cellgan/internal/device"
	"cellgan/internal/imageio"
	"cellgan/internal/stylegan"
	"cellgan/internal/tensor"
)

var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// DebugSample is written next to the numbered files and duplicates the first image.
const DebugSample = "debug_sample.png"

// Synthesizer maps latents [N, ZDim] to images [N, 3, R, R] in [-1, 1].
type Synthesizer interface {
	Synthesize(dev *device.Context, z *tensor.Tensor, steps int) (*tensor.Tensor, error)
	ZDim() int
}

// Call is one batched synthesis. Its images are numbered
// FirstIndex..FirstIndex+Size-1.
type Call struct {
	Seq        int
	Size       int
	FirstIndex int
}

// Plan splits numImages into full batches plus a remainder. A batch size
// larger than the request shrinks to it.
func Plan(numImages, batchSize int) ([]Call, error) {
	if numImages < 1 {
		return nil, fmt.Errorf("%w: %d images", ErrInvalidRequest, numImages)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size %d", ErrInvalidRequest, batchSize)
	}
	batchSize = min(batchSize, numImages)

	calls := make([]Call, 0, (numImages+batchSize-1)/batchSize)
	for first := 0; first < numImages; first += batchSize {
		calls = append(calls, Call{
			Seq:        len(calls),
			Size:       min(batchSize, numImages-first),
			FirstIndex: first,
		})
	}
	return calls, nil
}

type Request struct {
	NumImages int
	BatchSize int
	Steps     int
	Variant   string
	OutputDir string
}

type Result struct {
	Variant    string `json:"variant"`
	Steps      int    `json:"steps"`
	Resolution int    `json:"resolution"`
	Calls      int    `json:"calls"`
	// Written lists the numbered files in index order.
	Written     []string `json:"written"`
	DebugSample string   `json:"debug_sample"`
}

type Orchestrator struct {
	Synth Synthesizer
}

func New(s Synthesizer) *Orchestrator { return &Orchestrator{Synth: s} }

// Run executes the request. With dev.Workers() > 1 calls run concurrently;
// every call has its own pre-reserved indices and a random stream forked in
// call order, so the files do not depend on the worker count.
func (o *Orchestrator) Run(dev *device.Context, req Request) (*Result, error) {
	log := dev.Logger().Named("orchestrator")
	calls, err := Plan(req.NumImages, req.BatchSize)
	if err != nil {
		return nil, err
	}
	if req.Steps < 0 || req.Steps > stylegan.MaxGrowth {
		return nil, fmt.Errorf("%w: %d not in [0,%d]", stylegan.ErrStepOutOfRange, req.Steps, stylegan.MaxGrowth)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}

	start := time.Now()
	res := &Result{
		Variant:    req.Variant,
		Steps:      req.Steps,
		Resolution: stylegan.Resolution(req.Steps),
		Calls:      len(calls),
	}
	forks := make([]*device.Context, len(calls))
	for i := range calls {
		forks[i] = dev.Fork()
	}
	written := make([][]string, len(calls))

	log.Info("generating",
		zap.String("variant", req.Variant),
		zap.Int("images", req.NumImages),
		zap.Int("calls", len(calls)),
		zap.Int("resolution", res.Resolution),
		zap.Int("workers", dev.Workers()))

	if dev.Workers() <= 1 {
		for i, c := range calls {
			if written[i], err = o.runCall(forks[i], req, c, res.Resolution); err != nil {
				return nil, err
			}
		}
	} else {
		g, ctx := errgroup.WithContext(context.Background())
		g.SetLimit(dev.Workers())
		for i, c := range calls {
			i, c := i, c
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				paths, err := o.runCall(forks[i], req, c, res.Resolution)
				written[i] = paths
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for _, paths := range written {
		res.Written = append(res.Written, paths...)
	}
	res.DebugSample = filepath.Join(req.OutputDir, DebugSample)
	log.Info("generation done",
		zap.Int("written", len(res.Written)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (o *Orchestrator) runCall(dev *device.Context, req Request, c Call, res int) ([]string, error) {
	start := time.Now()
	z := dev.Normal(c.Size, o.Synth.ZDim())
	img, err := o.Synth.Synthesize(dev, z, req.Steps)
	if err != nil {
		return nil, fmt.Errorf("call %d: %w", c.Seq, err)
	}
	if !img.SameShape(c.Size, 3, res, res) {
		return nil, fmt.Errorf("%w: call %d produced %v, want [%d 3 %d %d]",
			stylegan.ErrShapeMismatch, c.Seq, img.Shape, c.Size, res, res)
	}

	// [-1,1] → [0,1]
	out := tensor.New(img.Shape...)
	for i, v := range img.Data {
		out.Data[i] = v*0.5 + 0.5
	}

	paths := make([]string, c.Size)
	for j := 0; j < c.Size; j++ {
		rgba := imageio.ToImage(out, j)
		paths[j] = filepath.Join(req.OutputDir, fmt.Sprintf("generated_%d.png", c.FirstIndex+j))
		if err := imageio.SavePNG(rgba, paths[j]); err != nil {
			return nil, fmt.Errorf("save: %w", err)
		}
		if c.Seq == 0 && j == 0 {
			if err := imageio.SavePNG(rgba, filepath.Join(req.OutputDir, DebugSample)); err != nil {
				return nil, fmt.Errorf("save: %w", err)
			}
		}
	}
	dev.Logger().Named("orchestrator").Debug("call done",
		zap.Int("seq", c.Seq),
		zap.Int("size", c.Size),
		zap.Int("first_index", c.FirstIndex),
		zap.Duration("elapsed", time.Since(start)))
	return paths, nil
}
