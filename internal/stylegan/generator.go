// Package stylegan implements inference for the progressive, style-conditioned
// generator: a mapping stage that turns latents into style codes, and a
// synthesis trajectory that grows a 4×4 learned constant one resolution
// doubling per step before projecting to an image.
//
// Inference always runs with the newest resolution fully faded in; the
// blending used while growing the network during training is not modelled.
package stylegan

import (
	"fmt"
	"math/rand"

	"cellgan/internal/device"
	"cellgan/internal/tensor"
)

// stage is one step of the synthesis trajectory. Stage 0 seeds the feature
// state from the constant; stage k>0 doubles its resolution.
type stage interface {
	forward(x, w *tensor.Tensor, rng *rand.Rand) *tensor.Tensor
	inChannels() int
	outChannels() int
}

type stemStage struct {
	noise1, noise2 *noiseInjection
	adain1, adain2 *adain
	conv           *conv2d
	channels       int
	slope          float32
}

func (s *stemStage) forward(x, w *tensor.Tensor, rng *rand.Rand) *tensor.Tensor {
	x = s.adain1.forward(tensor.LeakyReLU(s.noise1.forward(x, rng), s.slope), w)
	x = s.conv.forward(x)
	return s.adain2.forward(tensor.LeakyReLU(s.noise2.forward(x, rng), s.slope), w)
}

func (s *stemStage) inChannels() int  { return s.channels }
func (s *stemStage) outChannels() int { return s.channels }

type growStage struct {
	conv1, conv2   *wsConv
	noise1, noise2 *noiseInjection
	adain1, adain2 *adain
	slope          float32
}

func (s *growStage) forward(x, w *tensor.Tensor, rng *rand.Rand) *tensor.Tensor {
	x = tensor.UpsampleBilinear2x(x)
	x = s.conv1.forward(x)
	x = s.adain1.forward(tensor.LeakyReLU(s.noise1.forward(x, rng), s.slope), w)
	x = s.conv2.forward(x)
	return s.adain2.forward(tensor.LeakyReLU(s.noise2.forward(x, rng), s.slope), w)
}

func (s *growStage) inChannels() int  { return s.conv1.inChannels() }
func (s *growStage) outChannels() int { return s.conv2.weight.Shape[0] }

// Generator holds the mapping stage, the step-indexed stages and one
// to-image head per step.
type Generator struct {
	arch     Arch
	constant *tensor.Tensor // [1, InChannels, 4, 4]
	mapping  *Mapping
	stages   []stage   // len MaxSteps+1
	heads    []*wsConv // heads[k] projects the state after stage k
	params   *params
}

// New builds a generator with freshly initialized parameters
func New(arch Arch, dev *device.Context) (*Generator, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	g := &Generator{
		arch:     arch,
		constant: tensor.Full(1, 1, arch.InChannels, 4, 4),
		mapping:  newMapping(dev, arch),
		params:   newParams(),
	}

	c := arch.InChannels
	g.stages = append(g.stages, &stemStage{
		noise1:   newNoiseInjection(c),
		noise2:   newNoiseInjection(c),
		adain1:   newAdaIN(dev, c, arch.WDim),
		adain2:   newAdaIN(dev, c, arch.WDim),
		conv:     newConv2d(dev, c, c),
		channels: c,
		slope:    arch.LeakySlope,
	})
	for k := 1; k <= arch.MaxSteps(); k++ {
		in, out := arch.width(k-1), arch.width(k)
		g.stages = append(g.stages, &growStage{
			conv1:  newWSConv(dev, in, out, 3, 1),
			conv2:  newWSConv(dev, out, out, 3, 1),
			noise1: newNoiseInjection(out),
			noise2: newNoiseInjection(out),
			adain1: newAdaIN(dev, out, arch.WDim),
			adain2: newAdaIN(dev, out, arch.WDim),
			slope:  arch.LeakySlope,
		})
	}
	for k := 0; k <= arch.MaxSteps(); k++ {
		g.heads = append(g.heads, newWSConv(dev, arch.width(k), arch.ImgChannels, 1, 0))
	}

	if err := g.check(); err != nil {
		return nil, err
	}
	g.register()
	return g, nil
}

// check verifies the stage chain is contiguous and every step has a head
func (g *Generator) check() error {
	if len(g.stages) != g.arch.MaxSteps()+1 || len(g.heads) != len(g.stages) {
		return fmt.Errorf("%w: %d stages and %d heads for %d steps",
			ErrInvalidArch, len(g.stages), len(g.heads), g.arch.MaxSteps())
	}
	for k := 1; k < len(g.stages); k++ {
		if g.stages[k].inChannels() != g.stages[k-1].outChannels() {
			return fmt.Errorf("%w: step %d takes %d channels, step %d yields %d", ErrInvalidArch,
				k, g.stages[k].inChannels(), k-1, g.stages[k-1].outChannels())
		}
	}
	for k, h := range g.heads {
		if h.inChannels() != g.stages[k].outChannels() {
			return fmt.Errorf("%w: head %d takes %d channels, step yields %d", ErrInvalidArch,
				k, h.inChannels(), g.stages[k].outChannels())
		}
	}
	return nil
}

// register names every parameter after the trained checkpoint layout
func (g *Generator) register() {
	p := g.params
	p.add("starting_constant", g.constant)
	g.mapping.register(p)

	stem := g.stages[0].(*stemStage)
	stem.adain1.register(p, "initial_adain1.")
	stem.adain2.register(p, "initial_adain2.")
	stem.noise1.register(p, "initial_noise1.")
	stem.noise2.register(p, "initial_noise2.")
	stem.conv.register(p, "initial_conv.")
	g.heads[0].register(p, "initial_rgb.")

	for k := 1; k < len(g.stages); k++ {
		s := g.stages[k].(*growStage)
		prefix := fmt.Sprintf("prog_blocks.%d.", k-1)
		s.conv1.register(p, prefix+"conv1.")
		s.conv2.register(p, prefix+"conv2.")
		s.noise1.register(p, prefix+"inject_noise1.")
		s.noise2.register(p, prefix+"inject_noise2.")
		s.adain1.register(p, prefix+"adain1.")
		s.adain2.register(p, prefix+"adain2.")
		g.heads[k].register(p, fmt.Sprintf("rgb_layers.%d.", k))
	}
}

func (g *Generator) Arch() Arch { return g.arch }

// Mapping exposes the style mapping stage
func (g *Generator) Mapping() *Mapping { return g.mapping }

// NumParams counts scalar parameters
func (g *Generator) NumParams() int {
	n := 0
	for _, p := range g.params.list {
		n += p.t.Numel()
	}
	return n
}

// trajectory returns the stages and head for a run of the given length
func (g *Generator) trajectory(steps int) ([]stage, *wsConv, error) {
	if steps < 0 || steps > g.arch.MaxSteps() {
		return nil, nil, fmt.Errorf("%w: %d not in [0,%d]", ErrStepOutOfRange, steps, g.arch.MaxSteps())
	}
	return g.stages[:steps+1], g.heads[steps], nil
}

// Synthesize maps latents z [N, ZDim] to images [N, ImgChannels, 4·2^steps, 4·2^steps]
// in the network's native range. Noise is drawn from dev's random stream.
func (g *Generator) Synthesize(dev *device.Context, z *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	stages, head, err := g.trajectory(steps)
	if err != nil {
		return nil, err
	}
	w, err := g.mapping.Forward(z)
	if err != nil {
		return nil, err
	}

	x := g.constant.Broadcast(z.Shape[0])
	for _, s := range stages {
		x = s.forward(x, w, dev.Rand())
	}
	img := head.forward(x)

	res := Resolution(steps)
	if !img.SameShape(z.Shape[0], g.arch.ImgChannels, res, res) {
		return nil, fmt.Errorf("%w: synthesized %v at step %d", ErrShapeMismatch, img.Shape, steps)
	}
	return img, nil
}

// ZDim is the latent width Synthesize expects
func (g *Generator) ZDim() int { return g.arch.ZDim }
