package stylegan

import "fmt"

// MaxGrowth is the largest number of grow steps any architecture may declare.
const MaxGrowth = 8

// Arch fixes the shape of the network. Trained bundles only load into the
// architecture they were trained with, so the production values live in
// DefaultArch and smaller ones are for tests.
type Arch struct {
	ZDim         int
	WDim         int
	InChannels   int
	ImgChannels  int
	MappingDepth int
	// Channels[k] is the width after grow step k+1.
	Channels   []int
	LeakySlope float32
}

// DefaultArch returns the constants the published generator bundles were trained with.
func DefaultArch() Arch {
	return Arch{
		ZDim:         256,
		WDim:         256,
		InChannels:   256,
		ImgChannels:  3,
		MappingDepth: 8,
		Channels:     []int{256, 256, 256, 128, 64, 32, 16, 8},
		LeakySlope:   0.2,
	}
}

// MaxSteps is the number of grow steps this architecture can run.
func (a Arch) MaxSteps() int { return len(a.Channels) }

// Resolution returns the output side length after steps grow steps.
func Resolution(steps int) int { return 4 << steps }

// width returns the channel count of the feature state after step k.
func (a Arch) width(step int) int {
	if step == 0 {
		return a.InChannels
	}
	return a.Channels[step-1]
}

func (a Arch) Validate() error {
	switch {
	case a.ZDim <= 0 || a.WDim <= 0:
		return fmt.Errorf("%w: latent %d and style %d dims must be positive", ErrInvalidArch, a.ZDim, a.WDim)
	case a.InChannels <= 0:
		return fmt.Errorf("%w: base width %d", ErrInvalidArch, a.InChannels)
	case a.ImgChannels <= 0:
		return fmt.Errorf("%w: image channels %d", ErrInvalidArch, a.ImgChannels)
	case a.MappingDepth < 1:
		return fmt.Errorf("%w: mapping depth %d", ErrInvalidArch, a.MappingDepth)
	case len(a.Channels) == 0 || len(a.Channels) > MaxGrowth:
		return fmt.Errorf("%w: %d grow steps, want 1..%d", ErrInvalidArch, len(a.Channels), MaxGrowth)
	case a.LeakySlope < 0:
		return fmt.Errorf("%w: negative leaky slope", ErrInvalidArch)
	}
	for k, c := range a.Channels {
		if c <= 0 {
			return fmt.Errorf("%w: step %d width %d", ErrInvalidArch, k+1, c)
		}
	}
	return nil
}
