package stylegan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"cellgan/internal/device"
	"cellgan/internal/tensor"
)

func tinyArch() Arch {
	return Arch{
		ZDim:         8,
		WDim:         8,
		InChannels:   8,
		ImgChannels:  3,
		MappingDepth: 3,
		Channels:     []int{8, 4, 4},
		LeakySlope:   0.2,
	}
}

func newTiny(t *testing.T, seed int64) *Generator {
	t.Helper()
	g, err := New(tinyArch(), device.New(device.WithSeed(seed)))
	require.NoError(t, err)
	return g
}

// perturb replaces the uniform starting constant, which instance norm would
// flatten to zero, with random values.
func perturb(g *Generator, seed int64) {
	copy(g.constant.Data, device.New(device.WithSeed(seed)).Normal(g.constant.Shape...).Data)
}

func requireClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		if math.Abs(float64(want[i]-got[i])) > tol {
			t.Fatalf("element %d: want %v, got %v", i, want[i], got[i])
		}
	}
}

func TestDefaultArch(t *testing.T) {
	a := DefaultArch()
	require.NoError(t, a.Validate())
	require.Equal(t, 8, a.MaxSteps())
	require.Equal(t, 256, Resolution(6))
	require.Equal(t, 128, Resolution(5))
	require.Equal(t, 4, Resolution(0))
	require.Equal(t, 1024, Resolution(a.MaxSteps()))
}

func TestArchValidate(t *testing.T) {
	cases := map[string]func(*Arch){
		"zero latent":   func(a *Arch) { a.ZDim = 0 },
		"no steps":      func(a *Arch) { a.Channels = nil },
		"too many":      func(a *Arch) { a.Channels = make([]int, MaxGrowth+1) },
		"zero width":    func(a *Arch) { a.Channels[1] = 0 },
		"no mapping":    func(a *Arch) { a.MappingDepth = 0 },
		"no image chan": func(a *Arch) { a.ImgChannels = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := tinyArch()
			mutate(&a)
			require.ErrorIs(t, a.Validate(), ErrInvalidArch)
			_, err := New(a, device.New(device.WithSeed(1)))
			require.ErrorIs(t, err, ErrInvalidArch)
		})
	}
}

func TestParameterNames(t *testing.T) {
	g := newTiny(t, 1)
	for _, name := range []string{
		"starting_constant",
		"map.mapping.1.linear.weight",
		"map.mapping.5.bias",
		"initial_noise1.weight",
		"initial_conv.weight",
		"initial_conv.bias",
		"initial_adain2.style_scale.linear.weight",
		"initial_adain2.style_bias.bias",
		"initial_rgb.conv.weight",
		"prog_blocks.0.conv1.conv.weight",
		"prog_blocks.2.inject_noise2.weight",
		"prog_blocks.2.adain1.style_bias.linear.weight",
		"rgb_layers.1.conv.weight",
		"rgb_layers.3.bias",
	} {
		_, ok := g.params.get(name)
		require.True(t, ok, name)
	}
	_, ok := g.params.get("rgb_layers.0.conv.weight")
	require.False(t, ok)

	w, _ := g.params.get("prog_blocks.1.conv1.conv.weight")
	require.Equal(t, []int{4, 8, 3, 3}, w.Shape)
	head, _ := g.params.get("rgb_layers.3.conv.weight")
	require.Equal(t, []int{3, 4, 1, 1}, head.Shape)
}

func TestInitialization(t *testing.T) {
	g := newTiny(t, 2)
	c, _ := g.params.get("starting_constant")
	for _, v := range c.Data {
		require.Equal(t, float32(1), v)
	}
	n, _ := g.params.get("prog_blocks.0.inject_noise1.weight")
	for _, v := range n.Data {
		require.Zero(t, v)
	}
	b, _ := g.params.get("map.mapping.3.bias")
	for _, v := range b.Data {
		require.Zero(t, v)
	}
	bound := float32(device.KaimingBound(8 * 9))
	cw, _ := g.params.get("initial_conv.weight")
	for _, v := range cw.Data {
		require.LessOrEqual(t, v, bound)
		require.GreaterOrEqual(t, v, -bound)
	}
}

func TestSynthesizeShapes(t *testing.T) {
	g := newTiny(t, 3)
	dev := device.New(device.WithSeed(4))
	for steps := 0; steps <= g.Arch().MaxSteps(); steps++ {
		z := dev.Normal(2, g.ZDim())
		img, err := g.Synthesize(dev, z, steps)
		require.NoError(t, err)
		res := Resolution(steps)
		require.Equal(t, []int{2, 3, res, res}, img.Shape)
	}
}

func TestSynthesizeStepOutOfRange(t *testing.T) {
	g := newTiny(t, 5)
	dev := device.New(device.WithSeed(6))
	z := dev.Normal(1, g.ZDim())
	for _, steps := range []int{-1, g.Arch().MaxSteps() + 1} {
		_, err := g.Synthesize(dev, z, steps)
		require.ErrorIs(t, err, ErrStepOutOfRange)
	}
}

func TestSynthesizeRejectsBadLatent(t *testing.T) {
	g := newTiny(t, 7)
	dev := device.New(device.WithSeed(8))
	_, err := g.Synthesize(dev, dev.Normal(2, g.ZDim()+1), 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = g.Synthesize(dev, dev.Normal(g.ZDim()), 1)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestMappingRowsIndependent(t *testing.T) {
	g := newTiny(t, 9)
	z := device.New(device.WithSeed(10)).Normal(3, g.ZDim())

	batch, err := g.Mapping().Forward(z)
	require.NoError(t, err)
	require.Equal(t, []int{3, g.Arch().WDim}, batch.Shape)

	for n := 0; n < 3; n++ {
		single, err := g.Mapping().Forward(z.Sample(n).Clone())
		require.NoError(t, err)
		requireClose(t, single.Data, batch.Sample(n).Data, 1e-5)
	}
}

func TestMappingOutputWidth(t *testing.T) {
	g := newTiny(t, 11)
	for _, n := range []int{1, 4, 7} {
		w, err := g.Mapping().Forward(tensor.New(n, g.ZDim()))
		require.NoError(t, err)
		require.Equal(t, []int{n, g.Arch().WDim}, w.Shape)
	}
}

func TestPixelNorm(t *testing.T) {
	x := tensor.From([]float32{3, 4, 0, 0}, []int{2, 2})
	out := pixelNorm(x, 1e-8)
	rms := float32(math.Sqrt(12.5))
	requireClose(t, []float32{3 / rms, 4 / rms, 0, 0}, out.Data, 1e-5)
}

func TestNoiseOnlyThroughInjection(t *testing.T) {
	g := newTiny(t, 12)
	perturb(g, 120)
	z := device.New(device.WithSeed(13)).Normal(2, g.ZDim())

	// Noise weights start at zero, so the random stream has no effect.
	a, err := g.Synthesize(device.New(device.WithSeed(100)), z, 2)
	require.NoError(t, err)
	b, err := g.Synthesize(device.New(device.WithSeed(200)), z, 2)
	require.NoError(t, err)
	requireClose(t, a.Data, b.Data, 0)

	w, _ := g.params.get("prog_blocks.1.inject_noise2.weight")
	for i := range w.Data {
		w.Data[i] = 0.5
	}
	c, err := g.Synthesize(device.New(device.WithSeed(200)), z, 2)
	require.NoError(t, err)
	require.NotEqual(t, a.Data, c.Data)
}

func TestSynthesizeSamplesIndependent(t *testing.T) {
	g := newTiny(t, 14)
	perturb(g, 140)
	z := device.New(device.WithSeed(15)).Normal(3, g.ZDim())
	batch, err := g.Synthesize(device.New(device.WithSeed(1)), z, 3)
	require.NoError(t, err)
	for n := 0; n < 3; n++ {
		single, err := g.Synthesize(device.New(device.WithSeed(1)), z.Sample(n).Clone(), 3)
		require.NoError(t, err)
		requireClose(t, single.Data, batch.Sample(n).Data, 1e-4)
	}
}

func TestWeightScaledMappingValues(t *testing.T) {
	arch := tinyArch()
	arch.ZDim, arch.WDim, arch.MappingDepth = 4, 2, 1
	m := newMapping(device.New(device.WithSeed(1)), arch)
	l := m.layers[0]
	copy(l.weight.Data, []float32{1, 2, 3, 4, -1, 0, 1, 2})
	copy(l.bias.Data, []float32{0.5, -1})

	// Rows RMS-normalize to [1,1,1,1] and [1.2,1.6,0,0], are scaled by
	// sqrt(2/4), hit the stored weight, then take the unscaled bias.
	z := tensor.From([]float32{1, 1, 1, 1, 3, 4, 0, 0}, []int{2, 4})
	w, err := m.Forward(z)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, w.Shape)
	requireClose(t, []float32{7.5710678, 0.4142136, 3.6112698, -1.8485281}, w.Data, 1e-5)
}

func TestAdaINValues(t *testing.T) {
	a := newAdaIN(device.New(device.WithSeed(1)), 1, 4)
	copy(a.styleScale.weight.Data, []float32{1, 0, 0, 0})
	a.styleScale.bias.Data[0] = 0.5
	copy(a.styleBias.weight.Data, []float32{2, 0, 0, 0})
	a.styleBias.bias.Data[0] = -1

	x := tensor.From([]float32{1, 2, 3, 4}, []int{1, 1, 2, 2})
	w := tensor.From([]float32{2, 0, 0, 0}, []int{1, 4})
	got := a.forward(x, w)
	require.Equal(t, []int{1, 1, 2, 2}, got.Shape)

	scaled := 2 * math.Sqrt(2.0/4)
	s := 1*scaled + 0.5
	b := 2*scaled - 1
	want := make([]float32, 4)
	for i, v := range []float64{1, 2, 3, 4} {
		norm := (v - 2.5) / math.Sqrt(1.25+1e-5)
		want[i] = float32(s*norm + b)
	}
	requireClose(t, want, got.Data, 1e-5)
	requireClose(t, []float32{-0.7397497, 0.9723682, 2.684486, 4.3966039}, got.Data, 1e-4)
}
