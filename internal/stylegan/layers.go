package stylegan

import (
	"math"
	"math/rand"

	"cellgan/internal/device"
	"cellgan/internal/tensor"
)

// param is a named, preallocated parameter a bundle can fill
type param struct {
	name string
	t    *tensor.Tensor
}

// params is the ordered parameter registry of a network
type params struct {
	list  []param
	index map[string]int
}

func newParams() *params {
	return &params{index: make(map[string]int)}
}

func (p *params) add(name string, t *tensor.Tensor) {
	if _, dup := p.index[name]; dup {
		panic("stylegan: duplicate parameter " + name)
	}
	p.index[name] = len(p.list)
	p.list = append(p.list, param{name: name, t: t})
}

func (p *params) get(name string) (*tensor.Tensor, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return p.list[i].t, true
}

// wsLinear scales the activation by sqrt(2/in) before an unscaled affine map;
// the bias is added afterwards.
type wsLinear struct {
	weight *tensor.Tensor // [out, in]
	bias   *tensor.Tensor // [out]
	scale  float32
}

func newWSLinear(dev *device.Context, in, out int) *wsLinear {
	return &wsLinear{
		weight: dev.Normal(out, in),
		bias:   tensor.New(out),
		scale:  float32(math.Sqrt(2 / float64(in))),
	}
}

func (l *wsLinear) register(p *params, prefix string) {
	p.add(prefix+"linear.weight", l.weight)
	p.add(prefix+"bias", l.bias)
}

func (l *wsLinear) forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(tensor.Scale(x, l.scale), l.weight, l.bias)
}

// wsConv is the convolutional counterpart of wsLinear, scale sqrt(2/(in·k·k))
type wsConv struct {
	weight  *tensor.Tensor // [out, in, k, k]
	bias    *tensor.Tensor // [out]
	scale   float32
	padding int
}

func newWSConv(dev *device.Context, in, out, kernel, padding int) *wsConv {
	return &wsConv{
		weight:  dev.Normal(out, in, kernel, kernel),
		bias:    tensor.New(out),
		scale:   float32(math.Sqrt(2 / float64(in*kernel*kernel))),
		padding: padding,
	}
}

func (c *wsConv) register(p *params, prefix string) {
	p.add(prefix+"conv.weight", c.weight)
	p.add(prefix+"bias", c.bias)
}

func (c *wsConv) forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Conv2d(tensor.Scale(x, c.scale), c.weight, c.bias, 1, c.padding)
}

func (c *wsConv) inChannels() int { return c.weight.Shape[1] }

// conv2d is an ordinary 3×3 convolution with PyTorch's default uniform init
type conv2d struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func newConv2d(dev *device.Context, in, out int) *conv2d {
	bound := device.KaimingBound(in * 9)
	return &conv2d{
		weight: dev.Uniform(bound, out, in, 3, 3),
		bias:   dev.Uniform(bound, out),
	}
}

func (c *conv2d) register(p *params, prefix string) {
	p.add(prefix+"weight", c.weight)
	p.add(prefix+"bias", c.bias)
}

func (c *conv2d) forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Conv2d(x, c.weight, c.bias, 1, 1)
}

// noiseInjection adds one N(0,1) value per pixel, shared across channels and
// scaled by a learned per-channel weight.
type noiseInjection struct {
	weight *tensor.Tensor // [1, C, 1, 1], zero at init
}

func newNoiseInjection(channels int) *noiseInjection {
	return &noiseInjection{weight: tensor.New(1, channels, 1, 1)}
}

func (n *noiseInjection) register(p *params, prefix string) {
	p.add(prefix+"weight", n.weight)
}

func (n *noiseInjection) forward(x *tensor.Tensor, rng *rand.Rand) *tensor.Tensor {
	N, C := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	out := x.Clone()
	noise := make([]float32, plane)
	for b := 0; b < N; b++ {
		for i := range noise {
			noise[i] = float32(rng.NormFloat64())
		}
		for c := 0; c < C; c++ {
			w := n.weight.Data[c]
			if w == 0 {
				continue
			}
			dst := out.Data[(b*C+c)*plane : (b*C+c+1)*plane]
			for i, z := range noise {
				dst[i] += w * z
			}
		}
	}
	return out
}

// adain normalizes every (sample, channel) plane, then applies a scale and
// bias computed from that sample's style code.
type adain struct {
	styleScale *wsLinear
	styleBias  *wsLinear
}

func newAdaIN(dev *device.Context, channels, wDim int) *adain {
	return &adain{
		styleScale: newWSLinear(dev, wDim, channels),
		styleBias:  newWSLinear(dev, wDim, channels),
	}
}

func (a *adain) register(p *params, prefix string) {
	a.styleScale.register(p, prefix+"style_scale.")
	a.styleBias.register(p, prefix+"style_bias.")
}

func (a *adain) forward(x, w *tensor.Tensor) *tensor.Tensor {
	out := tensor.InstanceNorm2d(x, 1e-5)
	scale := a.styleScale.forward(w) // [N, C]
	bias := a.styleBias.forward(w)
	N, C := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	for i := 0; i < N*C; i++ {
		s, b := scale.Data[i], bias.Data[i]
		dst := out.Data[i*plane : (i+1)*plane]
		for j, v := range dst {
			dst[j] = s*v + b
		}
	}
	return out
}
