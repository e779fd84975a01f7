package stylegan

import (
	"fmt"
	"math"

	"cellgan/internal/device"
	"cellgan/internal/tensor"
)

// Mapping turns latent vectors into style codes: RMS normalization followed
// by a chain of weight-scaled affine maps with ReLU between them.
type Mapping struct {
	zDim   int
	layers []*wsLinear
}

func newMapping(dev *device.Context, arch Arch) *Mapping {
	m := &Mapping{zDim: arch.ZDim}
	in := arch.ZDim
	for i := 0; i < arch.MappingDepth; i++ {
		m.layers = append(m.layers, newWSLinear(dev, in, arch.WDim))
		in = arch.WDim
	}
	return m
}

// register uses the indices of the original sequential container, where
// slot 0 was the normalization and every other slot a ReLU.
func (m *Mapping) register(p *params) {
	for i, l := range m.layers {
		l.register(p, fmt.Sprintf("map.mapping.%d.", 2*i+1))
	}
}

// Forward maps z [N, ZDim] to w [N, WDim]. Rows are independent.
func (m *Mapping) Forward(z *tensor.Tensor) (*tensor.Tensor, error) {
	if z.Rank() != 2 || z.Shape[1] != m.zDim || z.Shape[0] < 1 {
		return nil, fmt.Errorf("%w: latent %v, want [N,%d]", ErrShapeMismatch, z.Shape, m.zDim)
	}
	x := pixelNorm(z, 1e-8)
	for i, l := range m.layers {
		x = l.forward(x)
		if i < len(m.layers)-1 {
			tensor.ReLU(x)
		}
	}
	return x, nil
}

// pixelNorm divides each row by its root-mean-square
func pixelNorm(x *tensor.Tensor, eps float64) *tensor.Tensor {
	N, D := x.Shape[0], x.Shape[1]
	out := tensor.New(N, D)
	for n := 0; n < N; n++ {
		row := x.Data[n*D : (n+1)*D]
		var ms float64
		for _, v := range row {
			ms += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(ms/float64(D)+eps))
		for i, v := range row {
			out.Data[n*D+i] = v * inv
		}
	}
	return out
}
