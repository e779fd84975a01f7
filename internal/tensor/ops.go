package tensor

import (
	"fmt"
	"math"
)

// Linear: y = x @ W^T + b, x: [batch, in], W: [out, in], b: [out] or nil → [batch, out]
func Linear(x, weight, bias *Tensor) *Tensor {
	batch := x.Shape[0]
	inDim := x.Shape[1]
	outDim := weight.Shape[0]
	if weight.Shape[1] != inDim {
		panic(fmt.Sprintf("tensor: linear weight %v does not accept input %v", weight.Shape, x.Shape))
	}
	out := New(batch, outDim)

	for b := 0; b < batch; b++ {
		row := x.Data[b*inDim : (b+1)*inDim]
		for o := 0; o < outDim; o++ {
			w := weight.Data[o*inDim : (o+1)*inDim]
			sum := float32(0)
			for i, v := range row {
				sum += v * w[i]
			}
			if bias != nil {
				sum += bias.Data[o]
			}
			out.Data[b*outDim+o] = sum
		}
	}
	return out
}

// Conv2d: input [N,Cin,H,W], weight [Cout,Cin,kH,kW], bias [Cout] or nil
func Conv2d(input, weight, bias *Tensor, stride, padding int) *Tensor {
	N := input.Shape[0]
	Cin := input.Shape[1]
	Hin := input.Shape[2]
	Win := input.Shape[3]
	Cout := weight.Shape[0]
	kH := weight.Shape[2]
	kW := weight.Shape[3]
	if weight.Shape[1] != Cin {
		panic(fmt.Sprintf("tensor: conv weight %v does not accept input %v", weight.Shape, input.Shape))
	}
	Hout := (Hin+2*padding-kH)/stride + 1
	Wout := (Win+2*padding-kW)/stride + 1

	out := New(N, Cout, Hout, Wout)
	plane := Hout * Wout

	for n := 0; n < N; n++ {
		for co := 0; co < Cout; co++ {
			dst := out.Data[(n*Cout+co)*plane : (n*Cout+co+1)*plane]
			if bias != nil {
				b := bias.Data[co]
				for i := range dst {
					dst[i] = b
				}
			}
			for ci := 0; ci < Cin; ci++ {
				src := input.Data[(n*Cin+ci)*Hin*Win : (n*Cin+ci+1)*Hin*Win]
				for kh := 0; kh < kH; kh++ {
					for kw := 0; kw < kW; kw++ {
						w := weight.Data[((co*Cin+ci)*kH+kh)*kW+kw]
						if w == 0 {
							continue
						}
						owLo, owHi := validRange(kw, padding, stride, Win, Wout)
						for oh := 0; oh < Hout; oh++ {
							ih := oh*stride - padding + kh
							if ih < 0 || ih >= Hin {
								continue
							}
							srow := src[ih*Win:]
							drow := dst[oh*Wout:]
							for ow := owLo; ow < owHi; ow++ {
								drow[ow] += w * srow[ow*stride-padding+kw]
							}
						}
					}
				}
			}
		}
	}
	return out
}

// validRange returns the [lo, hi) output columns whose input column
// ow*stride-padding+k lands inside [0, in).
func validRange(k, padding, stride, in, outLen int) (int, int) {
	lo := 0
	if d := padding - k; d > 0 {
		lo = (d + stride - 1) / stride
	}
	hi := outLen
	if last := (in - 1 + padding - k); last < 0 {
		hi = 0
	} else if h := last/stride + 1; h < hi {
		hi = h
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// BatchNorm2d in eval mode: x [N,C,H,W], per-channel weight, bias, running mean and var
func BatchNorm2d(x, weight, bias, mean, variance *Tensor, eps float32) *Tensor {
	N, C := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	out := New(x.Shape...)
	for c := 0; c < C; c++ {
		scale := weight.Data[c] / sqrt32(variance.Data[c]+eps)
		shift := bias.Data[c] - mean.Data[c]*scale
		for n := 0; n < N; n++ {
			off := (n*C + c) * plane
			for i := off; i < off+plane; i++ {
				out.Data[i] = x.Data[i]*scale + shift
			}
		}
	}
	return out
}

// InstanceNorm2d without affine parameters: every (n, c) plane is shifted to
// zero mean and scaled to unit (biased) variance.
func InstanceNorm2d(x *Tensor, eps float32) *Tensor {
	N, C := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	out := New(x.Shape...)
	for i := 0; i < N*C; i++ {
		src := x.Data[i*plane : (i+1)*plane]
		dst := out.Data[i*plane : (i+1)*plane]
		var mean float64
		for _, v := range src {
			mean += float64(v)
		}
		mean /= float64(plane)
		var variance float64
		for _, v := range src {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(plane)
		inv := 1 / math.Sqrt(variance+float64(eps))
		for j, v := range src {
			dst[j] = float32((float64(v) - mean) * inv)
		}
	}
	return out
}

// MaxPool2d over [N,C,H,W]; padded positions never win
func MaxPool2d(x *Tensor, kernel, stride, padding int) *Tensor {
	N, C, H, W := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	Hout := (H+2*padding-kernel)/stride + 1
	Wout := (W+2*padding-kernel)/stride + 1
	out := New(N, C, Hout, Wout)
	for nc := 0; nc < N*C; nc++ {
		src := x.Data[nc*H*W : (nc+1)*H*W]
		dst := out.Data[nc*Hout*Wout : (nc+1)*Hout*Wout]
		for oh := 0; oh < Hout; oh++ {
			for ow := 0; ow < Wout; ow++ {
				best := float32(math.Inf(-1))
				for kh := 0; kh < kernel; kh++ {
					ih := oh*stride - padding + kh
					if ih < 0 || ih >= H {
						continue
					}
					for kw := 0; kw < kernel; kw++ {
						iw := ow*stride - padding + kw
						if iw < 0 || iw >= W {
							continue
						}
						if v := src[ih*W+iw]; v > best {
							best = v
						}
					}
				}
				dst[oh*Wout+ow] = best
			}
		}
	}
	return out
}

// GlobalAvgPool2d: [N,C,H,W] → [N,C]
func GlobalAvgPool2d(x *Tensor) *Tensor {
	N, C := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]
	out := New(N, C)
	for i := 0; i < N*C; i++ {
		var sum float32
		for _, v := range x.Data[i*plane : (i+1)*plane] {
			sum += v
		}
		out.Data[i] = sum / float32(plane)
	}
	return out
}

// UpsampleBilinear2x doubles H and W with bilinear interpolation, corners not aligned
// (source coordinate = (dst+0.5)/2 - 0.5, clamped at 0).
func UpsampleBilinear2x(x *Tensor) *Tensor {
	N, C, H, W := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	H2, W2 := H*2, W*2
	out := New(N, C, H2, W2)

	ys := bilinearTaps(H, H2)
	xs := bilinearTaps(W, W2)

	for nc := 0; nc < N*C; nc++ {
		src := x.Data[nc*H*W : (nc+1)*H*W]
		dst := out.Data[nc*H2*W2 : (nc+1)*H2*W2]
		for oy, ty := range ys {
			r0 := src[ty.i0*W:]
			r1 := src[ty.i1*W:]
			for ox, tx := range xs {
				top := r0[tx.i0]*(1-tx.frac) + r0[tx.i1]*tx.frac
				bot := r1[tx.i0]*(1-tx.frac) + r1[tx.i1]*tx.frac
				dst[oy*W2+ox] = top*(1-ty.frac) + bot*ty.frac
			}
		}
	}
	return out
}

type tap struct {
	i0, i1 int
	frac   float32
}

func bilinearTaps(in, out int) []tap {
	taps := make([]tap, out)
	scale := float32(in) / float32(out)
	for o := range taps {
		src := (float32(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(src)
		i1 := i0
		if i0 < in-1 {
			i1 = i0 + 1
		}
		taps[o] = tap{i0: i0, i1: i1, frac: src - float32(i0)}
	}
	return taps
}

// ReLU in-place
func ReLU(t *Tensor) *Tensor {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
	return t
}

// LeakyReLU in-place
func LeakyReLU(t *Tensor, slope float32) *Tensor {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = v * slope
		}
	}
	return t
}

// Add two tensors element-wise (must have same size)
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensor: add %v and %v", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Scale tensor by scalar
func Scale(x *Tensor, s float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * s
	}
	return out
}
