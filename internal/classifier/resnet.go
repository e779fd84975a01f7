package classifier

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"cellgan/internal/device"
	"cellgan/internal/safetensors"
	"cellgan/internal/tensor"
)

const bnEps = 1e-5

// batchNorm holds eval-mode statistics
type batchNorm struct {
	W, B, Mean, Var *tensor.Tensor
}

func (n *batchNorm) forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.BatchNorm2d(x, n.W, n.B, n.Mean, n.Var, bnEps)
}

// basicBlock: conv3x3 → BN → ReLU → conv3x3 → BN, plus identity or a
// strided 1x1 projection, then ReLU.
type basicBlock struct {
	Conv1W *tensor.Tensor
	BN1    batchNorm
	Conv2W *tensor.Tensor
	BN2    batchNorm

	Stride  int
	HasDown bool
	DownW   *tensor.Tensor // [out,in,1,1]
	DownBN  batchNorm

	in, out int
}

func (b *basicBlock) forward(x *tensor.Tensor) *tensor.Tensor {
	out := tensor.Conv2d(x, b.Conv1W, nil, b.Stride, 1)
	out = tensor.ReLU(b.BN1.forward(out))
	out = tensor.Conv2d(out, b.Conv2W, nil, 1, 1)
	out = b.BN2.forward(out)

	identity := x
	if b.HasDown {
		identity = b.DownBN.forward(tensor.Conv2d(x, b.DownW, nil, b.Stride, 0))
	}
	return tensor.ReLU(tensor.Add(out, identity))
}

// ResNet18 is the torchvision ResNet-18 layout with a replaced classification head.
type ResNet18 struct {
	Conv1W *tensor.Tensor // [64,3,7,7]
	BN1    batchNorm
	Layers [4][2]basicBlock
	FcW    *tensor.Tensor // [classes,512]
	FcB    *tensor.Tensor

	classes int
}

func newResNet18Layout(classes int) *ResNet18 {
	r := &ResNet18{classes: classes}
	in := 64
	for l, out := range []int{64, 128, 256, 512} {
		for b := 0; b < 2; b++ {
			blk := &r.Layers[l][b]
			blk.in, blk.out, blk.Stride = in, out, 1
			if b == 0 && l > 0 {
				blk.Stride = 2
			}
			blk.HasDown = blk.Stride != 1 || in != out
			in = out
		}
	}
	return r
}

// each visits every parameter slot with its torchvision name and shape
func (r *ResNet18) each(fn func(name string, slot **tensor.Tensor, shape ...int)) {
	bnSlots := func(prefix string, n *batchNorm, c int) {
		fn(prefix+"weight", &n.W, c)
		fn(prefix+"bias", &n.B, c)
		fn(prefix+"running_mean", &n.Mean, c)
		fn(prefix+"running_var", &n.Var, c)
	}

	fn("conv1.weight", &r.Conv1W, 64, 3, 7, 7)
	bnSlots("bn1.", &r.BN1, 64)
	for l := range r.Layers {
		for b := range r.Layers[l] {
			blk := &r.Layers[l][b]
			p := fmt.Sprintf("layer%d.%d.", l+1, b)
			fn(p+"conv1.weight", &blk.Conv1W, blk.out, blk.in, 3, 3)
			bnSlots(p+"bn1.", &blk.BN1, blk.out)
			fn(p+"conv2.weight", &blk.Conv2W, blk.out, blk.out, 3, 3)
			bnSlots(p+"bn2.", &blk.BN2, blk.out)
			if blk.HasDown {
				fn(p+"downsample.0.weight", &blk.DownW, blk.out, blk.in, 1, 1)
				bnSlots(p+"downsample.1.", &blk.DownBN, blk.out)
			}
		}
	}
	fn("fc.weight", &r.FcW, r.classes, 512)
	fn("fc.bias", &r.FcB, r.classes)
}

// NewResNet18 returns a randomly initialized network with torchvision's
// default init. Used by tests and smoke runs without trained weights.
func NewResNet18(dev *device.Context, classes int) *ResNet18 {
	r := newResNet18Layout(classes)
	r.each(func(name string, slot **tensor.Tensor, shape ...int) {
		norm := strings.Contains(name, "bn") || strings.Contains(name, "downsample.1.")
		switch {
		case strings.HasSuffix(name, "running_var"), norm && strings.HasSuffix(name, ".weight"):
			*slot = tensor.Full(1, shape...)
		case norm:
			*slot = tensor.New(shape...)
		case name == "fc.bias":
			*slot = dev.Uniform(device.KaimingBound(512), shape...)
		default:
			fanIn := 1
			for _, d := range shape[1:] {
				fanIn *= d
			}
			*slot = dev.Uniform(device.KaimingBound(fanIn), shape...)
		}
	})
	return r
}

// LoadResNet18 reads a torchvision-layout state dict. Every parameter must be
// present with the expected shape; num_batches_tracked entries are ignored.
func LoadResNet18(path string, classes int) (*ResNet18, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	r := newResNet18Layout(classes)
	seen := make(map[string]bool)
	var errs error
	r.each(func(name string, slot **tensor.Tensor, shape ...int) {
		seen[name] = true
		t, err := f.Tensor(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		if !t.SameShape(shape...) {
			errs = multierr.Append(errs, fmt.Errorf("%s: shape %v, want %v", name, t.Shape, shape))
			return
		}
		*slot = t
	})
	for _, name := range f.Names() {
		if !seen[name] && !strings.HasSuffix(name, "num_batches_tracked") {
			errs = multierr.Append(errs, fmt.Errorf("unexpected tensor %q", name))
		}
	}
	if errs != nil {
		return nil, fmt.Errorf("resnet18 %s: %w", path, errs)
	}
	return r, nil
}

// Tensors returns the parameters keyed by torchvision name
func (r *ResNet18) Tensors() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	r.each(func(name string, slot **tensor.Tensor, _ ...int) {
		out[name] = *slot
	})
	return out
}

// Forward: image [1,3,H,W] → logits [1,classes]
func (r *ResNet18) Forward(x *tensor.Tensor) *tensor.Tensor {
	x = tensor.Conv2d(x, r.Conv1W, nil, 2, 3)
	x = tensor.ReLU(r.BN1.forward(x))
	x = tensor.MaxPool2d(x, 3, 2, 1)
	for l := range r.Layers {
		for b := range r.Layers[l] {
			x = r.Layers[l][b].forward(x)
		}
	}
	x = tensor.GlobalAvgPool2d(x) // [N,512]
	return tensor.Linear(x, r.FcW, r.FcB)
}

// Logits implements Model for a single image
func (r *ResNet18) Logits(x *tensor.Tensor) ([]float32, error) {
	if x.Rank() != 4 || x.Shape[0] != 1 || x.Shape[1] != 3 {
		return nil, fmt.Errorf("resnet18: input %v, want [1,3,H,W]", x.Shape)
	}
	if x.Shape[2] < 32 || x.Shape[3] < 32 {
		return nil, fmt.Errorf("resnet18: input %dx%d below 32x32", x.Shape[2], x.Shape[3])
	}
	return r.Forward(x).Data, nil
}

func (r *ResNet18) Close() error { return nil }
