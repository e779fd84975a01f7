package orchestrator_test

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cellgan/internal/device"
	"cellgan/internal/orchestrator"
	"cellgan/internal/stylegan"
	"cellgan/internal/tensor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSynth paints each sample a flat colour derived from its latent and
// one draw of noise, so output depends on both inputs.
type fakeSynth struct {
	calls   atomic.Int32
	err     error
	badSize bool
}

func (f *fakeSynth) ZDim() int { return 4 }

func (f *fakeSynth) Synthesize(dev *device.Context, z *tensor.Tensor, steps int) (*tensor.Tensor, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	n, res := z.Shape[0], stylegan.Resolution(steps)
	if f.badSize {
		res++
	}
	out := tensor.New(n, 3, res, res)
	plane := res * res
	for s := 0; s < n; s++ {
		noise := float32(dev.Rand().NormFloat64())
		for c := 0; c < 3; c++ {
			v := float32(math.Tanh(float64(z.Data[s*4+c] + noise)))
			for i := 0; i < plane; i++ {
				out.Data[(s*3+c)*plane+i] = v
			}
		}
	}
	return out, nil
}

func TestPlan(t *testing.T) {
	cases := []struct {
		n, batch int
		want     []orchestrator.Call
	}{
		{25, 10, []orchestrator.Call{{0, 10, 0}, {1, 10, 10}, {2, 5, 20}}},
		{3, 10, []orchestrator.Call{{0, 3, 0}}},
		{20, 10, []orchestrator.Call{{0, 10, 0}, {1, 10, 10}}},
		{1, 1, []orchestrator.Call{{0, 1, 0}}},
	}
	for _, tc := range cases {
		got, err := orchestrator.Plan(tc.n, tc.batch)
		require.NoError(t, err)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("Plan(%d,%d) (-want +got):\n%s", tc.n, tc.batch, diff)
		}
	}
}

func TestPlanInvalid(t *testing.T) {
	for _, tc := range [][2]int{{0, 10}, {-3, 10}, {5, 0}} {
		_, err := orchestrator.Plan(tc[0], tc[1])
		require.ErrorIs(t, err, orchestrator.ErrInvalidRequest)
	}
}

func TestRunWritesNumberedFiles(t *testing.T) {
	dir := t.TempDir()
	synth := &fakeSynth{}
	res, err := orchestrator.New(synth).Run(device.New(device.WithSeed(7)), orchestrator.Request{
		NumImages: 25,
		BatchSize: 10,
		Steps:     2,
		Variant:   "negative",
		OutputDir: dir,
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), synth.calls.Load())
	require.Equal(t, 3, res.Calls)
	require.Equal(t, 16, res.Resolution)
	require.Len(t, res.Written, 25)

	for i, p := range res.Written {
		require.Equal(t, filepath.Join(dir, fmt.Sprintf("generated_%d.png", i)), p)
		require.FileExists(t, p)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 26)

	first, err := os.ReadFile(res.Written[0])
	require.NoError(t, err)
	debug, err := os.ReadFile(res.DebugSample)
	require.NoError(t, err)
	require.Equal(t, first, debug)
}

func TestRunSmallRequestSingleCall(t *testing.T) {
	synth := &fakeSynth{}
	res, err := orchestrator.New(synth).Run(device.New(device.WithSeed(1)), orchestrator.Request{
		NumImages: 3, BatchSize: 10, Steps: 1, OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), synth.calls.Load())
	require.Len(t, res.Written, 3)
}

func TestRunIndependentOfWorkers(t *testing.T) {
	run := func(workers int) [][]byte {
		dir := t.TempDir()
		dev := device.New(device.WithSeed(42), device.WithWorkers(workers))
		res, err := orchestrator.New(&fakeSynth{}).Run(dev, orchestrator.Request{
			NumImages: 13, BatchSize: 4, Steps: 1, OutputDir: dir,
		})
		require.NoError(t, err)
		var out [][]byte
		for _, p := range append(res.Written, res.DebugSample) {
			b, err := os.ReadFile(p)
			require.NoError(t, err)
			out = append(out, b)
		}
		return out
	}
	sequential := run(1)
	require.Equal(t, sequential, run(3))
	require.Equal(t, sequential, run(8))
}

func TestRunPropagatesSynthesisError(t *testing.T) {
	boom := errors.New("boom")
	for _, workers := range []int{1, 2} {
		_, err := orchestrator.New(&fakeSynth{err: boom}).Run(
			device.New(device.WithSeed(1), device.WithWorkers(workers)),
			orchestrator.Request{NumImages: 6, BatchSize: 2, Steps: 1, OutputDir: t.TempDir()})
		require.ErrorIs(t, err, boom)
	}
}

func TestRunRejectsWrongShape(t *testing.T) {
	_, err := orchestrator.New(&fakeSynth{badSize: true}).Run(device.New(device.WithSeed(1)),
		orchestrator.Request{NumImages: 2, BatchSize: 2, Steps: 1, OutputDir: t.TempDir()})
	require.ErrorIs(t, err, stylegan.ErrShapeMismatch)
}

func TestRunInvalidRequest(t *testing.T) {
	o := orchestrator.New(&fakeSynth{})
	_, err := o.Run(device.New(device.WithSeed(1)), orchestrator.Request{NumImages: 0, BatchSize: 10, OutputDir: t.TempDir()})
	require.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = o.Run(device.New(device.WithSeed(1)), orchestrator.Request{NumImages: 1, BatchSize: 1, Steps: 9, OutputDir: t.TempDir()})
	require.ErrorIs(t, err, stylegan.ErrStepOutOfRange)
}

func TestRunWithGenerator(t *testing.T) {
	arch := stylegan.Arch{ZDim: 8, WDim: 8, InChannels: 8, ImgChannels: 3, MappingDepth: 2, Channels: []int{4, 4}, LeakySlope: 0.2}
	g, err := stylegan.New(arch, device.New(device.WithSeed(3)))
	require.NoError(t, err)

	res, err := orchestrator.New(g).Run(device.New(device.WithSeed(4)), orchestrator.Request{
		NumImages: 5, BatchSize: 2, Steps: 2, Variant: "positive", OutputDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, res.Written, 5)
	require.Equal(t, 16, res.Resolution)
}
