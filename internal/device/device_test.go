package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cellgan/internal/device"
)

func TestSeededContextsAgree(t *testing.T) {
	a := device.New(device.WithSeed(7))
	b := device.New(device.WithSeed(7))
	require.Equal(t, a.Normal(4, 3).Data, b.Normal(4, 3).Data)

	fa, fb := a.Fork(), b.Fork()
	require.Equal(t, fa.Seed(), fb.Seed())
	require.Equal(t, fa.Normal(5).Data, fb.Normal(5).Data)
	require.Equal(t, 1, fa.Workers())
}

func TestDefaults(t *testing.T) {
	c := device.New(device.WithWorkers(-3))
	require.Equal(t, device.CPU, c.Name())
	require.Equal(t, 1, c.Workers())
	require.NotZero(t, c.Seed())
	require.NotNil(t, c.Logger())

	u := c.Uniform(0.5, 100)
	for _, v := range u.Data {
		require.LessOrEqual(t, v, float32(0.5))
		require.GreaterOrEqual(t, v, float32(-0.5))
	}
}
