// Package device carries the execution context passed into every
// classification and synthesis call: which device runs inference, where logs
// go, the random stream latents and noise are drawn from, and how many batch
// calls may run at once.
package device

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"cellgan/internal/tensor"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
)

// Context is not safe for concurrent use; concurrent workers each take a Fork.
type Context struct {
	name    string
	logger  *zap.Logger
	seed    int64
	rng     *rand.Rand
	workers int
}

type Option func(*Context)

func WithName(name string) Option { return func(c *Context) { c.name = name } }

func WithLogger(l *zap.Logger) Option { return func(c *Context) { c.logger = l } }

// WithSeed fixes the random stream. Zero picks a time-based seed.
func WithSeed(seed int64) Option { return func(c *Context) { c.seed = seed } }

func WithWorkers(n int) Option { return func(c *Context) { c.workers = n } }

func New(opts ...Option) *Context {
	c := &Context{name: CPU, workers: 1}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.seed == 0 {
		c.seed = time.Now().UnixNano()
	}
	if c.workers < 1 {
		c.workers = 1
	}
	c.rng = rand.New(rand.NewSource(c.seed))
	return c
}

func (c *Context) Name() string        { return c.name }
func (c *Context) Logger() *zap.Logger { return c.logger }
func (c *Context) Seed() int64         { return c.seed }
func (c *Context) Workers() int        { return c.workers }
func (c *Context) Rand() *rand.Rand    { return c.rng }

// Fork derives a child context with its own random stream, seeded from the
// parent's stream. Forking in a fixed order yields the same children no matter
// how they are later scheduled.
func (c *Context) Fork() *Context {
	seed := c.rng.Int63()
	if seed == 0 {
		seed = 1
	}
	return &Context{
		name:    c.name,
		logger:  c.logger,
		seed:    seed,
		rng:     rand.New(rand.NewSource(seed)),
		workers: 1,
	}
}

// Normal samples a standard normal tensor of the given shape
func (c *Context) Normal(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(c.rng.NormFloat64())
	}
	return t
}

// Uniform samples from U(-bound, bound)
func (c *Context) Uniform(bound float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32((c.rng.Float64()*2 - 1) * bound)
	}
	return t
}

// KaimingBound is the uniform bound PyTorch uses for default conv/linear init
func KaimingBound(fanIn int) float64 {
	return 1 / math.Sqrt(float64(fanIn))
}
