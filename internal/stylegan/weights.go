package stylegan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"cellgan/internal/device"
	"cellgan/internal/safetensors"
	"cellgan/internal/tensor"
)

// Bundle metadata. Version 1 is the untagged state-dict export of the
// training code; version 2 adds the header below and canonical names.
const (
	SchemaName    = "cellgan.generator"
	SchemaVersion = 2
)

// Options controls how a bundle binds to a generator.
type Options struct {
	// Variant the caller expects. Empty accepts any.
	Variant string
	// Strict rejects bundles that miss parameters or carry extra tensors.
	// Otherwise missing parameters keep their initialization and both cases
	// are logged.
	Strict bool
}

// LoadReport describes what binding a bundle did.
type LoadReport struct {
	Path          string
	SchemaVersion int
	Variant       string
	Loaded        int
	Missing       []string
	Unexpected    []string
	// Migrated maps a parameter name to the stored name it was read from,
	// for every tensor whose name changed during migration.
	Migrated map[string]string
}

// Load builds a generator for arch and fills it from the bundle at path.
func Load(dev *device.Context, path string, arch Arch, opts Options) (*Generator, *LoadReport, error) {
	log := dev.Logger().Named("stylegan")

	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	version, variant, err := readHeader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	switch {
	case opts.Variant == "" || variant == opts.Variant:
	case variant == "":
		log.Warn("bundle carries no variant tag", zap.String("path", path), zap.String("want", opts.Variant))
	default:
		return nil, nil, fmt.Errorf("%w: %s is %q, want %q", ErrVariantMismatch, path, variant, opts.Variant)
	}

	g, err := New(arch, dev)
	if err != nil {
		return nil, nil, err
	}

	sources, dropped := migrate(f.Names(), version)
	if len(dropped) > 0 {
		log.Debug("dropped non-parameter tensors", zap.Strings("names", dropped))
	}

	rep := &LoadReport{
		Path:          path,
		SchemaVersion: version,
		Variant:       variant,
		Migrated:      make(map[string]string),
	}
	for _, p := range g.params.list {
		src, ok := sources[p.name]
		if !ok {
			rep.Missing = append(rep.Missing, p.name)
			continue
		}
		data, shape, err := f.Float32(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", src, err)
		}
		if !p.t.SameShape(shape...) {
			return nil, nil, fmt.Errorf("%w: %s stored as %v, generator expects %v",
				ErrShapeMismatch, src, shape, p.t.Shape)
		}
		copy(p.t.Data, data)
		rep.Loaded++
		if src != p.name {
			rep.Migrated[p.name] = src
		}
	}
	for name, src := range sources {
		if _, ok := g.params.get(name); !ok {
			rep.Unexpected = append(rep.Unexpected, src)
		}
	}
	sort.Strings(rep.Unexpected)

	// No overlap at all means the wrong file, whatever the mode.
	if rep.Loaded == 0 {
		return nil, nil, fmt.Errorf("%w: %s fills none of %d generator parameters",
			ErrMissingTensor, path, len(g.params.list))
	}
	if opts.Strict {
		if len(rep.Missing) > 0 {
			return nil, nil, fmt.Errorf("%w: %d absent from %s, first %s",
				ErrMissingTensor, len(rep.Missing), path, rep.Missing[0])
		}
		if len(rep.Unexpected) > 0 {
			return nil, nil, fmt.Errorf("%w: %d extra in %s, first %s",
				ErrUnexpectedTensor, len(rep.Unexpected), path, rep.Unexpected[0])
		}
	}
	if len(rep.Missing) > 0 {
		log.Warn("parameters missing from bundle keep their initialization",
			zap.String("path", path), zap.Strings("missing", rep.Missing))
	}
	if len(rep.Unexpected) > 0 {
		log.Warn("bundle tensors not used by the generator",
			zap.String("path", path), zap.Strings("unexpected", rep.Unexpected))
	}
	log.Info("generator loaded",
		zap.String("path", path),
		zap.Int("schema_version", version),
		zap.String("variant", variant),
		zap.Int("tensors", rep.Loaded),
		zap.Int("params", g.NumParams()))
	return g, rep, nil
}

// readHeader returns the schema version and variant tag of a bundle.
// Bundles without a header are version 1.
func readHeader(f *safetensors.File) (int, string, error) {
	md := f.Metadata
	if name, ok := md["schema"]; ok && name != SchemaName {
		return 0, "", fmt.Errorf("%w: schema %q", ErrUnsupportedSchema, name)
	}
	raw, ok := md["schema_version"]
	if !ok {
		return 1, md["variant"], nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, "", fmt.Errorf("%w: version %q", ErrUnsupportedSchema, raw)
	}
	if v > SchemaVersion {
		return 0, "", fmt.Errorf("%w: version %d is newer than %d", ErrUnsupportedSchema, v, SchemaVersion)
	}
	return v, md["variant"], nil
}

// Migrate maps stored tensor names of a bundle at the given schema version to
// canonical parameter names. The result maps canonical name to stored name.
func Migrate(names []string, version int) map[string]string {
	sources, _ := migrate(names, version)
	return sources
}

func migrate(names []string, version int) (map[string]string, []string) {
	sources := make(map[string]string, len(names))
	var dropped []string
	if version >= SchemaVersion {
		for _, n := range names {
			sources[n] = n
		}
		return sources, nil
	}

	for _, n := range names {
		if strings.HasSuffix(n, "num_batches_tracked") {
			dropped = append(dropped, n)
			continue
		}
		canon := n
		for _, prefix := range []string{"module.", "gen."} {
			canon = strings.TrimPrefix(canon, prefix)
		}
		if _, dup := sources[canon]; dup {
			dropped = append(dropped, n)
			continue
		}
		sources[canon] = n
	}

	// Older exports stored the step-0 head as the first entry of rgb_layers.
	for _, suffix := range []string{"conv.weight", "bias"} {
		old, canon := "rgb_layers.0."+suffix, "initial_rgb."+suffix
		src, ok := sources[old]
		if !ok {
			continue
		}
		delete(sources, old)
		if _, exists := sources[canon]; exists {
			dropped = append(dropped, src)
			continue
		}
		sources[canon] = src
	}
	sort.Strings(dropped)
	return sources, dropped
}

// Save writes the generator's parameters as a current-schema bundle.
func (g *Generator) Save(path, variant string) error {
	tensors := make(map[string]*tensor.Tensor, len(g.params.list))
	for _, p := range g.params.list {
		tensors[p.name] = p.t
	}
	meta := map[string]string{
		"schema":         SchemaName,
		"schema_version": strconv.Itoa(SchemaVersion),
	}
	if variant != "" {
		meta["variant"] = variant
	}
	return safetensors.Write(path, tensors, meta)
}

// Report summarizes a bundle without binding it.
type Report struct {
	Path          string   `json:"path"`
	SchemaVersion int      `json:"schema_version"`
	Variant       string   `json:"variant,omitempty"`
	Tensors       int      `json:"tensors"`
	Params        int      `json:"params"`
	Widths        []int    `json:"widths"`
	MaxSteps      int      `json:"max_steps"`
	Missing       []string `json:"missing,omitempty"`
	Unexpected    []string `json:"unexpected,omitempty"`
	ShapeErrors   []string `json:"shape_errors,omitempty"`
}

// Inspect reads the bundle at path and compares it against arch.
// Widths[k] is the stored channel count after step k, or 0 when absent.
func Inspect(path string, arch Arch) (*Report, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	version, variant, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	ref, err := New(arch, device.New(device.WithSeed(1)))
	if err != nil {
		return nil, err
	}

	sources, _ := migrate(f.Names(), version)
	rep := &Report{
		Path:          path,
		SchemaVersion: version,
		Variant:       variant,
		Tensors:       len(f.Names()),
	}
	for name, src := range sources {
		shape, _ := f.Shape(src)
		n := 1
		for _, d := range shape {
			n *= d
		}
		rep.Params += n

		want, ok := ref.params.get(name)
		if !ok {
			rep.Unexpected = append(rep.Unexpected, src)
			continue
		}
		if !want.SameShape(shape...) {
			rep.ShapeErrors = append(rep.ShapeErrors, fmt.Sprintf("%s: %v != %v", src, shape, want.Shape))
		}
	}
	for _, p := range ref.params.list {
		if _, ok := sources[p.name]; !ok {
			rep.Missing = append(rep.Missing, p.name)
		}
	}
	sort.Strings(rep.Unexpected)
	sort.Strings(rep.ShapeErrors)

	widthOf := func(name string) int {
		if src, ok := sources[name]; ok {
			if shape, ok := f.Shape(src); ok && len(shape) > 0 {
				return shape[0]
			}
		}
		return 0
	}
	rep.Widths = append(rep.Widths, widthOf("initial_conv.weight"))
	for k := 0; ; k++ {
		w := widthOf(fmt.Sprintf("prog_blocks.%d.conv2.conv.weight", k))
		if w == 0 {
			break
		}
		rep.Widths = append(rep.Widths, w)
	}
	rep.MaxSteps = len(rep.Widths) - 1
	return rep, nil
}
