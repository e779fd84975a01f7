// Package router picks the generator variant for a classification tally.
package router

import (
	"fmt"

	"cellgan/internal/classifier"
	"cellgan/internal/stylegan"
)

// Variant names a trained generator
type Variant string

const (
	Positive Variant = "positive"
	Negative Variant = "negative"
)

// Binding fixes everything a variant generates with. Only the variant
// choice depends on data.
type Binding struct {
	Variant    Variant
	Steps      int
	Resolution int
	// WeightsFile is the bundle's default file name inside the models directory.
	WeightsFile string
}

// String renders the binding as it appears in request records.
func (b Binding) String() string {
	return fmt.Sprintf("%s (steps=%d, %dx%d)", b.Variant, b.Steps, b.Resolution, b.Resolution)
}

var table = map[Variant]Binding{
	Positive: {Variant: Positive, Steps: 6, Resolution: stylegan.Resolution(6), WeightsFile: "generator_positive_256.safetensors"},
	Negative: {Variant: Negative, Steps: 5, Resolution: stylegan.Resolution(5), WeightsFile: "generator_negative_128.safetensors"},
}

// Route returns the positive binding when positives are at least as many as
// negatives, else the negative one.
func Route(t classifier.Tally) Binding {
	if t.Final() == classifier.Positive {
		return table[Positive]
	}
	return table[Negative]
}

// Lookup returns the binding for a variant name
func Lookup(v Variant) (Binding, bool) {
	b, ok := table[v]
	return b, ok
}

// Variants lists the table in a stable order
func Variants() []Variant { return []Variant{Positive, Negative} }
