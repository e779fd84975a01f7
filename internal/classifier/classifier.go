// Package classifier labels cell images as positive or negative and tallies
// a directory of them.
package classifier

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"cellgan/internal/device"
	"cellgan/internal/imageio"
	"cellgan/internal/tensor"
)

// Class is the arg-max index of the two-logit head
type Class int

const (
	Negative Class = iota
	Positive
)

func (c Class) String() string {
	if c == Positive {
		return "POSITIVE"
	}
	return "NEGATIVE"
}

func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// Normalization applied after scaling pixels to [0,1]
const (
	NormMean = 0.5
	NormStd  = 0.5
)

// Model produces class logits for one preprocessed [1,3,S,S] image.
type Model interface {
	Logits(x *tensor.Tensor) ([]float32, error)
	Close() error
}

// Tally counts classified images per class
type Tally struct {
	Negative int
	Positive int
}

func (t Tally) Total() int { return t.Negative + t.Positive }

// Final is Positive when positives are at least as many as negatives
func (t Tally) Final() Class {
	if t.Positive >= t.Negative {
		return Positive
	}
	return Negative
}

func (t *Tally) add(c Class) {
	if c == Positive {
		t.Positive++
	} else {
		t.Negative++
	}
}

// Item is one successfully classified file
type Item struct {
	Path   string    `json:"path"`
	Class  Class     `json:"class"`
	Logits []float32 `json:"logits"`
}

// Skipped records a file that could not be classified
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result of classifying a directory
type Result struct {
	Tally   Tally
	Items   []Item
	Skipped []Skipped
}

// Summary is the external classification record.
type Summary struct {
	TotalImages         int       `json:"total_images"`
	NegativeCount       int       `json:"negative_count"`
	NegativePct         string    `json:"negative_pct"`
	PositiveCount       int       `json:"positive_count"`
	PositivePct         string    `json:"positive_pct"`
	FinalClassification string    `json:"final_classification"`
	Skipped             []Skipped `json:"skipped,omitempty"`
}

func (r *Result) Summary() Summary {
	return Summary{
		TotalImages:         r.Tally.Total(),
		NegativeCount:       r.Tally.Negative,
		NegativePct:         percent(r.Tally.Negative, r.Tally.Total()),
		PositiveCount:       r.Tally.Positive,
		PositivePct:         percent(r.Tally.Positive, r.Tally.Total()),
		FinalClassification: r.Tally.Final().String(),
		Skipped:             r.Skipped,
	}
}

func percent(n, total int) string {
	if total == 0 {
		return fmt.Sprintf("%.2f%%", 0.0)
	}
	return fmt.Sprintf("%.2f%%", 100*float64(n)/float64(total))
}

// Classifier runs a Model over image files
type Classifier struct {
	model     Model
	imageSize int
}

func New(model Model, imageSize int) *Classifier {
	return &Classifier{model: model, imageSize: imageSize}
}

func (c *Classifier) Close() error { return c.model.Close() }

// Preprocess resizes img to size×size and normalizes it to the model's input range.
func Preprocess(img image.Image, size int) *tensor.Tensor {
	return imageio.ToTensor(imageio.Resize(img, size, size), NormMean, NormStd)
}

// ClassifyFile decodes, preprocesses and classifies one image.
func (c *Classifier) ClassifyFile(path string) (Item, error) {
	img, err := imageio.Load(path)
	if err != nil {
		return Item{}, err
	}
	logits, err := c.model.Logits(Preprocess(img, c.imageSize))
	if err != nil {
		return Item{}, fmt.Errorf("inference: %w", err)
	}
	if len(logits) != 2 {
		return Item{}, fmt.Errorf("inference: %d logits, want 2", len(logits))
	}
	return Item{Path: path, Class: Class(tensor.Argmax(logits)), Logits: logits}, nil
}

// ClassifyDir walks dir in lexical order and classifies every image file.
// Files that fail to decode or classify are recorded in Skipped; only an
// unreadable root is an error.
func (c *Classifier) ClassifyDir(dev *device.Context, dir string) (*Result, error) {
	log := dev.Logger().Named("classifier")
	start := time.Now()
	res := &Result{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Warn("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: err.Error()})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !imageio.IsImagePath(path) {
			return nil
		}
		item, err := c.ClassifyFile(path)
		if err != nil {
			log.Warn("skipping image", zap.String("path", path), zap.Error(err))
			res.Skipped = append(res.Skipped, Skipped{Path: path, Reason: err.Error()})
			return nil
		}
		res.Tally.add(item.Class)
		res.Items = append(res.Items, item)
		log.Debug("classified", zap.String("path", path), zap.Stringer("class", item.Class))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	log.Info("classification done",
		zap.Int("total", res.Tally.Total()),
		zap.Int("positive", res.Tally.Positive),
		zap.Int("negative", res.Tally.Negative),
		zap.Int("skipped", len(res.Skipped)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// ErrBackendUnavailable is returned for a backend this binary was built without.
var ErrBackendUnavailable = errors.New("classifier: backend unavailable")
