package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrNoImages means the input held no image the classifier could read.
	// Nothing is generated.
	ErrNoImages          = errors.New("pipeline: no valid images found")
	ErrUnsafeArchivePath = errors.New("pipeline: archive entry escapes extraction directory")
	ErrUnsupportedInput  = errors.New("pipeline: only zip archives are supported")
)

// FatalError aborts a whole request: the classifier or weights could not be
// loaded, or synthesis failed.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(stage string, err error) error {
	return &FatalError{Stage: stage, Err: err}
}
