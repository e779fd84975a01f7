package stylegan

import "errors"

var (
	ErrInvalidArch       = errors.New("stylegan: invalid architecture")
	ErrStepOutOfRange    = errors.New("stylegan: step out of range")
	ErrShapeMismatch     = errors.New("stylegan: shape mismatch")
	ErrMissingTensor     = errors.New("stylegan: missing tensor")
	ErrUnexpectedTensor  = errors.New("stylegan: unexpected tensor")
	ErrVariantMismatch   = errors.New("stylegan: bundle bound to another variant")
	ErrUnsupportedSchema = errors.New("stylegan: unsupported weight schema")
)
