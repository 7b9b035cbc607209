package apperrors

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidLevel        = errors.New("code length maps to no taxonomy level")
	ErrMissingParent       = errors.New("parent code missing for non-root record")
	ErrParentLevelMismatch = errors.New("parent level does not precede record level")
	ErrValidation          = errors.New("validation failed")
	ErrStreamFailed        = errors.New("record stream failed")
)
