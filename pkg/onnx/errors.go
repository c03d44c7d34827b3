package onnx

import (
	"errors"
	"fmt"
)

var ErrAugmentation = errors.New("graph augmentation failed")

// AugmentationError reports a model that could not be augmented at all.
// Individual outputs that cannot be typed or shaped are warnings, not errors.
type AugmentationError struct {
	Msg string
	Err error
}

func (e *AugmentationError) Error() string {
	if e == nil {
		return ""
	}
	msg := ErrAugmentation.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AugmentationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAugmentation}
	}
	return []error{ErrAugmentation, e.Err}
}

func augmentationErrorf(format string, args ...any) error {
	return &AugmentationError{Msg: fmt.Sprintf(format, args...)}
}
