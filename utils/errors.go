package utils

import (
	"github.com/pkg/errors"
)

// NewBufferSizeError reports a flat parameter or residual buffer of the wrong length.
func NewBufferSizeError(what string, expected, actual int) error {
	return errors.Errorf("%s buffer must have %d elements but has %d", what, expected, actual)
}

// NewNonFiniteError reports a NaN or infinite value at index i of a named buffer.
func NewNonFiniteError(what string, i int, v float64) error {
	return errors.Errorf("%s[%d] is not finite (%v)", what, i, v)
}
