package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the scanning flow. Callers test for them with errors.Is.
var (
	ErrImageRead       = errors.New("image read failure")
	ErrAnalysis        = errors.New("analysis failure")
	ErrEdit            = errors.New("image edit failure")
	ErrChat            = errors.New("chat failure")
	ErrInvalidContract = errors.New("response does not match analysis contract")
	ErrInvalidInput    = errors.New("invalid input")
)

// WrapError tags err with a kind and the operation that produced it.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}
