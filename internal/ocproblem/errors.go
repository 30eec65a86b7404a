package ocproblem

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTerm indicates a named term was added twice to a collection.
	ErrDuplicateTerm = errors.New("ocproblem: duplicate term")

	// ErrUnknownTerm indicates a get-by-name lookup for a missing term.
	ErrUnknownTerm = errors.New("ocproblem: unknown term")

	// ErrDimensionMismatch indicates a user callback returned an array of
	// unexpected shape.
	ErrDimensionMismatch = errors.New("ocproblem: dimension mismatch")
)

func duplicateTerm(name string) error {
	return fmt.Errorf("%w: %q", ErrDuplicateTerm, name)
}

func unknownTerm(name string) error {
	return fmt.Errorf("%w: %q", ErrUnknownTerm, name)
}
