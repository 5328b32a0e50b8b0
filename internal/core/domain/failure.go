package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCategory is returned for a failure category with no retry policy.
var ErrUnknownCategory = errors.New("unknown failure category")

// FailureCategory classifies why a processing attempt failed.
type FailureCategory string

const (
	FailureTimeout    FailureCategory = "timeout"
	FailureNetwork    FailureCategory = "network"
	FailureDatabase   FailureCategory = "database"
	FailureValidation FailureCategory = "validation"
	FailureResource   FailureCategory = "resource"
	FailureBusiness   FailureCategory = "business"
)

// FailureCategories lists every known category in policy-table order.
var FailureCategories = []FailureCategory{
	FailureTimeout,
	FailureNetwork,
	FailureDatabase,
	FailureValidation,
	FailureResource,
	FailureBusiness,
}

// Valid reports whether c is one of the known categories.
func (c FailureCategory) Valid() bool {
	for _, known := range FailureCategories {
		if c == known {
			return true
		}
	}
	return false
}

func (c FailureCategory) String() string { return string(c) }

// ParseFailureCategory parses a category name case-insensitively.
func ParseFailureCategory(s string) (FailureCategory, error) {
	c := FailureCategory(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// Failure is an error already classified by business logic.
type Failure struct {
	Category FailureCategory
	Err      error
}

// NewFailure wraps err with an explicit category.
func NewFailure(category FailureCategory, err error) *Failure {
	return &Failure{Category: category, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Category) + " failure"
	}
	return fmt.Sprintf("%s failure: %v", f.Category, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
