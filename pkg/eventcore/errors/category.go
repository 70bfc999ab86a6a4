// Package errors provides error categorisation, retry policies and backoff
// calculation for event handler execution.
//
// The package implements a layered approach:
//   - Categorization: classify errors as transient (retry may help) or permanent
//   - Backoff: compute the delay before the next attempt (exponential, linear, fixed)
//   - Retry: drive a function through a RetryPolicy, reporting every failed attempt
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: handler returned an error, handler timed out.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: payload validation failure, duplicate delivery.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Categorizer is implemented by errors that know their own category.
type Categorizer interface {
	Category() Category
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
//
// Handler failures are transient unless they say otherwise: an unknown error
// coming out of a subscriber is assumed to be worth another attempt.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
