// Package apperr defines the error kinds the orchestrator routes on.
//
// Kinds classify failures by disposition (dead-letter, requeue, fail the
// region, fail the image) rather than by origin. Handlers wrap underlying
// errors with a kind and the main loop switches on it.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the disposition class of an error.
type Kind int

const (
	// KindUnknown is any error that carries no kind.
	KindUnknown Kind = iota

	// KindInvalidRequest marks a malformed or semantically invalid payload.
	// Dead-lettered, never retried.
	KindInvalidRequest

	// KindLoadImage marks an unreachable or unreadable image URI.
	// Dead-lettered at intake.
	KindLoadImage

	// KindUnsupportedModel marks an endpoint invoke mode we cannot serve.
	KindUnsupportedModel

	// KindRetryableJob marks a transient dependency failure. The upstream
	// message is released with zero visibility.
	KindRetryableJob

	// KindSelfThrottledRegion signals the endpoint is at region capacity.
	// The region message is released with zero visibility.
	KindSelfThrottledRegion

	// KindSetupWorkers marks a worker pool initialization failure.
	KindSetupWorkers

	// KindProcessTiles marks a bulk tile-processing failure.
	KindProcessTiles

	// KindAggregateFeatures marks a failure while aggregating or writing
	// output features after regions complete.
	KindAggregateFeatures

	// KindS3Operation marks an object-store failure on the async path.
	KindS3Operation

	// KindAsyncTimeout marks an asynchronous inference that never produced
	// a result or failure object.
	KindAsyncTimeout
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "InvalidRequest"
	case KindLoadImage:
		return "LoadImageError"
	case KindUnsupportedModel:
		return "UnsupportedModel"
	case KindRetryableJob:
		return "RetryableJob"
	case KindSelfThrottledRegion:
		return "SelfThrottledRegion"
	case KindSetupWorkers:
		return "SetupWorkers"
	case KindProcessTiles:
		return "ProcessTiles"
	case KindAggregateFeatures:
		return "AggregateFeatures"
	case KindS3Operation:
		return "S3Operation"
	case KindAsyncTimeout:
		return "AsyncInferenceTimeout"
	default:
		return "Unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error { return e.err }

// New creates a kinded error from a message.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, err: errors.New(msg)}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
