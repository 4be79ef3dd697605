package domain

import (
	"context"
	"errors"
	"fmt"
)

// Class buckets gateway failures by how callers should react.
type Class string

const (
	// ClassTransient failures may succeed on retry (timeouts, 429, 5xx).
	ClassTransient Class = "transient"
	// ClassPermanent failures will not succeed on retry (bad request, validation).
	ClassPermanent Class = "permanent"
	// ClassAlreadySettled means the invoice was paid before this attempt.
	ClassAlreadySettled Class = "already_settled"
	// ClassAuthentication means the ledger rejected our credentials.
	ClassAuthentication Class = "authentication"
	// ClassNotFound means the referenced ledger object does not exist.
	ClassNotFound Class = "not_found"
)

// GatewayError wraps a ledger failure with its classification.
type GatewayError struct {
	Class Class
	Op    string
	Err   error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError wraps err with its class and the failing operation.
func NewGatewayError(class Class, op string, err error) *GatewayError {
	return &GatewayError{Class: class, Op: op, Err: err}
}

// Classify returns the failure class of err. Context expiry counts as
// transient; anything unclassified is permanent so bugs surface instead
// of retrying forever.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassPermanent
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
