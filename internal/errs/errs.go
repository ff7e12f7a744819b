// Package errs holds the error taxonomy shared by the storage, log, causality,
// subscription and federation layers.
//
// Sentinels identify the condition; ClassifiedError adds how a caller should
// treat it (retry, reject, stop, penalize). Match with errors.Is/As.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Class describes how an error should be handled by the caller.
type Class int

const (
	// Transient errors may succeed on retry (I/O hiccups, unreachable peers).
	Transient Class = iota
	// Invalid errors come from bad input and must not be retried.
	Invalid
	// Fatal errors abort the enclosing operation.
	Fatal
	// Security errors indicate a forged or otherwise hostile input.
	Security
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	case Security:
		return "security"
	default:
		return "unknown"
	}
}

var (
	// ErrStorageUnavailable is returned when the storage engine cannot complete I/O.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCorrupt marks a stored value that failed to decode.
	ErrCorrupt = errors.New("corrupt record")
	// ErrNotFound is returned by point lookups for missing keys.
	ErrNotFound = errors.New("not found")
	// ErrForged is returned when an event signature does not verify.
	ErrForged = errors.New("forged event")
	// ErrFull is the reason a subscriber was dropped for falling behind.
	ErrFull = errors.New("subscriber queue full")
	// ErrUnknownChannel is returned for operations on a channel that does not exist here.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownPeer is returned when no verification key or link exists for a server.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrRevokedKey is returned when an origin's key has been revoked.
	ErrRevokedKey = errors.New("verification key revoked")
	// ErrKeyConflict is returned when trusting a different key for an already trusted server.
	ErrKeyConflict = errors.New("verification key already trusted")
	// ErrInvalidEvent is returned for structurally invalid events or payloads.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrClosed is returned by components after shutdown.
	ErrClosed = errors.New("closed")
	// ErrBanned is returned for traffic from a peer that exceeded its penalty budget.
	ErrBanned = errors.New("peer banned")
)

// ClassifiedError wraps an error with its class and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Component == "" {
		return ce.Err.Error()
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

func wrap(class Class, err error, component, op string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err, Component: component, Operation: op}
}

// WrapTransient classifies err as transient.
func WrapTransient(err error, component, op string) error { return wrap(Transient, err, component, op) }

// WrapInvalid classifies err as invalid input.
func WrapInvalid(err error, component, op string) error { return wrap(Invalid, err, component, op) }

// WrapFatal classifies err as fatal to the operation.
func WrapFatal(err error, component, op string) error { return wrap(Fatal, err, component, op) }

// WrapSecurity classifies err as a security violation.
func WrapSecurity(err error, component, op string) error { return wrap(Security, err, component, op) }

// Unavailable wraps an engine error so it matches ErrStorageUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// Corrupt wraps a decode failure for key so it matches ErrCorrupt.
func Corrupt(key []byte, err error) error {
	return fmt.Errorf("%w: key %q: %v", ErrCorrupt, key, err)
}

// ClassOf returns err's class. Unclassified errors are inferred from sentinels.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrForged), errors.Is(err, ErrRevokedKey), errors.Is(err, ErrBanned):
		return Security
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrKeyConflict):
		return Invalid
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Transient
	case errors.Is(err, ErrCorrupt), errors.Is(err, ErrClosed):
		return Fatal
	}
	return Transient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool { return err != nil && ClassOf(err) == Transient }

// IsSecurity reports whether err is a security violation.
func IsSecurity(err error) bool { return err != nil && ClassOf(err) == Security }
