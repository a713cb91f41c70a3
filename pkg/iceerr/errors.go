// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package iceerr implements the error kinds reported by an ICE stream
// transport. Usage errors are returned synchronously by the operation that
// was rejected. Init and runtime errors are delivered through the
// transport's completion callback.
package iceerr

import (
	"errors"
	"fmt"
)

// InvalidArgumentError indicates an operation was called with an argument
// it cannot accept, such as an unknown component id or an empty payload.
type InvalidArgumentError struct {
	Err error
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("InvalidArgumentError: %v", e.Err)
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.Err
}

// InvalidStateError indicates the transport is not in a state where the
// operation is allowed, for example starting checks twice.
type InvalidStateError struct {
	Err error
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("InvalidStateError: %v", e.Err)
}

func (e *InvalidStateError) Unwrap() error {
	return e.Err
}

// InitError indicates candidate gathering could not complete. The
// transport is unusable afterwards and should be destroyed.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("InitError: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// RuntimeError indicates an established resource was lost, such as a
// relay allocation that could not be recovered.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("RuntimeError: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NegotiationError indicates connectivity checks finished without a
// usable pair for every component.
type NegotiationError struct {
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("NegotiationError: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

// IsUsage reports whether err was caused by calling an operation with a bad
// argument or in the wrong state.
func IsUsage(err error) bool {
	var argErr *InvalidArgumentError
	var stateErr *InvalidStateError

	return errors.As(err, &argErr) || errors.As(err, &stateErr)
}
