package domain

import (
	"errors"
	"fmt"
)

// Common engine errors surfaced to callers of slot and request
// operations.
var (
	// ErrSlotNotReady indicates a data request on a slot that has neither
	// a value nor a ready upstream connection. Recoverable: connect or
	// set the missing input and retry.
	ErrSlotNotReady = errors.New("slot not ready")

	// ErrIncompatibleSlots indicates a connect attempt between slots
	// whose type, level, or rank constraints do not match. The attempt
	// fails without altering either slot.
	ErrIncompatibleSlots = errors.New("incompatible slots")

	// ErrRegionOutOfBounds indicates a requested region exceeding the
	// slot's declared shape. Always a caller bug, fatal to that request.
	ErrRegionOutOfBounds = errors.New("region out of bounds")

	// ErrRegionInvalid indicates malformed region bounds (rank mismatch,
	// negative values, or start > stop).
	ErrRegionInvalid = errors.New("invalid region")

	// ErrRequestCancelled indicates cooperative cancellation observed at
	// a suspension point. It is a normal negative outcome, not a fault.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrInvalidBlockShape indicates a block shape whose rank or extents
	// cannot tile the addressed volume.
	ErrInvalidBlockShape = errors.New("invalid block shape")

	// ErrValueSlot indicates a value-level operation on a connected slot
	// or a data request on a slot that carries no array.
	ErrValueSlot = errors.New("operation not valid for this slot value state")
)

// SlotError wraps a failure of a slot operation with the slot name and
// the operation that failed.
type SlotError struct {
	// Slot is the qualified name of the slot involved.
	Slot string
	// Op describes the operation being performed, e.g. "connect".
	Op string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for SlotError.
func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %s: %s: %v", e.Slot, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *SlotError) Unwrap() error { return e.Err }

// NewSlotError creates a SlotError with the given details.
func NewSlotError(slot, op string, err error) *SlotError {
	return &SlotError{Slot: slot, Op: op, Err: err}
}

// ComputeError wraps a failure raised by an operator's compute
// implementation. It propagates through the owning request, and a cache
// entry whose computation failed reverts to absent so the block can be
// retried.
type ComputeError struct {
	// Operator is the name of the operator whose compute failed.
	Operator string
	// Slot is the name of the output slot being computed.
	Slot string
	// Region is the region that was being computed.
	Region Region
	// Err is the original error raised by the compute implementation.
	Err error
}

// Error implements the error interface for ComputeError.
func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %s.%s over %s: %v", e.Operator, e.Slot, e.Region, e.Err)
}

// Unwrap returns the original compute failure.
func (e *ComputeError) Unwrap() error { return e.Err }

// NewComputeError creates a ComputeError with the given details.
func NewComputeError(operator, slot string, region Region, err error) *ComputeError {
	return &ComputeError{Operator: operator, Slot: slot, Region: region, Err: err}
}
