// Package hwerr holds the error kinds shared by the register engine, the validation
// layer and the fan controller. Callers match them with errors.Is; every error
// returned by tptune's packages wraps exactly one of these kinds.
package hwerr

import "errors"

var (
	// ErrDeviceUnavailable means an MSR device node could not be opened at all
	// (msr module not loaded, permission denied).
	ErrDeviceUnavailable = errors.New("msr device unavailable")
	ErrInvalidCPU        = errors.New("invalid or offline cpu")
	ErrIOFailure         = errors.New("i/o failure")

	ErrFieldOverflow = errors.New("value does not fit register field")
	ErrOutOfRange    = errors.New("value out of range")
	ErrInvalidLevel  = errors.New("invalid fan level")

	ErrNotInManualMode     = errors.New("fan is not in manual mode")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrParse               = errors.New("unrecognized fan status format")

	// ErrRegisterLocked is returned when the lock bit of a register is set. Writes
	// to a locked register are dropped by the processor until the next reset.
	ErrRegisterLocked = errors.New("register is locked until reset")

	// ErrVerifyMismatch means a register read back differently from what was
	// written, typically because the processor clamped the value.
	ErrVerifyMismatch = errors.New("register did not keep the written value")

	// ErrApplyFailed is matched by engine.ApplyFailedError.
	ErrApplyFailed = errors.New("apply failed")
)
