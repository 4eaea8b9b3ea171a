package cmd

import (
	"errors"

	"github.com/davidr/tptune/pkg/engine"
	"github.com/davidr/tptune/pkg/hwerr"
)

// guidance turns a failure into a hint the operator can act on. The most specific
// kind is matched first: an apply failure carries the I/O error that caused it.
func guidance(err error) string {
	var applyErr *engine.ApplyFailedError
	if errors.As(err, &applyErr) && applyErr.RollbackErr != nil {
		return "the previous register values could not be restored, check them with \"tptune status\" or reboot"
	}

	switch {
	case errors.Is(err, hwerr.ErrDeviceUnavailable):
		return "load the msr driver (modprobe msr) and run as root"
	case errors.Is(err, hwerr.ErrUnsupportedPlatform):
		return "this machine does not allow the change; for the fan, load thinkpad_acpi with fan_control=1"
	case errors.Is(err, hwerr.ErrRegisterLocked):
		return "the firmware locked the power limit register, it can only change after a reset"
	case errors.Is(err, hwerr.ErrInvalidCPU):
		return "the cpu is offline or does not exist, see /sys/devices/system/cpu"
	case errors.Is(err, hwerr.ErrOutOfRange), errors.Is(err, hwerr.ErrFieldOverflow):
		return "the value is outside what this processor accepts, see \"list\" for the allowed range"
	case errors.Is(err, hwerr.ErrInvalidLevel):
		return "fan levels are 0-7, full-speed and disengaged, limited by the platform profile"
	case errors.Is(err, hwerr.ErrNotInManualMode):
		return "switch the fan to manual first (tptune fan manual)"
	case errors.Is(err, hwerr.ErrParse):
		return "the fan status format is not recognized, this thinkpad_acpi version is not supported"
	case errors.Is(err, hwerr.ErrVerifyMismatch):
		return "the processor did not keep the value, it may be clamped by the firmware"
	case errors.Is(err, hwerr.ErrIOFailure):
		return "the hardware rejected the access, check dmesg"
	}
	return ""
}
