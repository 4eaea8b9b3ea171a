package engine

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/davidr/tptune/pkg/hwerr"
)

// Stage is a step of an apply operation
type Stage int

const (
	StageIdle Stage = iota
	StageValidating
	StageSnapshotting
	StageWriting
	StageVerifying
	StageCommitted
	StageRolledBack
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageValidating:
		return "validating"
	case StageSnapshotting:
		return "snapshotting"
	case StageWriting:
		return "writing"
	case StageVerifying:
		return "verifying"
	case StageCommitted:
		return "committed"
	case StageRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// ApplyFailedError is returned when an apply failed after the snapshot was taken.
// Partial is set when at least one CPU accepted the new value before the failure was
// noticed. RollbackErr is nil when every CPU was confirmed to hold its snapshot value
// again; otherwise hardware state may differ between CPUs and needs operator
// attention.
type ApplyFailedError struct {
	Register    Register
	Stage       Stage
	Partial     bool
	Cause       error
	RollbackErr error
}

func (e *ApplyFailedError) Error() string {
	msg := fmt.Sprintf("apply %s failed while %s", e.Register.Name, e.Stage)
	if e.Partial {
		msg += " after a partial write"
	}
	msg += ": " + e.Cause.Error()
	if e.RollbackErr != nil {
		msg += "; ROLLBACK FAILED: " + e.RollbackErr.Error()
	} else if e.Stage != StageSnapshotting {
		msg += "; previous values restored"
	}
	return msg
}

func (e *ApplyFailedError) Unwrap() error {
	return e.Cause
}

func (e *ApplyFailedError) Is(target error) bool {
	return target == hwerr.ErrApplyFailed
}

// change describes one apply: how to validate the request, build the new register
// value from the value captured on each CPU, and recognize it on read-back.
type change struct {
	reg      Register
	validate func() error
	check    func(snap *RegisterSnapshot) error
	encode   func(cpu int, prev uint64) (uint64, error)
	matches  func(cpu int, got uint64) bool
}

type applyLog struct {
	entry *log.Entry
}

func (a applyLog) stage(s Stage) {
	a.entry.WithField("stage", s).Debug("apply")
}

// apply runs Validating, Snapshotting, Writing and Verifying for c, and on failure
// restores the snapshot. It returns the snapshot taken before the write and the
// value read back from the lowest-numbered CPU. Callers must hold e.mu.
func (e *Engine) apply(c change) (*RegisterSnapshot, uint64, error) {
	alog := applyLog{log.WithField("register", c.reg.Name)}

	alog.stage(StageValidating)
	if c.validate != nil {
		if err := c.validate(); err != nil {
			alog.stage(StageIdle)
			return nil, 0, err
		}
	}

	alog.stage(StageSnapshotting)
	cpus := e.topo.IDs()
	snap, err := takeSnapshot(e.dev, c.reg, cpus)
	if err != nil {
		return nil, 0, &ApplyFailedError{Register: c.reg, Stage: StageSnapshotting, Cause: err}
	}
	if c.check != nil {
		if err := c.check(snap); err != nil {
			alog.stage(StageIdle)
			return nil, 0, err
		}
	}

	targets := writers(c.reg, e.topo)
	values := make(map[int]uint64, len(targets))
	for _, cpu := range targets {
		prev, _ := snap.Value(cpu)
		v, err := c.encode(cpu, prev)
		if err != nil {
			alog.stage(StageIdle)
			return nil, 0, err
		}
		values[cpu] = v
	}

	alog.stage(StageWriting)
	var written []int
	for _, cpu := range targets {
		if err := e.dev.Write(cpu, c.reg.Addr, values[cpu]); err != nil {
			// the failed write may still have landed, so cpu is restored as well
			return nil, 0, e.rollback(alog, snap, StageWriting, written, cpu, err)
		}
		written = append(written, cpu)
	}

	alog.stage(StageVerifying)
	var first uint64
	for i, cpu := range cpus {
		got, err := e.dev.Read(cpu, c.reg.Addr)
		if err != nil {
			return nil, 0, e.rollback(alog, snap, StageVerifying, written, -1, err)
		}
		if !c.matches(cpu, got) {
			err := fmt.Errorf("cpu %d holds %#016x after write: %w", cpu, got, hwerr.ErrVerifyMismatch)
			return nil, 0, e.rollback(alog, snap, StageVerifying, written, -1, err)
		}
		if i == 0 {
			first = got
		}
	}

	alog.stage(StageCommitted)
	e.last = snap
	return snap, first, nil
}

// rollback writes the snapshot back to every CPU in written and to suspect, the CPU
// whose write reported an error (-1 if none), and then confirms by re-reading every
// CPU in the snapshot. A write error on suspect is not a rollback failure by itself:
// the re-read decides whether its value landed.
func (e *Engine) rollback(alog applyLog, snap *RegisterSnapshot, stage Stage, written []int, suspect int, cause error) error {
	failed := &ApplyFailedError{
		Register: snap.Register,
		Stage:    stage,
		Partial:  len(written) > 0,
		Cause:    cause,
	}
	alog.entry.WithFields(log.Fields{"stage": stage, "cause": cause}).Warn("apply failed, rolling back")

	var errs []error
	for _, cpu := range written {
		prev, _ := snap.Value(cpu)
		if err := e.dev.Write(cpu, snap.Register.Addr, prev); err != nil {
			errs = append(errs, err)
		}
	}
	if suspect >= 0 {
		prev, _ := snap.Value(suspect)
		if err := e.dev.Write(suspect, snap.Register.Addr, prev); err != nil {
			alog.entry.WithError(err).Debugf("restore of cpu %d failed", suspect)
		}
	}
	for _, cpu := range snap.CPUs() {
		prev, _ := snap.Value(cpu)
		got, err := e.dev.Read(cpu, snap.Register.Addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if got != prev {
			errs = append(errs, fmt.Errorf("cpu %d holds %#016x after rollback, expected %#016x: %w",
				cpu, got, prev, hwerr.ErrVerifyMismatch))
		}
	}

	if len(errs) > 0 {
		failed.RollbackErr = errors.Join(errs...)
		alog.entry.WithError(failed.RollbackErr).Error("rollback failed, register state may differ between CPUs")
		return failed
	}
	alog.stage(StageRolledBack)
	return failed
}
