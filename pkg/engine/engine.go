// Package engine applies turbo ratio, power limit and turbo enable settings to every
// logical CPU as one unit. Each apply is validated, snapshotted, written, read back
// and, if anything goes wrong after the first write, rolled back to the snapshot.
package engine

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/util"
	"github.com/davidr/tptune/pkg/validate"
)

// ErrNothingToRevert is returned by RevertLast before any apply has committed
var ErrNothingToRevert = errors.New("no committed apply to revert")

// Engine owns the MSR device. All reads and applies are serialized on one lock, so an
// apply is never interleaved with another apply or a read.
type Engine struct {
	mu     sync.Mutex
	dev    msr.Device
	topo   util.Topology
	limits validate.Limits
	units  msr.PowerUnits

	last *RegisterSnapshot
}

// New returns an engine for the CPUs in topo
func New(dev msr.Device, topo util.Topology, limits validate.Limits, units msr.PowerUnits) (*Engine, error) {
	if len(topo) == 0 {
		return nil, fmt.Errorf("empty cpu topology: %w", hwerr.ErrInvalidCPU)
	}
	return &Engine{dev: dev, topo: topo, limits: limits, units: units}, nil
}

// Limits returns the ranges requests are validated against
func (e *Engine) Limits() validate.Limits {
	return e.limits
}

// Units returns the RAPL units used to encode power limits
func (e *Engine) Units() msr.PowerUnits {
	return e.units
}

// Topology returns the CPUs the engine writes to
func (e *Engine) Topology() util.Topology {
	return e.topo
}

func (e *Engine) read(addr uint32) (uint64, error) {
	return e.dev.Read(e.topo[0].ID, addr)
}

// ReadTurboRatioLimit decodes MSR_TURBO_RATIO_LIMIT of the first CPU
func (e *Engine) ReadTurboRatioLimit() (msr.TurboRatioLimit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.read(msr.RegTurboRatioLimit)
	if err != nil {
		return msr.TurboRatioLimit{}, err
	}
	return msr.DecodeTurboRatioLimit(raw), nil
}

// ApplyTurboRatioLimit writes all eight ratios and returns what the CPUs report
// afterwards
func (e *Engine) ApplyTurboRatioLimit(t msr.TurboRatioLimit) (msr.TurboRatioLimit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var raw uint64
	_, got, err := e.apply(change{
		reg: TurboRatioLimitRegister,
		validate: func() error {
			if err := validate.TurboRatioLimit(t, e.limits); err != nil {
				return err
			}
			var err error
			raw, err = msr.EncodeTurboRatioLimit(t)
			return err
		},
		encode: func(int, uint64) (uint64, error) { return raw, nil },
		matches: func(_ int, got uint64) bool {
			return msr.DecodeTurboRatioLimit(got) == t
		},
	})
	if err != nil {
		return msr.TurboRatioLimit{}, err
	}

	applied := msr.DecodeTurboRatioLimit(got)
	log.Infof("turbo ratio limit set to %s", applied)
	return applied, nil
}

// ReadPackagePowerLimit decodes MSR_PKG_POWER_LIMIT of the first CPU
func (e *Engine) ReadPackagePowerLimit() (msr.PackagePowerLimit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.read(msr.RegPkgPowerLimit)
	if err != nil {
		return msr.PackagePowerLimit{}, err
	}
	return msr.DecodePackagePowerLimit(raw, e.units), nil
}

// ApplyPackagePowerLimit writes both windows and returns the quantized limits the
// CPUs report afterwards, which may differ slightly from pl. Reserved bits keep their
// current value and the lock bit is never set. A locked register is refused before
// anything is written.
func (e *Engine) ApplyPackagePowerLimit(pl msr.PackagePowerLimit) (msr.PackagePowerLimit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var encoded uint64
	_, got, err := e.apply(change{
		reg: PkgPowerLimitRegister,
		validate: func() error {
			if err := validate.PackagePowerLimit(pl, e.limits); err != nil {
				return err
			}
			var err error
			encoded, err = msr.EncodePackagePowerLimit(pl, e.units)
			return err
		},
		check: func(snap *RegisterSnapshot) error {
			for _, cpu := range snap.CPUs() {
				v, _ := snap.Value(cpu)
				if msr.DecodePackagePowerLimit(v, e.units).Locked {
					return fmt.Errorf("%s on cpu %d: %w", PkgPowerLimitRegister, cpu, hwerr.ErrRegisterLocked)
				}
			}
			return nil
		},
		encode: func(_ int, prev uint64) (uint64, error) {
			return msr.MergePackagePowerLimit(prev, encoded), nil
		},
		matches: func(_ int, got uint64) bool {
			return msr.DecodePackagePowerLimit(got, e.units).Within(pl, e.units)
		},
	})
	if err != nil {
		return msr.PackagePowerLimit{}, err
	}

	applied := msr.DecodePackagePowerLimit(got, e.units)
	log.Infof("package power limit set to PL1 %s, PL2 %s", applied.PL1, applied.PL2)
	return applied, nil
}

// TurboEnabled reports whether IA32_MISC_ENABLE allows turbo on the first CPU
func (e *Engine) TurboEnabled() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.read(msr.RegMiscEnable)
	if err != nil {
		return false, err
	}
	return !msr.TurboDisabled(raw), nil
}

// SetTurboEnabled flips the turbo disable bit of IA32_MISC_ENABLE on every CPU,
// leaving the other bits as they are
func (e *Engine) SetTurboEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, _, err := e.apply(change{
		reg: MiscEnableRegister,
		encode: func(_ int, prev uint64) (uint64, error) {
			return msr.SetTurboDisabled(prev, !enabled), nil
		},
		matches: func(_ int, got uint64) bool {
			return msr.TurboDisabled(got) != enabled
		},
	})
	if err != nil {
		return err
	}
	log.Infof("turbo enabled: %t", enabled)
	return nil
}

// CurrentRatios returns the ratio each CPU is running at right now
func (e *Engine) CurrentRatios() (map[int]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ratios := make(map[int]int, len(e.topo))
	for _, c := range e.topo {
		raw, err := e.dev.Read(c.ID, msr.RegPerfStatus)
		if err != nil {
			return nil, err
		}
		ratios[c.ID] = msr.DecodePerfStatus(raw)
	}
	return ratios, nil
}

// TemperatureTarget reads MSR_TEMPERATURE_TARGET of the given CPU
func (e *Engine) TemperatureTarget(cpu int) (msr.TemperatureTargetFields, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	raw, err := e.dev.Read(cpu, msr.RegTemperatureTarget)
	if err != nil {
		return msr.TemperatureTargetFields{}, err
	}
	return msr.DecodeTemperatureTarget(raw), nil
}

// Snapshot reads r on every CPU
func (e *Engine) Snapshot(r Register) (*RegisterSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return takeSnapshot(e.dev, r, e.topo.IDs())
}

// LastSnapshot returns the snapshot taken before the most recent committed apply, or
// nil
func (e *Engine) LastSnapshot() *RegisterSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// RevertLast writes the snapshot of the most recent committed apply back through the
// same snapshot, write, verify and rollback steps. The revert is itself an apply, so
// calling RevertLast twice restores the reverted setting.
func (e *Engine) RevertLast() (*RegisterSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	target := e.last
	if target == nil {
		return nil, ErrNothingToRevert
	}

	_, _, err := e.apply(change{
		reg: target.Register,
		check: func(snap *RegisterSnapshot) error {
			for _, cpu := range snap.CPUs() {
				if _, ok := target.Value(cpu); !ok {
					return fmt.Errorf("cpu %d not in snapshot of %s: %w", cpu, target.Register, hwerr.ErrInvalidCPU)
				}
			}
			return nil
		},
		encode: func(cpu int, _ uint64) (uint64, error) {
			v, _ := target.Value(cpu)
			return v, nil
		},
		matches: func(cpu int, got uint64) bool {
			v, _ := target.Value(cpu)
			return got == v
		},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("reverted %s", target.Register)
	return target, nil
}
