package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/util"
)

// Scope is the set of logical CPUs that share one instance of a register
type Scope int

const (
	ScopePackage Scope = iota
	ScopeCore
	ScopeThread
)

func (s Scope) String() string {
	switch s {
	case ScopePackage:
		return "package"
	case ScopeCore:
		return "core"
	}
	return "thread"
}

// Register is an MSR the engine knows how to apply
type Register struct {
	Name  string
	Addr  uint32
	Scope Scope
}

func (r Register) String() string {
	return fmt.Sprintf("%s (%#x)", r.Name, r.Addr)
}

// The registers the engine writes. Turbo ratio and package power limits are package
// scoped on Sandy/Ivy Bridge client parts.
var (
	TurboRatioLimitRegister = Register{Name: "MSR_TURBO_RATIO_LIMIT", Addr: msr.RegTurboRatioLimit, Scope: ScopePackage}
	PkgPowerLimitRegister   = Register{Name: "MSR_PKG_POWER_LIMIT", Addr: msr.RegPkgPowerLimit, Scope: ScopePackage}
	MiscEnableRegister      = Register{Name: "IA32_MISC_ENABLE", Addr: msr.RegMiscEnable, Scope: ScopeThread}
)

// writers returns the CPUs a write to r has to go to: one per package or core, or
// every CPU for thread scoped registers.
func writers(r Register, topo util.Topology) []int {
	switch r.Scope {
	case ScopePackage:
		return topo.PackageLeaders()
	case ScopeCore:
		return topo.CoreLeaders()
	}
	return topo.IDs()
}

// RegisterSnapshot is the value of one register on every logical CPU at one point in
// time. It is never modified after it is taken.
type RegisterSnapshot struct {
	Register Register
	Taken    time.Time

	cpus   []int
	values map[int]uint64
}

// CPUs returns the logical CPUs in the snapshot in ascending order
func (s *RegisterSnapshot) CPUs() []int {
	return append([]int(nil), s.cpus...)
}

// Value returns the raw register value captured on cpu
func (s *RegisterSnapshot) Value(cpu int) (uint64, bool) {
	v, ok := s.values[cpu]
	return v, ok
}

// Uniform reports whether every CPU held the same value
func (s *RegisterSnapshot) Uniform() bool {
	if len(s.cpus) == 0 {
		return true
	}
	for _, cpu := range s.cpus[1:] {
		if s.values[cpu] != s.values[s.cpus[0]] {
			return false
		}
	}
	return true
}

func (s *RegisterSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s @ %s:", s.Register, s.Taken.Format(time.RFC3339))
	for _, cpu := range s.cpus {
		fmt.Fprintf(&b, " cpu%d=%#016x", cpu, s.values[cpu])
	}
	return b.String()
}

func takeSnapshot(dev msr.Device, r Register, cpus []int) (*RegisterSnapshot, error) {
	snap := &RegisterSnapshot{
		Register: r,
		Taken:    time.Now(),
		cpus:     append([]int(nil), cpus...),
		values:   make(map[int]uint64, len(cpus)),
	}
	sort.Ints(snap.cpus)

	for _, cpu := range snap.cpus {
		v, err := dev.Read(cpu, r.Addr)
		if err != nil {
			return nil, err
		}
		snap.values[cpu] = v
	}
	return snap, nil
}
