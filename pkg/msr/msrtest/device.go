// Package msrtest provides an in-memory msr.Device for tests
package msrtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/msr"
)

// ErrLanded marks a hook error for a write that reached the register anyway, the way
// a write can take effect and still report EIO
var ErrLanded = errors.New("write landed before failing")

// WriteHook can replace the value a write stores (to imitate hardware clamping) or
// fail the write. It sees the CPU, register and value being written.
type WriteHook func(cpu int, addr uint32, value uint64) (uint64, error)

// Device is a set of CPUs with sparse 64-bit registers. Unset registers read as zero.
type Device struct {
	mu     sync.Mutex
	regs   map[int]map[uint32]uint64
	owners map[uint32]map[int]int
	hooks  []WriteHook

	Reads  int
	Writes []Write
}

// Write is one recorded register write
type Write struct {
	CPU   int
	Addr  uint32
	Value uint64
}

var _ msr.Device = (*Device)(nil)

// New returns a Device with CPUs 0..cpus-1, each holding regs
func New(cpus int, regs map[uint32]uint64) *Device {
	d := &Device{regs: make(map[int]map[uint32]uint64, cpus)}
	for cpu := 0; cpu < cpus; cpu++ {
		m := make(map[uint32]uint64, len(regs))
		for addr, v := range regs {
			m[addr] = v
		}
		d.regs[cpu] = m
	}
	return d
}

// Share makes every CPU in each group see one instance of addr, the way threads of a
// package share package scoped registers. The group's first CPU holds the value.
func (d *Device) Share(addr uint32, groups ...[]int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owners == nil {
		d.owners = map[uint32]map[int]int{}
	}
	if d.owners[addr] == nil {
		d.owners[addr] = map[int]int{}
	}
	for _, g := range groups {
		for _, cpu := range g {
			d.owners[addr][cpu] = g[0]
		}
	}
}

func (d *Device) owner(cpu int, addr uint32) int {
	if o, ok := d.owners[addr][cpu]; ok {
		return o
	}
	return cpu
}

// Hook adds a write hook. Hooks run in order; the first error wins.
func (d *Device) Hook(h WriteHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Set stores value without recording a write
func (d *Device) Set(cpu int, addr uint32, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[d.owner(cpu, addr)][addr] = value
}

// Get returns the stored value without counting a read
func (d *Device) Get(cpu int, addr uint32) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[d.owner(cpu, addr)][addr]
}

func (d *Device) Read(cpu int, addr uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.regs[cpu]; !ok {
		return 0, &msr.OpError{Op: "read", CPU: cpu, Addr: addr, Kind: hwerr.ErrInvalidCPU}
	}
	regs := d.regs[d.owner(cpu, addr)]
	d.Reads++
	return regs[addr], nil
}

func (d *Device) Write(cpu int, addr uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.regs[cpu]; !ok {
		return &msr.OpError{Op: "write", CPU: cpu, Addr: addr, Kind: hwerr.ErrInvalidCPU}
	}
	regs := d.regs[d.owner(cpu, addr)]
	for _, h := range d.hooks {
		v, err := h(cpu, addr, value)
		if err != nil {
			if errors.Is(err, ErrLanded) {
				d.Writes = append(d.Writes, Write{CPU: cpu, Addr: addr, Value: v})
				regs[addr] = v
			}
			return &msr.OpError{Op: "write", CPU: cpu, Addr: addr, Kind: hwerr.ErrIOFailure, Err: err}
		}
		value = v
	}
	d.Writes = append(d.Writes, Write{CPU: cpu, Addr: addr, Value: value})
	regs[addr] = value
	return nil
}

// WritesTo returns the recorded writes to addr
func (d *Device) WritesTo(addr uint32) []Write {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Write
	for _, w := range d.Writes {
		if w.Addr == addr {
			out = append(out, w)
		}
	}
	return out
}

// FailWrites returns a hook that fails writes to addr on cpu. It fails only the first
// n such writes when n > 0, and every one when n is 0.
func FailWrites(cpu int, addr uint32, n int) WriteHook {
	var failed int
	return func(c int, a uint32, v uint64) (uint64, error) {
		if c != cpu || a != addr || (n > 0 && failed >= n) {
			return v, nil
		}
		failed++
		return v, fmt.Errorf("injected failure writing %#x on cpu %d", addr, cpu)
	}
}

// LandThenFail returns a hook like FailWrites whose failing writes still store the
// value
func LandThenFail(cpu int, addr uint32, n int) WriteHook {
	fail := FailWrites(cpu, addr, n)
	return func(c int, a uint32, v uint64) (uint64, error) {
		v, err := fail(c, a, v)
		if err != nil {
			return v, fmt.Errorf("%w: %w", ErrLanded, err)
		}
		return v, nil
	}
}
