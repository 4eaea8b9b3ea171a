package msr

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/util"
)

// DefaultPathFmt is the msr driver's device node for a logical CPU
const DefaultPathFmt = "/dev/cpu/%d/msr"

// Device performs raw 64-bit register reads and writes on a logical CPU. It has no
// knowledge of what the register fields mean and never retries.
type Device interface {
	Read(cpu int, addr uint32) (uint64, error)
	Write(cpu int, addr uint32, value uint64) error
}

// OpError describes a failed register access. Kind is one of hwerr.ErrInvalidCPU,
// hwerr.ErrDeviceUnavailable or hwerr.ErrIOFailure.
type OpError struct {
	Op   string
	CPU  int
	Addr uint32
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("msr: %s cpu %d register %#x: %s", e.Op, e.CPU, e.Addr, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// DevMSR accesses registers through the msr driver's character devices. Each call
// opens the node, performs one positioned 8-byte transfer and closes it again.
type DevMSR struct {
	pathFmt string
	cpuRoot string
}

// NewDevMSR returns a DevMSR for the given device path template (e.g.
// "/dev/cpu/%d/msr"). An empty template selects DefaultPathFmt.
func NewDevMSR(pathFmt string) *DevMSR {
	if pathFmt == "" {
		pathFmt = DefaultPathFmt
	}

	// "/dev/cpu/%d/msr" -> "/dev/cpu"
	return &DevMSR{
		pathFmt: pathFmt,
		cpuRoot: filepath.Dir(filepath.Dir(pathFmt)),
	}
}

// Available reports whether at least one CPU exposes an MSR device node. When it
// returns false the msr module is most likely not loaded.
func (d *DevMSR) Available() bool {
	cpus, err := d.CPUs()
	return err == nil && len(cpus) > 0
}

// CPUs returns the sorted logical CPU numbers that have an MSR device node
func (d *DevMSR) CPUs() ([]int, error) {
	all, err := util.GetAllCPUs(d.cpuRoot)
	if err != nil {
		return nil, err
	}

	var cpus []int
	for _, cpu := range all {
		if _, err := os.Stat(fmt.Sprintf(d.pathFmt, cpu)); err == nil {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// locate classifies a missing device node as either a bad CPU number or a missing
// driver. A CPU directory that is absent while other CPUs have nodes means the index
// is wrong or the CPU is offline; no nodes anywhere means the msr module is not loaded.
func (d *DevMSR) locate(cpu int) (string, error, error) {
	if cpu < 0 {
		return "", hwerr.ErrInvalidCPU, fmt.Errorf("negative cpu number %d", cpu)
	}

	msrFile := fmt.Sprintf(d.pathFmt, cpu)
	_, err := os.Stat(msrFile)
	switch {
	case err == nil:
		return msrFile, nil, nil
	case os.IsNotExist(err):
		if !util.IsValidCPU(d.cpuRoot, cpu) && d.Available() {
			return "", hwerr.ErrInvalidCPU, fmt.Errorf("no cpu %d under %s", cpu, d.cpuRoot)
		}
		return "", hwerr.ErrDeviceUnavailable, fmt.Errorf("%s missing, load the driver with 'modprobe msr'", msrFile)
	default:
		return "", hwerr.ErrDeviceUnavailable, err
	}
}

func (d *DevMSR) open(op string, cpu int, addr uint32, flag int) (*os.File, error) {
	msrFile, kind, cause := d.locate(cpu)
	if kind != nil {
		return nil, &OpError{Op: op, CPU: cpu, Addr: addr, Kind: kind, Err: cause}
	}

	file, err := os.OpenFile(msrFile, flag, 0)
	if err != nil {
		return nil, &OpError{Op: op, CPU: cpu, Addr: addr, Kind: hwerr.ErrDeviceUnavailable, Err: err}
	}
	return file, nil
}

// Read returns the little-endian 64-bit value of register addr on cpu
func (d *DevMSR) Read(cpu int, addr uint32) (uint64, error) {
	file, err := d.open("read", cpu, addr, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	buf := make([]byte, 8)
	n, err := unix.Pread(int(file.Fd()), buf, int64(addr))
	if err != nil {
		return 0, &OpError{Op: "read", CPU: cpu, Addr: addr, Kind: hwerr.ErrIOFailure, Err: err}
	}
	if n != 8 {
		return 0, &OpError{Op: "read", CPU: cpu, Addr: addr, Kind: hwerr.ErrIOFailure,
			Err: fmt.Errorf("short read of %d bytes", n)}
	}

	// assuming all x86 uses little endian format
	value := binary.LittleEndian.Uint64(buf)
	log.Debugf("rdmsr cpu %d %#x = %#016x", cpu, addr, value)
	return value, nil
}

// Write packs value into 8 little-endian bytes and writes them to register addr on cpu
func (d *DevMSR) Write(cpu int, addr uint32, value uint64) error {
	file, err := d.open("write", cpu, addr, os.O_WRONLY)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)

	log.Debugf("wrmsr cpu %d %#x = %#016x", cpu, addr, value)
	n, err := unix.Pwrite(int(file.Fd()), buf, int64(addr))
	if err != nil {
		return &OpError{Op: "write", CPU: cpu, Addr: addr, Kind: hwerr.ErrIOFailure, Err: err}
	}
	if n != 8 {
		return &OpError{Op: "write", CPU: cpu, Addr: addr, Kind: hwerr.ErrIOFailure,
			Err: fmt.Errorf("short write of %d bytes", n)}
	}
	return nil
}
