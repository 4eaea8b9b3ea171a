package msr

/*
The accessor tests use ordinary files in place of /dev/cpu/N/msr. The msr driver
treats the file offset as the register address, so a regular file with an 8-byte
little-endian value written at offset 0x1ad behaves like a CPU whose
MSR_TURBO_RATIO_LIMIT holds that value. Files are truncated to 4 KiB so that reads past
the end come back short.
*/

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidr/tptune/pkg/hwerr"
)

const mockFileSize = 0x1000

func createMockMSRFile(t *testing.T, path string, regs map[uint32]uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(mockFileSize))

	for addr, value := range regs {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, value)
		_, err := f.WriteAt(buf, int64(addr))
		require.NoError(t, err)
	}
}

func mockDevCPU(t *testing.T, cpus int, regs map[uint32]uint64) string {
	t.Helper()
	root := t.TempDir()
	for cpu := 0; cpu < cpus; cpu++ {
		createMockMSRFile(t, filepath.Join(root, "dev", "cpu", fmt.Sprint(cpu), "msr"), regs)
	}
	return filepath.Join(root, "dev", "cpu", "%d", "msr")
}

func TestDevMSRRead(t *testing.T) {
	pathFmt := mockDevCPU(t, 2, map[uint32]uint64{
		RegTurboRatioLimit: 0x2222242426262828,
		RegRAPLPowerUnit:   0x000a1003,
	})
	dev := NewDevMSR(pathFmt)

	v, err := dev.Read(1, RegTurboRatioLimit)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2222242426262828), v)

	v, err = dev.Read(0, RegRAPLPowerUnit)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x000a1003), v)

	cpus, err := dev.CPUs()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, cpus)
	assert.True(t, dev.Available())
}

func TestDevMSRWrite(t *testing.T) {
	pathFmt := mockDevCPU(t, 1, nil)
	dev := NewDevMSR(pathFmt)

	require.NoError(t, dev.Write(0, RegPkgPowerLimit, 0x0046820800dc81b8))

	v, err := dev.Read(0, RegPkgPowerLimit)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0046820800dc81b8), v)

	// other registers are untouched. The mock is a flat file, so only registers at
	// least 8 bytes away are independent of the write (0x614 overlaps 0x610 here).
	for _, addr := range []uint32{RegRAPLPowerUnit, RegTurboRatioLimit} {
		v, err = dev.Read(0, addr)
		require.NoError(t, err)
		assert.Zero(t, v, "register %#x", addr)
	}
}

func TestDevMSRErrors(t *testing.T) {
	pathFmt := mockDevCPU(t, 2, nil)
	dev := NewDevMSR(pathFmt)

	tests := []struct {
		name string
		cpu  int
		addr uint32
		kind error
	}{
		{name: "negative cpu", cpu: -1, addr: RegTurboRatioLimit, kind: hwerr.ErrInvalidCPU},
		{name: "missing cpu", cpu: 7, addr: RegTurboRatioLimit, kind: hwerr.ErrInvalidCPU},
		{name: "short read", cpu: 0, addr: mockFileSize - 4, kind: hwerr.ErrIOFailure},
		{name: "read past end", cpu: 1, addr: 0x2000, kind: hwerr.ErrIOFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dev.Read(tt.cpu, tt.addr)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var opErr *OpError
			require.True(t, errors.As(err, &opErr))
			assert.Equal(t, "read", opErr.Op)
			assert.Equal(t, tt.cpu, opErr.CPU)
		})
	}
}

func TestDevMSRDriverMissing(t *testing.T) {
	// /dev/cpu/N exists (cpuid module) but there are no msr nodes
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "dev", "cpu", "0"), 0755))
	dev := NewDevMSR(filepath.Join(root, "dev", "cpu", "%d", "msr"))

	assert.False(t, dev.Available())

	_, err := dev.Read(0, RegTurboRatioLimit)
	assert.ErrorIs(t, err, hwerr.ErrDeviceUnavailable)

	err = dev.Write(0, RegTurboRatioLimit, 0)
	assert.ErrorIs(t, err, hwerr.ErrDeviceUnavailable)
}

func TestBits(t *testing.T) {
	assert.Equal(t, uint64(0x28), Bits(0x2222242426262828, 7, 0))
	assert.Equal(t, uint64(0x22), Bits(0x2222242426262828, 63, 56))
	assert.Equal(t, uint64(1), Bits(1<<38, 38, 38))
	assert.Equal(t, uint64(0xffffffffffffffff), Bits(0xffffffffffffffff, 63, 0))

	assert.Equal(t, uint64(0x2222242426262829), SetBits(0x2222242426262828, 7, 0, 0x29))
	// oversized fields are cut to width
	assert.Equal(t, uint64(0x0f00), SetBits(0, 11, 8, 0xff))
	assert.Equal(t, uint64(0), SetBits(1<<38, 38, 38, 0))
}

func TestDecodePlatformInfo(t *testing.T) {
	// i7-3840QM: max non-turbo 28, efficiency 12, both limits programmable
	raw := uint64(0x0c)<<40 | 1<<29 | 1<<28 | uint64(0x1c)<<8
	assert.Equal(t, PlatformInfoFields{
		MaxNonTurboRatio:       28,
		RatioLimitProgrammable: true,
		TDPLimitProgrammable:   true,
		MaxEfficiencyRatio:     12,
	}, DecodePlatformInfo(raw))
}

func TestDecodePowerInfo(t *testing.T) {
	units := DecodePowerUnits(0x000a1003)
	// TDP 45 W, min 20 W, max 90 W
	raw := uint64(720)<<32 | uint64(160)<<16 | 360
	info := DecodePowerInfo(raw, units)
	assert.Equal(t, 45.0, info.TDP)
	assert.Equal(t, 20.0, info.MinPower)
	assert.Equal(t, 90.0, info.MaxPower)
	assert.Zero(t, info.MaxTimeWindow)
}

func TestTurboDisabled(t *testing.T) {
	misc := uint64(0x850089)
	assert.False(t, TurboDisabled(misc))

	disabled := SetTurboDisabled(misc, true)
	assert.True(t, TurboDisabled(disabled))
	assert.Equal(t, misc|1<<38, disabled)
	assert.Equal(t, misc, SetTurboDisabled(disabled, false))
}

func TestDecodePerfStatus(t *testing.T) {
	assert.Equal(t, 38, DecodePerfStatus(0x0000_1d7b_0000_2600))
	assert.Equal(t, 3800, RatioToMHz(38))
}

func TestDecodeTemperatureTarget(t *testing.T) {
	tt := DecodeTemperatureTarget(0x05690000)
	assert.Equal(t, TemperatureTargetFields{Target: 105, Offset: 5}, tt)
	assert.Equal(t, 100, tt.ThrottleTemp())
}
