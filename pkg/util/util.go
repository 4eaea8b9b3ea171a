package util

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/prometheus/procfs/sysfs"
)

// GetAllCPUs returns a list of integers corresponding to all CPUs under cpuRoot (e.g. on
// a 4-core system, GetAllCPUs("/dev/cpu") will return [0, 1, 2, 3]. This listing is
// obtained by globbing cpuRoot/[0-9]*
func GetAllCPUs(cpuRoot string) ([]int, error) {
	var cpus []int

	cpuDirs, err := filepath.Glob(filepath.Join(cpuRoot, "[0-9]*"))
	if err != nil {
		return cpus, err
	}

	for _, cpuDir := range cpuDirs {
		cpuID, err := strconv.Atoi(path.Base(cpuDir))
		if err != nil {
			continue
		}
		cpus = append(cpus, cpuID)
	}

	// Just a sanity check to make sure we found *something*
	if len(cpus) == 0 {
		return cpus, fmt.Errorf("found no CPUs under %s", cpuRoot)
	}

	// glob order is lexical, so "10" sorts before "2"
	sort.Ints(cpus)
	return cpus, nil
}

// IsValidCPU reports whether cpu has a directory under cpuRoot
func IsValidCPU(cpuRoot string, cpu int) bool {
	// CPU must be a nonnegative integer
	if cpu < 0 {
		return false
	}

	cpuDir := filepath.Join(cpuRoot, strconv.Itoa(cpu))
	if _, err := os.Stat(cpuDir); os.IsNotExist(err) {
		return false
	}

	return true
}

// OnBatteryPower reports whether every mains adapter under sysfsRoot is offline.
// ThinkPads name theirs "AC"; other firmware only sets its type to "Mains".
func OnBatteryPower(sysfsRoot string) (bool, error) {
	fs, err := sysfs.NewFS(sysfsRoot)
	if err != nil {
		return false, err
	}
	supplies, err := fs.PowerSupplyClass()
	if err != nil {
		return false, err
	}

	var adapters int
	for name, ps := range supplies {
		if name != "AC" && ps.Type != "Mains" {
			continue
		}
		if ps.Online == nil {
			return false, fmt.Errorf("power supply %s has no readable online state", name)
		}
		if *ps.Online != 0 {
			return false, nil
		}
		adapters++
	}
	if adapters == 0 {
		return false, fmt.Errorf("no mains power supply under %s", sysfsRoot)
	}

	return true, nil
}
