package util

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/prometheus/procfs/sysfs"
	log "github.com/sirupsen/logrus"
)

// LogicalCPU is one hardware thread with its own MSR device node
type LogicalCPU struct {
	ID      int
	Core    int // physical core id within the package
	Package int // physical package (socket) id
}

// Topology is the set of logical CPUs, ordered by ID
type Topology []LogicalCPU

// ReadTopology looks up the core and package of each cpu in cpus from
// sysfsRoot/devices/system/cpu. CPUs without topology information (some hypervisors
// hide it) are treated as their own core on package 0.
func ReadTopology(sysfsRoot string, cpus []int) (Topology, error) {
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs to build a topology from")
	}

	fs, err := sysfs.NewFS(sysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs at %s: %w", sysfsRoot, err)
	}

	sysCPUs, err := fs.CPUs()
	if err != nil {
		log.Debugf("could not list sysfs cpus: %s", err)
	}

	byNumber := make(map[int]sysfs.CPU, len(sysCPUs))
	for _, c := range sysCPUs {
		n, err := strconv.Atoi(c.Number())
		if err != nil {
			continue
		}
		byNumber[n] = c
	}

	topo := make(Topology, 0, len(cpus))
	for _, id := range cpus {
		lcpu := LogicalCPU{ID: id, Core: id}

		if c, ok := byNumber[id]; ok {
			if t, err := c.Topology(); err == nil {
				lcpu.Core = atoiOr(t.CoreID, id)
				lcpu.Package = atoiOr(t.PhysicalPackageID, 0)
			} else {
				log.Debugf("no topology for cpu %d: %s", id, err)
			}
		}

		topo = append(topo, lcpu)
	}

	sort.Slice(topo, func(i, j int) bool { return topo[i].ID < topo[j].ID })
	return topo, nil
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// IDs returns every logical CPU number
func (t Topology) IDs() []int {
	ids := make([]int, 0, len(t))
	for _, c := range t {
		ids = append(ids, c.ID)
	}
	return ids
}

// PackageLeaders returns the lowest-numbered logical CPU of each package
func (t Topology) PackageLeaders() []int {
	return t.leaders(func(c LogicalCPU) [2]int { return [2]int{c.Package, 0} })
}

// CoreLeaders returns the lowest-numbered logical CPU of each physical core
func (t Topology) CoreLeaders() []int {
	return t.leaders(func(c LogicalCPU) [2]int { return [2]int{c.Package, c.Core} })
}

func (t Topology) leaders(key func(LogicalCPU) [2]int) []int {
	seen := map[[2]int]bool{}
	var ids []int
	for _, c := range t {
		k := key(c)
		if seen[k] {
			continue
		}
		seen[k] = true
		ids = append(ids, c.ID)
	}
	return ids
}

// Lookup returns the entry for logical CPU id
func (t Topology) Lookup(id int) (LogicalCPU, bool) {
	for _, c := range t {
		if c.ID == id {
			return c, true
		}
	}
	return LogicalCPU{}, false
}
