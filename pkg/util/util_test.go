package util

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func TestInvalidCPU(t *testing.T) {
	cpuRoot := t.TempDir()
	for _, cpu := range []int{0, 1} {
		require.NoError(t, os.MkdirAll(filepath.Join(cpuRoot, fmt.Sprint(cpu)), 0755))
	}

	assert.True(t, IsValidCPU(cpuRoot, 0), "cpu 0 is valid")
	assert.True(t, IsValidCPU(cpuRoot, 1), "cpu 1 is valid")
	assert.False(t, IsValidCPU(cpuRoot, -1), "negative CPU number is not valid")
	assert.False(t, IsValidCPU(cpuRoot, 2), "nonexistent CPU is not valid")
}

func TestGetAllCPUs(t *testing.T) {
	cpuRoot := t.TempDir()
	for _, cpu := range []int{0, 1, 2, 10} {
		require.NoError(t, os.MkdirAll(filepath.Join(cpuRoot, fmt.Sprint(cpu)), 0755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(cpuRoot, "microcode"), 0755))

	cpus, err := GetAllCPUs(cpuRoot)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 10}, cpus)

	_, err = GetAllCPUs(filepath.Join(cpuRoot, "missing"))
	assert.Error(t, err)
}

func TestOnBatteryPower(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string // relative to class/power_supply
		battery bool
		wantErr bool
	}{
		{name: "on AC", files: map[string]string{"AC/online": "1\n"}, battery: false},
		{name: "on battery", files: map[string]string{"AC/online": "0\n"}, battery: true},
		{
			name: "mains adapter with another name",
			files: map[string]string{
				"ADP1/type":   "Mains\n",
				"ADP1/online": "0\n",
				"BAT0/type":   "Battery\n",
				"BAT0/online": "1\n",
			},
			battery: true,
		},
		{
			name: "one of two adapters online",
			files: map[string]string{
				"AC/online":   "0\n",
				"USBC/type":   "Mains\n",
				"USBC/online": "1\n",
			},
			battery: false,
		},
		{name: "no adapter", files: map[string]string{"BAT0/type": "Battery\n"}, wantErr: true},
		{name: "no online state", files: map[string]string{"AC/type": "Mains\n"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sysfs := t.TempDir()
			for name, contents := range tt.files {
				writeFile(t, filepath.Join(sysfs, "class", "power_supply", name), contents)
			}

			battery, err := OnBatteryPower(sysfs)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.battery, battery)
		})
	}

	_, err := OnBatteryPower(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCoreTemps(t *testing.T) {
	sysfs := t.TempDir()
	acpi := filepath.Join(sysfs, "class", "hwmon", "hwmon0")
	writeFile(t, filepath.Join(acpi, "name"), "acpitz\n")
	writeFile(t, filepath.Join(acpi, "temp1_input"), "45000\n")

	core := filepath.Join(sysfs, "class", "hwmon", "hwmon1")
	writeFile(t, filepath.Join(core, "name"), "coretemp\n")
	writeFile(t, filepath.Join(core, "temp1_label"), "Package id 0\n")
	writeFile(t, filepath.Join(core, "temp1_input"), "61000\n")
	writeFile(t, filepath.Join(core, "temp2_label"), "Core 0\n")
	writeFile(t, filepath.Join(core, "temp2_input"), "58000\n")
	writeFile(t, filepath.Join(core, "temp3_label"), "Core 1\n")
	writeFile(t, filepath.Join(core, "temp3_input"), "60500\n")

	temps, err := CoreTemps(sysfs)
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 58, 1: 60.5}, temps)

	temps, err = CoreTemps(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, temps)
}

func writeCPUTopology(t *testing.T, sysfs string, cpu, core, pkg int) {
	t.Helper()
	dir := filepath.Join(sysfs, "devices", "system", "cpu", fmt.Sprintf("cpu%d", cpu), "topology")
	writeFile(t, filepath.Join(dir, "core_id"), fmt.Sprintf("%d\n", core))
	writeFile(t, filepath.Join(dir, "physical_package_id"), fmt.Sprintf("%d\n", pkg))
	writeFile(t, filepath.Join(dir, "core_siblings_list"), "0-3\n")
	writeFile(t, filepath.Join(dir, "thread_siblings_list"), fmt.Sprintf("%d\n", cpu))
}

func TestReadTopology(t *testing.T) {
	sysfs := t.TempDir()
	// two cores with two threads each, hyperthreads numbered after the cores
	writeCPUTopology(t, sysfs, 0, 0, 0)
	writeCPUTopology(t, sysfs, 1, 1, 0)
	writeCPUTopology(t, sysfs, 2, 0, 0)
	writeCPUTopology(t, sysfs, 3, 1, 0)

	topo, err := ReadTopology(sysfs, []int{3, 2, 1, 0})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, topo.IDs())
	assert.Equal(t, []int{0}, topo.PackageLeaders())
	assert.Equal(t, []int{0, 1}, topo.CoreLeaders())

	c, ok := topo.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, LogicalCPU{ID: 2, Core: 0, Package: 0}, c)

	_, ok = topo.Lookup(7)
	assert.False(t, ok)
}

func TestReadTopologyWithoutSysfsInfo(t *testing.T) {
	topo, err := ReadTopology(t.TempDir(), []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, Topology{{ID: 0, Core: 0}, {ID: 1, Core: 1}}, topo)
	assert.Equal(t, []int{0, 1}, topo.CoreLeaders())
	assert.Equal(t, []int{0}, topo.PackageLeaders())

	_, err = ReadTopology(t.TempDir(), nil)
	assert.Error(t, err)
}
