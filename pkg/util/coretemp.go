package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CoreTemps returns {core id: degrees C} from the coretemp hwmon driver under
// sysfsRoot/class/hwmon. It returns an empty map when coretemp is not loaded.
func CoreTemps(sysfsRoot string) (map[int]float64, error) {
	temps := map[int]float64{}

	hwmon, err := findHwmon(filepath.Join(sysfsRoot, "class", "hwmon"), "coretemp")
	if err != nil || hwmon == "" {
		return temps, err
	}

	for idx := 1; ; idx++ {
		input := filepath.Join(hwmon, fmt.Sprintf("temp%d_input", idx))
		if _, err := os.Stat(input); err != nil {
			break
		}

		// labels look like "Core 0"; "Package id 0" is skipped
		label, err := readTrimmed(filepath.Join(hwmon, fmt.Sprintf("temp%d_label", idx)))
		if err != nil || !strings.HasPrefix(label, "Core ") {
			continue
		}
		core, err := strconv.Atoi(strings.TrimPrefix(label, "Core "))
		if err != nil {
			continue
		}

		raw, err := readTrimmed(input)
		if err != nil {
			continue
		}
		milliDeg, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		temps[core] = float64(milliDeg) / 1000
	}

	return temps, nil
}

func findHwmon(base, name string) (string, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		dir := filepath.Join(base, entry.Name())
		n, err := readTrimmed(filepath.Join(dir, "name"))
		if err == nil && n == name {
			return dir, nil
		}
	}
	return "", nil
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
