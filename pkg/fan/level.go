package fan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/davidr/tptune/pkg/hwerr"
)

// Level is a thinkpad_acpi fan level. 0 (off) to 7 (fastest firmware-regulated
// speed), or one of the sentinels below.
type Level int

const (
	// LevelAuto hands control back to the embedded controller. It is a mode rather than
	// a level and is never accepted by SetLevel.
	LevelAuto Level = -1 - iota
	// LevelFullSpeed is the fastest regulated speed
	LevelFullSpeed
	// LevelDisengaged runs the fan unregulated, possibly beyond its rated maximum
	LevelDisengaged
)

// MaxLevel is the highest numeric level thinkpad_acpi accepts
const MaxLevel Level = 7

func (l Level) String() string {
	switch l {
	case LevelAuto:
		return "auto"
	case LevelFullSpeed:
		return "full-speed"
	case LevelDisengaged:
		return "disengaged"
	}
	return strconv.Itoa(int(l))
}

// Unregulated reports whether l is one of the sentinels that bypass firmware speed
// regulation. The embedded controller reports both as "disengaged".
func (l Level) Unregulated() bool {
	return l == LevelFullSpeed || l == LevelDisengaged
}

// ParseLevel parses the textual form used by /proc/acpi/ibm/fan
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "auto":
		return LevelAuto, nil
	case "full-speed":
		return LevelFullSpeed, nil
	case "disengaged":
		return LevelDisengaged, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("fan level %q: %w", s, hwerr.ErrInvalidLevel)
	}
	return Level(n), nil
}

// DefaultLevels is the level set of every thinkpad_acpi model: 0-7 plus both sentinels
func DefaultLevels() mapset.Set[Level] {
	levels := mapset.NewSet[Level](LevelFullSpeed, LevelDisengaged)
	for l := Level(0); l <= MaxLevel; l++ {
		levels.Add(l)
	}
	return levels
}

// SortedLevels returns the members of levels, numeric levels first in ascending order
// followed by the sentinels.
func SortedLevels(levels mapset.Set[Level]) []Level {
	out := levels.ToSlice()
	rank := func(l Level) int {
		if l < 0 {
			// sentinels after every numeric level, full-speed before disengaged
			return 1000 - int(l)
		}
		return int(l)
	}
	sort.Slice(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
