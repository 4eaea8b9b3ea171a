package fan

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/davidr/tptune/pkg/hwerr"
)

// Mode is the fan controller's view of who regulates the fan
type Mode int

const (
	ModeUnknown Mode = iota
	ModeAuto
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	}
	return "unknown"
}

// ParseMode accepts "auto" or "manual"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	}
	return ModeUnknown, fmt.Errorf("fan mode %q: %w", s, hwerr.ErrInvalidLevel)
}

// State is the decoded fan status
type State struct {
	Mode    Mode
	Level   Level // LevelAuto when Mode is ModeAuto
	RPM     int   // -1 when the firmware does not report a speed
	Enabled bool
}

func (s State) String() string {
	rpm := "n/a"
	if s.RPM >= 0 {
		rpm = fmt.Sprintf("%d RPM", s.RPM)
	}
	return fmt.Sprintf("mode:%s level:%s speed:%s", s.Mode, s.Level, rpm)
}

// Status is one parse of /proc/acpi/ibm/fan:
//
//	status:		enabled
//	speed:		2940
//	level:		auto
//	commands:	level <level> (<level> is 0-7, auto, disengaged, full-speed)
//	commands:	enable, disable
//	commands:	watchdog <timeout> (<timeout> is 0 (off), 1-120 (seconds))
//
// The commands lines are only present when thinkpad_acpi was loaded with
// fan_control=1.
type Status struct {
	Enabled  bool
	RPM      int
	Level    Level
	Commands []string
}

// State converts the raw status into a State
func (s Status) State() State {
	mode := ModeManual
	if s.Level == LevelAuto {
		mode = ModeAuto
	}
	return State{Mode: mode, Level: s.Level, RPM: s.RPM, Enabled: s.Enabled}
}

// CanSetLevel reports whether the driver accepts level commands
func (s Status) CanSetLevel() bool {
	return s.command("level") != ""
}

// CanWatchdog reports whether the driver accepts watchdog commands
func (s Status) CanWatchdog() bool {
	return s.command("watchdog") != ""
}

// Levels returns the level set advertised on the "commands: level" line, or nil when
// the line is missing or cannot be understood.
func (s Status) Levels() mapset.Set[Level] {
	cmd := s.command("level")
	open, closing := strings.Index(cmd, " is "), strings.LastIndex(cmd, ")")
	if open < 0 || closing < open {
		return nil
	}

	levels := mapset.NewSet[Level]()
	for _, tok := range strings.Split(cmd[open+len(" is "):closing], ",") {
		tok = strings.TrimSpace(tok)
		if lo, hi, ok := strings.Cut(tok, "-"); ok && tok != "full-speed" {
			from, err1 := strconv.Atoi(lo)
			to, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || from > to {
				return nil
			}
			for l := from; l <= to; l++ {
				levels.Add(Level(l))
			}
			continue
		}

		l, err := ParseLevel(tok)
		if err != nil {
			return nil
		}
		if l != LevelAuto {
			levels.Add(l)
		}
	}
	return levels
}

func (s Status) command(verb string) string {
	for _, c := range s.Commands {
		if c == verb || strings.HasPrefix(c, verb+" ") {
			return c
		}
	}
	return ""
}

// Parse decodes the contents of the fan control file. Blank lines and surrounding
// whitespace are ignored; any other unrecognized line fails with hwerr.ErrParse.
func Parse(data []byte) (Status, error) {
	st := Status{RPM: -1}
	var sawLevel bool

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Status{}, fmt.Errorf("line %d %q: %w", n, line, hwerr.ErrParse)
		}
		value = strings.TrimSpace(value)

		switch key {
		case "status":
			switch value {
			case "enabled":
				st.Enabled = true
			case "disabled":
			default:
				return Status{}, fmt.Errorf("line %d: status %q: %w", n, value, hwerr.ErrParse)
			}
		case "speed":
			rpm, err := strconv.Atoi(value)
			if err != nil || rpm < 0 {
				return Status{}, fmt.Errorf("line %d: speed %q: %w", n, value, hwerr.ErrParse)
			}
			st.RPM = rpm
		case "level":
			l, err := ParseLevel(value)
			if err != nil {
				return Status{}, fmt.Errorf("line %d: level %q: %w", n, value, hwerr.ErrParse)
			}
			st.Level = l
			sawLevel = true
		case "commands":
			st.Commands = append(st.Commands, value)
		default:
			return Status{}, fmt.Errorf("line %d %q: %w", n, line, hwerr.ErrParse)
		}
	}
	if err := scanner.Err(); err != nil {
		return Status{}, fmt.Errorf("%s: %w", err, hwerr.ErrParse)
	}
	if !sawLevel {
		return Status{}, fmt.Errorf("no level line: %w", hwerr.ErrParse)
	}
	return st, nil
}
