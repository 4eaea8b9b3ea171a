package fan

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	log "github.com/sirupsen/logrus"

	"github.com/davidr/tptune/pkg/hwerr"
)

// DefaultPath is the thinkpad_acpi fan control file
const DefaultPath = "/proc/acpi/ibm/fan"

// DefaultWatchdog is how long the embedded controller keeps a manual level without
// hearing from us before it reverts to auto
const DefaultWatchdog = 30 * time.Second

// MaxWatchdog is the longest timeout thinkpad_acpi accepts
const MaxWatchdog = 120 * time.Second

// ControlFile is the textual fan control interface
type ControlFile interface {
	Read() ([]byte, error)
	Write(cmd string) error
}

// ProcFile is a ControlFile backed by a procfs file. Every command is written with
// its own open/write/close, which is what thinkpad_acpi expects.
type ProcFile struct {
	Path string
}

func (p ProcFile) Read() ([]byte, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, classify(p.Path, err)
	}
	return data, nil
}

func (p ProcFile) Write(cmd string) error {
	f, err := os.OpenFile(p.Path, os.O_WRONLY, 0)
	if err != nil {
		return classify(p.Path, err)
	}
	defer f.Close()

	log.Debugf("fan: %q > %s", cmd, p.Path)
	if _, err := f.WriteString(cmd + "\n"); err != nil {
		return fmt.Errorf("write %q to %s: %s: %w", cmd, p.Path, err, hwerr.ErrIOFailure)
	}
	return nil
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s missing, is thinkpad_acpi loaded: %w", path, hwerr.ErrUnsupportedPlatform)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s: %s (fan control needs root and thinkpad_acpi fan_control=1): %w",
			path, err, hwerr.ErrUnsupportedPlatform)
	}
	return fmt.Errorf("%s: %s: %w", path, err, hwerr.ErrIOFailure)
}

// Controller drives the manual/auto handshake against a ControlFile. All methods are
// serialized on the controller's own lock.
type Controller struct {
	mu       sync.Mutex
	file     ControlFile
	levels   mapset.Set[Level]
	watchdog time.Duration

	mode  Mode
	level Level // last level written while in ModeManual
}

// NewController returns a controller in ModeUnknown. levels is the legal level set;
// nil selects DefaultLevels. A zero watchdog leaves manual levels in place until
// SetAuto.
func NewController(file ControlFile, levels mapset.Set[Level], watchdog time.Duration) *Controller {
	if levels == nil {
		levels = DefaultLevels()
	}
	return &Controller{
		file:     file,
		levels:   levels,
		watchdog: watchdog,
		level:    LevelAuto,
	}
}

// Mode returns the handshake state
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Levels returns the legal level set
func (c *Controller) Levels() mapset.Set[Level] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels.Clone()
}

func (c *Controller) readStatus() (Status, error) {
	data, err := c.file.Read()
	if err != nil {
		return Status{}, err
	}
	return Parse(data)
}

// Probe reads the control file and leaves ModeUnknown. A fan found at a fixed level
// (set by an earlier run) is treated as already being in manual mode. The legal set
// is narrowed to the levels the driver advertises, if it advertises any.
func (c *Controller) Probe() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.readStatus()
	if err != nil {
		return State{}, err
	}
	if advertised := st.Levels(); advertised != nil {
		narrowed := c.levels.Intersect(advertised)
		if !narrowed.Equal(c.levels) {
			log.Debugf("fan: driver only accepts levels %v", SortedLevels(narrowed))
		}
		c.levels = narrowed
	}
	state := st.State()
	c.mode, c.level = state.Mode, state.Level
	log.Debugf("fan: probed %s", state)
	return state, nil
}

// ReadState returns the decoded status line. If a level we set has been replaced by
// auto, the firmware watchdog fired and the controller drops back to ModeAuto.
func (c *Controller) ReadState() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, err := c.readStatus()
	if err != nil {
		return State{}, err
	}
	state := st.State()
	if c.mode == ModeManual && c.level != LevelAuto && state.Mode == ModeAuto {
		log.Warnf("fan: level %s was reverted to auto by the firmware watchdog", c.level)
		c.mode, c.level = ModeAuto, LevelAuto
	}
	return state, nil
}

// EnterManualMode arms the firmware watchdog, after which SetLevel is allowed.
// It is a no-op when the controller is already in ModeManual.
func (c *Controller) EnterManualMode() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeManual {
		return nil
	}

	st, err := c.readStatus()
	if err != nil {
		return err
	}
	if !st.CanSetLevel() {
		return fmt.Errorf("fan level control disabled, reload thinkpad_acpi with fan_control=1: %w",
			hwerr.ErrUnsupportedPlatform)
	}

	switch {
	case st.CanWatchdog():
		if err := c.file.Write(fmt.Sprintf("watchdog %d", int(c.watchdog/time.Second))); err != nil {
			return err
		}
	case c.watchdog > 0:
		return fmt.Errorf("fan driver has no watchdog, manual levels would never revert (set fan.watchdog to 0 to accept that): %w",
			hwerr.ErrUnsupportedPlatform)
	}

	log.Infof("fan: manual mode, watchdog %s", c.watchdog)
	c.mode = ModeManual
	return nil
}

// SetLevel writes level and reads it back. It never writes anything unless the
// controller is in ModeManual and level is a member of the legal set.
func (c *Controller) SetLevel(level Level) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeManual {
		return State{}, fmt.Errorf("set level %s in %s mode: %w", level, c.mode, hwerr.ErrNotInManualMode)
	}
	if level == LevelAuto || !c.levels.Contains(level) {
		return State{}, fmt.Errorf("level %s: %w", level, hwerr.ErrInvalidLevel)
	}

	if err := c.file.Write("level " + level.String()); err != nil {
		return State{}, err
	}
	c.level = level

	st, err := c.readStatus()
	if err != nil {
		return State{}, err
	}
	state := st.State()
	if !sameLevel(state.Level, level) {
		return state, fmt.Errorf("fan reports level %s after setting %s: %w", state.Level, level, hwerr.ErrIOFailure)
	}
	log.Infof("fan: level %s", level)
	return state, nil
}

func sameLevel(got, want Level) bool {
	if want.Unregulated() {
		return got.Unregulated()
	}
	return got == want
}

// SetAuto returns the fan to firmware control and disarms the watchdog. The
// controller is in ModeAuto afterwards even if a write failed; both writes are always
// attempted.
func (c *Controller) SetAuto() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	errLevel := c.file.Write("level auto")
	errWatchdog := c.file.Write("watchdog 0")
	c.mode, c.level = ModeAuto, LevelAuto

	if err := errors.Join(errLevel, errWatchdog); err != nil {
		log.Errorf("fan: failed to restore auto: %s", err)
		return err
	}
	log.Infof("fan: auto mode")
	return nil
}

// SetMode switches to ModeAuto or ModeManual
func (c *Controller) SetMode(mode Mode) error {
	switch mode {
	case ModeAuto:
		return c.SetAuto()
	case ModeManual:
		return c.EnterManualMode()
	}
	return fmt.Errorf("cannot switch to %s mode: %w", mode, hwerr.ErrInvalidLevel)
}

// Keepalive re-arms the watchdog while a manual level is held. It does nothing in
// ModeAuto or with the watchdog disabled.
func (c *Controller) Keepalive() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeManual || c.watchdog == 0 {
		return nil
	}
	return c.file.Write(fmt.Sprintf("watchdog %d", int(c.watchdog/time.Second)))
}

// Watchdog returns the configured watchdog timeout
func (c *Controller) Watchdog() time.Duration {
	return c.watchdog
}
