// Package validate checks requested register and fan settings against the ranges a
// platform declares. Nothing here touches hardware and nothing is clamped: a value
// outside its range is rejected and the caller must ask again.
package validate

import (
	"fmt"
	"math"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/davidr/tptune/pkg/fan"
	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/msr"
)

// Limits are the legal ranges for one platform
type Limits struct {
	MinRatio int
	MaxRatio int

	MaxPower  float64 // W
	MinWindow float64 // s
	MaxWindow float64 // s

	FanLevels mapset.Set[fan.Level]

	// from MSR_PLATFORM_INFO; a register that is not programmable ignores writes
	RatioProgrammable bool
	TDPProgrammable   bool
}

// Rejection is the typed outcome of a failed check. Kind is hwerr.ErrOutOfRange,
// hwerr.ErrInvalidLevel or hwerr.ErrUnsupportedPlatform.
type Rejection struct {
	Kind  error
	Field string
	Value any
	Min   any
	Max   any
}

func (r *Rejection) Error() string {
	if r.Min != nil || r.Max != nil {
		return fmt.Sprintf("%s = %v not in [%v, %v]: %s", r.Field, r.Value, r.Min, r.Max, r.Kind)
	}
	if r.Value != nil {
		return fmt.Sprintf("%s = %v: %s", r.Field, r.Value, r.Kind)
	}
	return fmt.Sprintf("%s: %s", r.Field, r.Kind)
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}

// Validate checks that the limits themselves make sense
func (l Limits) Validate() error {
	switch {
	case l.MinRatio < 1 || l.MaxRatio > 0xff:
		return fmt.Errorf("ratio range [%d, %d] outside 1..255", l.MinRatio, l.MaxRatio)
	case l.MinRatio > l.MaxRatio:
		return fmt.Errorf("min ratio %d above max ratio %d", l.MinRatio, l.MaxRatio)
	case l.MaxPower <= 0:
		return fmt.Errorf("max power %gW must be positive", l.MaxPower)
	case l.MinWindow <= 0 || l.MinWindow > l.MaxWindow:
		return fmt.Errorf("time window range [%g, %g]s is empty", l.MinWindow, l.MaxWindow)
	case l.FanLevels == nil || l.FanLevels.Cardinality() == 0:
		return fmt.Errorf("no fan levels")
	case l.FanLevels.Contains(fan.LevelAuto):
		return fmt.Errorf("auto is a fan mode, not a level")
	}
	return nil
}

// TurboRatioLimit checks every tier of t against [MinRatio, MaxRatio]
func TurboRatioLimit(t msr.TurboRatioLimit, l Limits) error {
	if !l.RatioProgrammable {
		return &Rejection{Kind: hwerr.ErrUnsupportedPlatform, Field: "turbo ratio limit (not programmable on this CPU)"}
	}
	for i, r := range t {
		if r < l.MinRatio || r > l.MaxRatio {
			return &Rejection{
				Kind:  hwerr.ErrOutOfRange,
				Field: fmt.Sprintf("%d-core ratio", i+1),
				Value: r,
				Min:   l.MinRatio,
				Max:   l.MaxRatio,
			}
		}
	}
	return nil
}

// PackagePowerLimit checks power and time window of both windows. Disabled windows
// are checked too since their fields are still written.
func PackagePowerLimit(pl msr.PackagePowerLimit, l Limits) error {
	if !l.TDPProgrammable {
		return &Rejection{Kind: hwerr.ErrUnsupportedPlatform, Field: "package power limit (not programmable on this CPU)"}
	}
	for _, w := range []struct {
		name string
		win  msr.PowerWindow
	}{{"PL1", pl.PL1}, {"PL2", pl.PL2}} {
		if err := Power(w.name+" power", w.win.Watts, l); err != nil {
			return err
		}
		if err := TimeWindow(w.name+" time window", w.win.Seconds, l); err != nil {
			return err
		}
	}
	return nil
}

// Power checks watts against [0, MaxPower]
func Power(field string, watts float64, l Limits) error {
	if math.IsNaN(watts) || watts < 0 || watts > l.MaxPower {
		return &Rejection{Kind: hwerr.ErrOutOfRange, Field: field, Value: watts, Min: 0.0, Max: l.MaxPower}
	}
	return nil
}

// TimeWindow checks seconds against [MinWindow, MaxWindow]
func TimeWindow(field string, seconds float64, l Limits) error {
	if math.IsNaN(seconds) || seconds < l.MinWindow || seconds > l.MaxWindow {
		return &Rejection{Kind: hwerr.ErrOutOfRange, Field: field, Value: seconds, Min: l.MinWindow, Max: l.MaxWindow}
	}
	return nil
}

// FanLevel checks that level is in the platform's level set
func FanLevel(level fan.Level, l Limits) error {
	if level == fan.LevelAuto || l.FanLevels == nil || !l.FanLevels.Contains(level) {
		return &Rejection{Kind: hwerr.ErrInvalidLevel, Field: "fan level", Value: level}
	}
	return nil
}
