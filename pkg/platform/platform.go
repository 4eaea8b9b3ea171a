// Package platform works out the legal ranges for turbo ratios, power limits and fan
// levels on the running machine. Fused values come from MSR_PLATFORM_INFO and
// MSR_PKG_POWER_INFO; anything the processor does not report comes from a Profile.
package platform

import (
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/davidr/tptune/pkg/fan"
	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/validate"
)

// DefaultMaxRatio is the largest multiplier accepted when the profile does not say
// otherwise. 63 is the hard ceiling of the Ivy Bridge turbo ratio fields.
const DefaultMaxRatio = 63

// DefaultPowerSafetyFactor is the allowed headroom above TDP
const DefaultPowerSafetyFactor = 1.5

// Profile holds per-model overrides. Zero values mean "derive from the processor".
type Profile struct {
	MinRatio          int      `yaml:"min_ratio"`
	MaxRatio          int      `yaml:"max_ratio"`
	PowerSafetyFactor float64  `yaml:"power_safety_factor"`
	MaxPowerWatts     float64  `yaml:"max_power_watts"`
	MinWindowSeconds  float64  `yaml:"min_window_seconds"`
	MaxWindowSeconds  float64  `yaml:"max_window_seconds"`
	FanLevels         []string `yaml:"fan_levels"`
}

// DefaultProfile is used when no configuration file is given
func DefaultProfile() Profile {
	return Profile{
		MaxRatio:          DefaultMaxRatio,
		PowerSafetyFactor: DefaultPowerSafetyFactor,
	}
}

// Levels parses FanLevels. It returns nil when the profile does not list any.
func (p Profile) Levels() (mapset.Set[fan.Level], error) {
	if len(p.FanLevels) == 0 {
		return nil, nil
	}
	levels := mapset.NewSet[fan.Level]()
	for _, s := range p.FanLevels {
		l, err := fan.ParseLevel(s)
		if err != nil {
			return nil, err
		}
		if l == fan.LevelAuto || l > fan.MaxLevel {
			return nil, errors.Wrapf(hwerr.ErrInvalidLevel, "fan level %q", s)
		}
		levels.Add(l)
	}
	return levels, nil
}

// Validate rejects profiles that could never produce usable limits
func (p Profile) Validate() error {
	switch {
	case p.MinRatio < 0 || p.MaxRatio < 0 || p.MaxRatio > 0xff:
		return errors.Errorf("ratio overrides [%d, %d] outside 0..255", p.MinRatio, p.MaxRatio)
	case p.MaxRatio != 0 && p.MinRatio > p.MaxRatio:
		return errors.Errorf("min_ratio %d above max_ratio %d", p.MinRatio, p.MaxRatio)
	case p.PowerSafetyFactor < 0 || p.MaxPowerWatts < 0:
		return errors.New("power overrides must not be negative")
	case p.MinWindowSeconds < 0 || p.MaxWindowSeconds < 0:
		return errors.New("time window overrides must not be negative")
	case p.MaxWindowSeconds != 0 && p.MinWindowSeconds > p.MaxWindowSeconds:
		return errors.Errorf("min_window_seconds %g above max_window_seconds %g", p.MinWindowSeconds, p.MaxWindowSeconds)
	}
	_, err := p.Levels()
	return err
}

// Platform is what Probe found out about the processor
type Platform struct {
	Info      msr.PlatformInfoFields
	Units     msr.PowerUnits
	PowerInfo msr.PowerInfo
	Limits    validate.Limits
}

// Probe reads the fused limits from cpu and combines them with the profile
func Probe(dev msr.Device, cpu int, p Profile) (*Platform, error) {
	raw, err := dev.Read(cpu, msr.RegPlatformInfo)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read MSR_PLATFORM_INFO")
	}
	info := msr.DecodePlatformInfo(raw)

	raw, err = dev.Read(cpu, msr.RegRAPLPowerUnit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read MSR_RAPL_POWER_UNIT")
	}
	units := msr.DecodePowerUnits(raw)

	// not every part implements MSR_PKG_POWER_INFO
	var powerInfo msr.PowerInfo
	if raw, err = dev.Read(cpu, msr.RegPkgPowerInfo); err == nil {
		powerInfo = msr.DecodePowerInfo(raw, units)
	} else if errors.Is(err, hwerr.ErrIOFailure) {
		log.Debugf("no MSR_PKG_POWER_INFO: %s", err)
	} else {
		return nil, errors.Wrap(err, "failed to read MSR_PKG_POWER_INFO")
	}

	limits, err := Limits(info, units, powerInfo, p)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"ratio":      [2]int{limits.MinRatio, limits.MaxRatio},
		"max_power":  limits.MaxPower,
		"window":     [2]float64{limits.MinWindow, limits.MaxWindow},
		"tdp":        powerInfo.TDP,
		"power_unit": units.Watts,
	}).Debug("platform limits")

	return &Platform{Info: info, Units: units, PowerInfo: powerInfo, Limits: limits}, nil
}

// Limits combines decoded platform registers with the profile
func Limits(info msr.PlatformInfoFields, units msr.PowerUnits, powerInfo msr.PowerInfo, p Profile) (validate.Limits, error) {
	l := validate.Limits{
		MinRatio:          info.MaxEfficiencyRatio,
		MaxRatio:          DefaultMaxRatio,
		RatioProgrammable: info.RatioLimitProgrammable,
		TDPProgrammable:   info.TDPLimitProgrammable,
	}
	if p.MinRatio > 0 {
		l.MinRatio = p.MinRatio
	}
	if l.MinRatio == 0 {
		l.MinRatio = 1
	}
	if p.MaxRatio > 0 {
		l.MaxRatio = p.MaxRatio
	}

	factor := p.PowerSafetyFactor
	if factor == 0 {
		factor = DefaultPowerSafetyFactor
	}
	l.MaxPower = msr.MaxPower(units)
	if powerInfo.TDP > 0 {
		l.MaxPower = math.Min(l.MaxPower, powerInfo.TDP*factor)
	}
	if powerInfo.MaxPower > 0 {
		l.MaxPower = math.Min(l.MaxPower, powerInfo.MaxPower)
	}
	if p.MaxPowerWatts > 0 {
		l.MaxPower = math.Min(l.MaxPower, p.MaxPowerWatts)
	}

	l.MinWindow = units.Seconds
	if p.MinWindowSeconds > l.MinWindow {
		l.MinWindow = p.MinWindowSeconds
	}
	l.MaxWindow = msr.MaxTimeWindow(units)
	if powerInfo.MaxTimeWindow > 0 {
		l.MaxWindow = math.Min(l.MaxWindow, powerInfo.MaxTimeWindow)
	}
	if p.MaxWindowSeconds > 0 {
		l.MaxWindow = math.Min(l.MaxWindow, p.MaxWindowSeconds)
	}

	levels, err := p.Levels()
	if err != nil {
		return validate.Limits{}, errors.Wrap(err, "bad fan levels in profile")
	}
	if levels == nil {
		levels = fan.DefaultLevels()
	}
	l.FanLevels = levels

	if err := l.Validate(); err != nil {
		return validate.Limits{}, errors.Wrap(err, "inconsistent platform limits")
	}
	return l, nil
}
