package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/davidr/tptune/pkg/fan"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/platform"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Devices struct {
		MSR   string `yaml:"msr"`   // device path template, one %d for the cpu
		Sysfs string `yaml:"sysfs"` // sysfs mount point
		Fan   string `yaml:"fan"`   // thinkpad_acpi fan control file
	}

	Fan struct {
		Watchdog time.Duration `yaml:"watchdog"`
	}

	Config struct {
		Log      Log              `yaml:"log"`
		Devices  Devices          `yaml:"devices"`
		Fan      Fan              `yaml:"fan"`
		Platform platform.Profile `yaml:"platform"`
	}
)

const (
	// Flags
	LogLevelFlag    = "log.level"
	LogFormatFlag   = "log.format"
	MSRPathFlag     = "dev.msr"
	SysfsPathFlag   = "dev.sysfs"
	FanPathFlag     = "dev.fan"
	FanWatchdogFlag = "fan.watchdog"
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Devices: Devices{
			MSR:   msr.DefaultPathFmt,
			Sysfs: "/sys",
			Fan:   fan.DefaultPath,
		},
		Fan: Fan{
			Watchdog: fan.DefaultWatchdog,
		},
		Platform: platform.DefaultProfile(),
	}
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open config file")
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags adds the configuration flags to fs and returns a ConfigUpdaterFn that
// copies every flag the user explicitly set into the config, so command line
// arguments override config file settings
func RegisterFlags(fs *pflag.FlagSet) ConfigUpdaterFn {
	defaults := DefaultConfig()

	logLevel := fs.String(LogLevelFlag, defaults.Log.Level, "Logging level: debug, info, warn, error")
	logFormat := fs.String(LogFormatFlag, defaults.Log.Format, "Logging format: text or json")
	msrPath := fs.String(MSRPathFlag, defaults.Devices.MSR, "MSR device path template")
	sysfsPath := fs.String(SysfsPathFlag, defaults.Devices.Sysfs, "sysfs mount point")
	fanPath := fs.String(FanPathFlag, defaults.Devices.Fan, "thinkpad_acpi fan control file")
	watchdog := fs.Duration(FanWatchdogFlag, defaults.Fan.Watchdog, "revert the fan to auto if not refreshed within this time (0 disables)")

	return func(cfg *Config) error {
		if fs.Changed(LogLevelFlag) {
			cfg.Log.Level = *logLevel
		}
		if fs.Changed(LogFormatFlag) {
			cfg.Log.Format = *logFormat
		}
		if fs.Changed(MSRPathFlag) {
			cfg.Devices.MSR = *msrPath
		}
		if fs.Changed(SysfsPathFlag) {
			cfg.Devices.Sysfs = *sysfsPath
		}
		if fs.Changed(FanPathFlag) {
			cfg.Devices.Fan = *fanPath
		}
		if fs.Changed(FanWatchdogFlag) {
			cfg.Fan.Watchdog = *watchdog
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Devices.MSR = strings.TrimSpace(c.Devices.MSR)
	c.Devices.Sysfs = strings.TrimSpace(c.Devices.Sysfs)
	c.Devices.Fan = strings.TrimSpace(c.Devices.Fan)
}

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string
	{ // log level
		if _, err := log.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "trace" || c.Log.Level == "panic" || c.Log.Level == "fatal" {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // devices
		if strings.Count(c.Devices.MSR, "%d") != 1 {
			errs = append(errs, fmt.Sprintf("msr path %q needs exactly one %%d", c.Devices.MSR))
		}
		if c.Devices.Sysfs == "" {
			errs = append(errs, "empty sysfs path")
		}
		if c.Devices.Fan == "" {
			errs = append(errs, "empty fan path")
		}
	}
	{ // fan watchdog
		w := c.Fan.Watchdog
		if w < 0 || w > fan.MaxWatchdog || w%time.Second != 0 {
			errs = append(errs, fmt.Sprintf("invalid fan watchdog %s: whole seconds up to %s", w, fan.MaxWatchdog))
		}
	}
	if err := c.Platform.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("invalid platform profile: %s", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

// ConfigureLogging applies the log section to the standard logrus logger
func (c *Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	})
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	return fmt.Sprintf("%+v", *c)
}
