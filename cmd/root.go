package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/davidr/tptune/pkg/config"
	"github.com/davidr/tptune/pkg/engine"
	"github.com/davidr/tptune/pkg/fan"
	"github.com/davidr/tptune/pkg/hwerr"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/platform"
	"github.com/davidr/tptune/pkg/util"
)

var (
	cpuFlag     int
	verboseFlag bool
	configFlag  string
	yesFlag     bool

	updateConfig config.ConfigUpdaterFn
	cfg          *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tptune",
	Short: "turbo ratio, package power limit and fan control for ThinkPads",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if hint := guidance(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func init() {
	// config defaults
	cpuDefault := -1

	rootCmd.PersistentFlags().IntVarP(&cpuFlag, "cpu", "c", cpuDefault, "CPU Number (Default: ALL CPUs)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&yesFlag, "yes", false, "Do not ask for confirmation")

	updateConfig = config.RegisterFlags(rootCmd.PersistentFlags())
}

func loadConfig() error {
	c := config.DefaultConfig()
	if configFlag != "" {
		var err error
		if c, err = config.FromFile(configFlag); err != nil {
			return err
		}
	}
	if err := updateConfig(c); err != nil {
		return err
	}
	if verboseFlag {
		c.Log.Level = "debug"
	}
	c.ConfigureLogging()
	log.Debugf("configuration:\n%s", c)

	cfg = c
	return nil
}

// A convenience function to tell whether or not we're running as root. The msr driver
// needs CAP_SYS_RAWIO as well, so this only catches the common mistake early.
func isRoot() bool {
	return os.Geteuid() == 0
}

// openEngine probes the processor and returns an engine driving every CPU with an MSR
// device node
func openEngine() (*engine.Engine, *platform.Platform, error) {
	if !isRoot() {
		log.Warn("not running as root, MSR access will most likely fail")
	}

	dev := msr.NewDevMSR(cfg.Devices.MSR)
	if !dev.Available() {
		return nil, nil, fmt.Errorf("no MSR device nodes matching %s: %w", cfg.Devices.MSR, hwerr.ErrDeviceUnavailable)
	}

	cpus, err := dev.CPUs()
	if err != nil {
		return nil, nil, err
	}
	topo, err := util.ReadTopology(cfg.Devices.Sysfs, cpus)
	if err != nil {
		return nil, nil, err
	}

	p, err := platform.Probe(dev, topo[0].ID, cfg.Platform)
	if err != nil {
		return nil, nil, err
	}

	e, err := engine.New(dev, topo, p.Limits, p.Units)
	if err != nil {
		return nil, nil, err
	}
	return e, p, nil
}

// openFan returns a fan controller whose mode reflects the current firmware state
func openFan() (*fan.Controller, fan.State, error) {
	levels, err := cfg.Platform.Levels()
	if err != nil {
		return nil, fan.State{}, err
	}

	c := fan.NewController(fan.ProcFile{Path: cfg.Devices.Fan}, levels, cfg.Fan.Watchdog)
	state, err := c.Probe()
	if err != nil {
		return nil, fan.State{}, err
	}
	return c, state, nil
}

// selectedCPUs returns the --cpu selection, or every CPU of the engine
func selectedCPUs(e *engine.Engine) ([]int, error) {
	ids := e.Topology().IDs()
	if cpuFlag == -1 {
		return ids, nil
	}
	if _, ok := e.Topology().Lookup(cpuFlag); !ok {
		return nil, fmt.Errorf("cpu %d: %w", cpuFlag, hwerr.ErrInvalidCPU)
	}
	return []int{cpuFlag}, nil
}
