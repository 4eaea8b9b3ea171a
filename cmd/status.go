package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/davidr/tptune/pkg/engine"
	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize power source, turbo, power limits and fan",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus() error {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"setting", "value"})
	table.SetBorder(false)

	onBattery, err := util.OnBatteryPower(cfg.Devices.Sysfs)
	if err != nil {
		log.Debugf("could not read AC adapter state: %s", err)
		table.Append([]string{"power source", "unknown"})
	} else if onBattery {
		table.Append([]string{"power source", "battery"})
	} else {
		table.Append([]string{"power source", "AC"})
	}

	e, p, err := openEngine()
	if err != nil {
		return err
	}

	enabled, err := e.TurboEnabled()
	if err != nil {
		return err
	}
	trl, err := e.ReadTurboRatioLimit()
	if err != nil {
		return err
	}
	pl, err := e.ReadPackagePowerLimit()
	if err != nil {
		return err
	}

	table.Append([]string{"base ratio", fmt.Sprintf("%dx (%d MHz)", p.Info.MaxNonTurboRatio, msr.RatioToMHz(p.Info.MaxNonTurboRatio))})
	table.Append([]string{"turbo enabled", strconv.FormatBool(enabled)})
	table.Append([]string{"turbo ratios", trl.String()})
	table.Append([]string{"PL1", pl.PL1.String()})
	table.Append([]string{"PL2", pl.PL2.String()})
	table.Append([]string{"power limit locked", strconv.FormatBool(pl.Locked)})

	// the values above come from the first CPU; flag registers the CPUs disagree on
	for _, r := range []engine.Register{engine.TurboRatioLimitRegister, engine.PkgPowerLimitRegister, engine.MiscEnableRegister} {
		snap, err := e.Snapshot(r)
		if err != nil {
			return err
		}
		if !snap.Uniform() {
			log.Warnf("%s differs between CPUs: %s", r, snap)
			table.Append([]string{r.String(), "differs between CPUs, see log"})
		}
	}

	cpus, err := selectedCPUs(e)
	if err != nil {
		return err
	}
	ratios, err := e.CurrentRatios()
	if err != nil {
		return err
	}
	for _, cpu := range cpus {
		table.Append([]string{fmt.Sprintf("cpu%d ratio", cpu), fmt.Sprintf("%dx (%d MHz)", ratios[cpu], msr.RatioToMHz(ratios[cpu]))})
	}

	// the fan is a separate driver, a missing fan_control=1 should not hide the rest
	if _, state, err := openFan(); err != nil {
		log.Debugf("fan: %s", err)
		table.Append([]string{"fan", "unavailable"})
	} else {
		table.Append([]string{"fan", state.String()})
	}

	table.Render()
	return nil
}
