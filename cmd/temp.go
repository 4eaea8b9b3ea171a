package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/davidr/tptune/pkg/util"
)

var tempCmd = &cobra.Command{
	Use:   "temp",
	Short: "Package Temperature Target Interface",
}

var tempListCmd = &cobra.Command{
	Use:   "list",
	Short: "List throttle temperature value(s)",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTemps()
	},
}

func init() {
	tempCmd.AddCommand(tempListCmd)
	rootCmd.AddCommand(tempCmd)
}

func listTemps() error {
	e, _, err := openEngine()
	if err != nil {
		return err
	}
	cpus, err := selectedCPUs(e)
	if err != nil {
		return err
	}

	// coretemp is optional, the throttle temperatures are still worth printing
	temps, err := util.CoreTemps(cfg.Devices.Sysfs)
	if err != nil {
		log.Debugf("no core temperatures: %s", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"CPU", "Core", "TjMax", "Offset", "Throttle Temp", "Current"})
	table.SetBorder(false)

	for _, cpu := range cpus {
		tt, err := e.TemperatureTarget(cpu)
		if err != nil {
			return fmt.Errorf("could not read temperature target data: %w", err)
		}

		lc, _ := e.Topology().Lookup(cpu)
		current := "n/a"
		if t, ok := temps[lc.Core]; ok {
			current = fmt.Sprintf("%.1f", t)
		}

		table.Append([]string{
			strconv.Itoa(cpu),
			strconv.Itoa(lc.Core),
			strconv.Itoa(tt.Target),
			strconv.Itoa(tt.Offset),
			strconv.Itoa(tt.ThrottleTemp()),
			current,
		})
	}

	table.Render()
	return nil
}
