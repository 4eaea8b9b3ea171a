package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/davidr/tptune/pkg/msr"
)

var turboCmd = &cobra.Command{
	Use:   "turbo",
	Short: "Turbo ratio limit interface",
}

var turboListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the maximum turbo ratio per number of active cores",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := openEngine()
		if err != nil {
			return err
		}

		trl, err := e.ReadTurboRatioLimit()
		if err != nil {
			return err
		}
		enabled, err := e.TurboEnabled()
		if err != nil {
			return err
		}

		fmt.Printf("turbo enabled: %t\n", enabled)
		printTurboRatioLimit(trl)
		return nil
	},
}

var turboSetCmd = &cobra.Command{
	Use:   "set RATIO [RATIO...]",
	Short: "Set turbo ratios, starting with the 1-core tier",
	Long: `Set turbo ratios, starting with the 1-core tier. Tiers not given on the
command line keep their current ratio. All eight tiers are written to every package.`,
	Args: cobra.RangeArgs(1, msr.TurboRatioCount),
	RunE: func(cmd *cobra.Command, args []string) error {
		ratios := make([]int, len(args))
		for i, arg := range args {
			r, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("could not parse %q into a ratio: %w", arg, err)
			}
			ratios[i] = r
		}

		e, _, err := openEngine()
		if err != nil {
			return err
		}

		trl, err := e.ReadTurboRatioLimit()
		if err != nil {
			return err
		}
		copy(trl[:], ratios)

		applied, err := e.ApplyTurboRatioLimit(trl)
		if err != nil {
			return err
		}
		printTurboRatioLimit(applied)
		return endTrial(e)
	},
}

var turboEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Allow the processor to use turbo ratios",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTurbo(true)
	},
}

var turboDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Cap the processor at its base ratio",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTurbo(false)
	},
}

func init() {
	for _, c := range []*cobra.Command{turboSetCmd, turboEnableCmd, turboDisableCmd} {
		c.Flags().DurationVar(&trialFlag, "trial", 0, "restore the previous setting after this long")
	}

	turboCmd.AddCommand(turboListCmd)
	turboCmd.AddCommand(turboSetCmd)
	turboCmd.AddCommand(turboEnableCmd)
	turboCmd.AddCommand(turboDisableCmd)
	rootCmd.AddCommand(turboCmd)
}

func setTurbo(enabled bool) error {
	e, _, err := openEngine()
	if err != nil {
		return err
	}
	if err := e.SetTurboEnabled(enabled); err != nil {
		return err
	}
	fmt.Printf("turbo enabled: %t\n", enabled)
	return endTrial(e)
}

func printTurboRatioLimit(trl msr.TurboRatioLimit) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"active cores", "ratio", "MHz"})
	table.SetBorder(false)

	for i, ratio := range trl {
		table.Append([]string{strconv.Itoa(i + 1), strconv.Itoa(ratio), strconv.Itoa(msr.RatioToMHz(ratio))})
	}

	table.Render()
}
