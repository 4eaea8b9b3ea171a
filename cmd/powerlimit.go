package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/davidr/tptune/pkg/msr"
	"github.com/davidr/tptune/pkg/validate"
)

var (
	pl1Flag       float64
	pl1WindowFlag float64
	pl2Flag       float64
	pl2WindowFlag float64
	clampFlag     bool
)

var powerlimitCmd = &cobra.Command{
	Use:   "powerlimit",
	Short: "Package Running Average Power Limit (RAPL) interface",
}

var powerlimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List Package Running Average Power Limit (RAPL)",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, p, err := openEngine()
		if err != nil {
			return err
		}

		pl, err := e.ReadPackagePowerLimit()
		if err != nil {
			return err
		}

		printPackagePowerLimit(pl)
		fmt.Printf("\nTDP %.3fW, limits up to %.3fW in %.3fW steps, windows %.6fs..%.6fs\n",
			p.PowerInfo.TDP, p.Limits.MaxPower, p.Units.Watts, p.Limits.MinWindow, p.Limits.MaxWindow)
		if pl.Locked {
			fmt.Println("register is locked until the next reset")
		}
		return nil
	},
}

var powerlimitSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set package power limits",
	Long: `Set package power limits. Values not given keep their current setting, and
are checked against the allowed ranges like the given ones, since the whole register
is rewritten. The written values are rounded to what the register can hold and the
result is printed.`,
	Args: cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if !flags.Changed("pl1") && !flags.Changed("pl1-window") && !flags.Changed("pl2") &&
			!flags.Changed("pl2-window") && !flags.Changed("clamp") {
			return fmt.Errorf("nothing to set, see --help")
		}

		e, _, err := openEngine()
		if err != nil {
			return err
		}

		pl, err := e.ReadPackagePowerLimit()
		if err != nil {
			return err
		}

		if flags.Changed("pl1") {
			pl.PL1.Watts = pl1Flag
			pl.PL1.Enabled = true
		}
		if flags.Changed("pl1-window") {
			pl.PL1.Seconds = pl1WindowFlag
		}
		if flags.Changed("pl2") {
			pl.PL2.Watts = pl2Flag
			pl.PL2.Enabled = true
		}
		if flags.Changed("pl2-window") {
			pl.PL2.Seconds = pl2WindowFlag
		}
		if flags.Changed("clamp") {
			pl.PL1.Clamp = clampFlag
			pl.PL2.Clamp = clampFlag
		}

		for _, note := range roundingNotes(pl, e.Units(), flags.Changed) {
			fmt.Println(note)
		}

		applied, err := e.ApplyPackagePowerLimit(pl)
		if err != nil {
			return explainRejection(err, flags.Changed)
		}
		printPackagePowerLimit(applied)
		return endTrial(e)
	},
}

func init() {
	powerlimitSetCmd.Flags().Float64Var(&pl1Flag, "pl1", 0, "sustained power limit in W")
	powerlimitSetCmd.Flags().Float64Var(&pl1WindowFlag, "pl1-window", 0, "sustained power limit time window in s")
	powerlimitSetCmd.Flags().Float64Var(&pl2Flag, "pl2", 0, "short term power limit in W")
	powerlimitSetCmd.Flags().Float64Var(&pl2WindowFlag, "pl2-window", 0, "short term power limit time window in s")
	powerlimitSetCmd.Flags().BoolVar(&clampFlag, "clamp", false, "allow both limits to go below OS requested P-states")
	powerlimitSetCmd.Flags().DurationVar(&trialFlag, "trial", 0, "restore the previous limits after this long")

	powerlimitCmd.AddCommand(powerlimitListCmd)
	powerlimitCmd.AddCommand(powerlimitSetCmd)
	rootCmd.AddCommand(powerlimitCmd)
}

func printPackagePowerLimit(pl msr.PackagePowerLimit) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"limit", "W", "window (s)", "enabled", "clamping"})
	table.SetBorder(false)

	for _, row := range []struct {
		name string
		w    msr.PowerWindow
	}{{"PL1", pl.PL1}, {"PL2", pl.PL2}} {
		table.Append([]string{
			row.name,
			fmt.Sprintf("%.3f", row.w.Watts),
			fmt.Sprintf("%.6f", row.w.Seconds),
			fmt.Sprintf("%t", row.w.Enabled),
			fmt.Sprintf("%t", row.w.Clamp),
		})
	}

	table.Render()
}

// powerlimitFields maps the fields validation reports on to the flag that sets them
var powerlimitFields = map[string]string{
	"PL1 power":       "pl1",
	"PL1 time window": "pl1-window",
	"PL2 power":       "pl2",
	"PL2 time window": "pl2-window",
}

// roundingNotes describes every given value that the register cannot hold exactly.
// Values that cannot be encoded at all are left to validation.
func roundingNotes(pl msr.PackagePowerLimit, units msr.PowerUnits, changed func(string) bool) []string {
	var notes []string
	for _, f := range []struct {
		flag  string
		value float64
		unit  string
		round func(float64, msr.PowerUnits) (float64, error)
	}{
		{"pl1", pl.PL1.Watts, "W", msr.QuantizePower},
		{"pl1-window", pl.PL1.Seconds, "s", msr.QuantizeTimeWindow},
		{"pl2", pl.PL2.Watts, "W", msr.QuantizePower},
		{"pl2-window", pl.PL2.Seconds, "s", msr.QuantizeTimeWindow},
	} {
		if !changed(f.flag) {
			continue
		}
		got, err := f.round(f.value, units)
		if err != nil || got == f.value {
			continue
		}
		notes = append(notes, fmt.Sprintf("--%s %g%s will be written as %g%s", f.flag, f.value, f.unit, got, f.unit))
	}
	return notes
}

// explainRejection points out when validation failed on a value the operator did not
// give, i.e. one the firmware programmed outside the allowed range
func explainRejection(err error, changed func(string) bool) error {
	var rej *validate.Rejection
	if !errors.As(err, &rej) {
		return err
	}
	flag, ok := powerlimitFields[rej.Field]
	if !ok || changed(flag) {
		return err
	}
	return fmt.Errorf("current %s was not changed but is outside the allowed range, give --%s as well: %w", rej.Field, flag, err)
}
