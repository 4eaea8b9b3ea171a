package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/davidr/tptune/pkg/fan"
	"github.com/davidr/tptune/pkg/validate"
)

var fanCmd = &cobra.Command{
	Use:   "fan",
	Short: "ThinkPad fan interface (thinkpad_acpi)",
}

var fanStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the fan mode, level and speed",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, state, err := openFan()
		if err != nil {
			return err
		}

		fmt.Println(state)
		var levels []string
		for _, l := range fan.SortedLevels(c.Levels()) {
			levels = append(levels, l.String())
		}
		fmt.Printf("levels: %s\n", strings.Join(levels, ", "))
		return nil
	},
}

var fanModeCmd = &cobra.Command{
	Use:   "mode [auto|manual]",
	Short: "Show or switch who regulates the fan",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			c, _, err := openFan()
			if err != nil {
				return err
			}
			fmt.Println(c.Mode())
			return nil
		}

		mode, err := fan.ParseMode(args[0])
		if err != nil {
			return err
		}
		return setFanMode(mode)
	},
}

var fanAutoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Return the fan to firmware control",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFanMode(fan.ModeAuto)
	},
}

var fanManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Take over fan control, keeping the current level",
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFanMode(fan.ModeManual)
	},
}

var fanLevelCmd = &cobra.Command{
	Use:   "level LEVEL",
	Short: "Set the fan level (0-7, full-speed, disengaged)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, level, err := prepareLevel(args[0])
		if err != nil {
			return err
		}

		state, err := c.SetLevel(level)
		if err != nil {
			return err
		}
		fmt.Println(state)
		warnWatchdog(c)
		return nil
	},
}

var fanHoldCmd = &cobra.Command{
	Use:   "hold LEVEL",
	Short: "Set the fan level and keep it until interrupted",
	Long: `Set the fan level and keep re-arming the firmware watchdog until SIGINT or
SIGTERM, then return the fan to firmware control.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, level, err := prepareLevel(args[0])
		if err != nil {
			return err
		}
		return holdLevel(c, level)
	},
}

func init() {
	fanCmd.AddCommand(fanStatusCmd)
	fanCmd.AddCommand(fanModeCmd)
	fanCmd.AddCommand(fanAutoCmd)
	fanCmd.AddCommand(fanManualCmd)
	fanCmd.AddCommand(fanLevelCmd)
	fanCmd.AddCommand(fanHoldCmd)
	rootCmd.AddCommand(fanCmd)
}

func setFanMode(mode fan.Mode) error {
	c, _, err := openFan()
	if err != nil {
		return err
	}
	if err := c.SetMode(mode); err != nil {
		return err
	}
	fmt.Printf("fan mode: %s\n", c.Mode())
	if mode == fan.ModeManual {
		warnWatchdog(c)
	}
	return nil
}

// prepareLevel validates arg against the configured levels, asks before running the
// fan unregulated and switches the controller to manual mode
func prepareLevel(arg string) (*fan.Controller, fan.Level, error) {
	level, err := fan.ParseLevel(arg)
	if err != nil {
		return nil, 0, err
	}

	c, _, err := openFan()
	if err != nil {
		return nil, 0, err
	}
	if err := validate.FanLevel(level, validate.Limits{FanLevels: c.Levels()}); err != nil {
		return nil, 0, err
	}

	if level == fan.LevelDisengaged {
		ok, err := confirm("disengaged runs the fan outside firmware regulation. continue?")
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, fmt.Errorf("not confirmed")
		}
	}

	if err := c.EnterManualMode(); err != nil {
		return nil, 0, err
	}
	return c, level, nil
}

func holdLevel(c *fan.Controller, level fan.Level) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	state, err := c.SetLevel(level)
	if err != nil {
		return restoreAuto(c, err)
	}
	fmt.Println(state)

	// re-arm well inside the timeout; without a watchdog a slow poll is enough
	interval := c.Watchdog() / 2
	if interval <= 0 {
		interval = fan.DefaultWatchdog
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			log.Infof("received %s, restoring automatic fan control", sig)
			return c.SetAuto()
		case <-ticker.C:
			if err := c.Keepalive(); err != nil {
				return restoreAuto(c, err)
			}
			state, err := c.ReadState()
			if err != nil {
				return restoreAuto(c, err)
			}
			if state.Mode != fan.ModeManual {
				return fmt.Errorf("fan left manual mode (%s), giving up", state)
			}
			log.Debugf("fan: %s", state)
		}
	}
}

func restoreAuto(c *fan.Controller, cause error) error {
	if err := c.SetAuto(); err != nil {
		log.Errorf("could not restore automatic fan control: %s", err)
	}
	return cause
}

func warnWatchdog(c *fan.Controller) {
	if w := c.Watchdog(); w > 0 {
		fmt.Printf("the firmware returns the fan to auto after %s, use \"fan hold\" to keep the level\n", w)
	}
}

// confirm asks a yes/no question on the terminal. Without a terminal it refuses unless
// --yes was given.
func confirm(question string) (bool, error) {
	if yesFlag {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("can not ask for confirmation because STDIN isn't coming from a terminal, use --yes")
	}

	fmt.Printf("%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}
