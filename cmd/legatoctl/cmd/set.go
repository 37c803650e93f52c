package cmd

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/microdevice-lab/legato-dash/internal/pump"
)

func validRateUnit(s string) bool {
	for _, u := range pump.RateUnits() {
		if string(u) == s {
			return true
		}
	}
	return false
}

var setRateCmd = &cobra.Command{
	Use:   "set-rate <direction> <value|min|max> [unit]",
	Short: "Set a flow rate, e.g. 'set-rate infuse 2 ml/min' or 'set-rate withdraw max'",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := parseDirection(args[0])
		if err != nil {
			return err
		}
		req := map[string]interface{}{"direction": string(dir)}
		switch args[1] {
		case "min", "max":
			if len(args) != 2 {
				return fmt.Errorf("no unit with %q", args[1])
			}
			req["bound"] = args[1]
		default:
			if len(args) != 3 {
				return fmt.Errorf("a numeric rate needs a unit, e.g. ml/min")
			}
			value, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("rate must be a whole number, got %q", args[1])
			}
			if !validRateUnit(args[2]) {
				return fmt.Errorf("unknown rate unit %q", args[2])
			}
			req["value"] = value
			req["unit"] = args[2]
		}
		if err := postJSON("/api/rate", req); err != nil {
			return err
		}
		fmt.Println("rate set")
		return nil
	},
}

var setVolumeCmd = &cobra.Command{
	Use:   "set-volume <value> <unit>",
	Short: "Set the target volume, e.g. 'set-volume 2.5 ml'",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := decimal.NewFromString(args[0]); err != nil {
			return fmt.Errorf("volume must be a number, got %q", args[0])
		}
		req := map[string]interface{}{"value": args[0], "unit": args[1]}
		if err := postJSON("/api/volume", req); err != nil {
			return err
		}
		fmt.Println("target volume set")
		return nil
	},
}

var setDirectionCmd = &cobra.Command{
	Use:   "set-direction <infuse|withdraw>",
	Short: "Select which quick-start program runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := parseDirection(args[0])
		if err != nil {
			return err
		}
		if err := postJSON("/api/direction", map[string]interface{}{"direction": string(dir)}); err != nil {
			return err
		}
		fmt.Println("direction set")
		return nil
	},
}

var setForceCmd = &cobra.Command{
	Use:   "set-force <percent>",
	Short: "Set the plunger force percentage (1-100)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pct, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("force must be a whole percentage, got %q", args[0])
		}
		if err := postJSON("/api/force", map[string]interface{}{"percent": pct}); err != nil {
			return err
		}
		fmt.Println("force set")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setRateCmd)
	rootCmd.AddCommand(setVolumeCmd)
	rootCmd.AddCommand(setDirectionCmd)
	rootCmd.AddCommand(setForceCmd)
}
