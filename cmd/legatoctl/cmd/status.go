package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pump's current state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := getSnapshot()
		if err != nil {
			return err
		}
		state := "idle"
		if snap.Running {
			state = "running"
		}
		if !snap.Connected {
			state = "disconnected"
		}
		fmt.Printf("Device:          %s\n", snap.Version)
		fmt.Printf("Syringe:         %s\n", snap.SyringeType)
		fmt.Printf("State:           %s\n", state)
		fmt.Printf("Direction:       %s\n", snap.Direction)
		target := snap.TargetVolume
		if target == "" {
			target = "not set"
		}
		fmt.Printf("Target volume:   %s\n", target)
		fmt.Printf("Infuse rate:     %s  (limits %s)\n", snap.InfuseRate, snap.InfuseLimits)
		fmt.Printf("Withdraw rate:   %s  (limits %s)\n", snap.WithdrawRate, snap.WithdrawLimits)
		fmt.Printf("Force:           %d%%\n", snap.ForcePercent)
		fmt.Printf("Footswitch:      %s\n", snap.Footswitch)
		fmt.Printf("Est. infuse:     %.1f s\n", snap.InfuseSec)
		fmt.Printf("Est. withdraw:   %.1f s\n", snap.WithdrawSec)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
