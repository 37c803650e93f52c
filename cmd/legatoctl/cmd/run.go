package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var runNoWait bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the programmed transfer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON("/api/run", map[string]interface{}{}); err != nil {
			return err
		}
		if runNoWait {
			fmt.Println("run started")
			return nil
		}
		// The daemon runs non-blocking; poll until it reports idle.
		for {
			time.Sleep(time.Second)
			snap, err := getSnapshot()
			if err != nil {
				return err
			}
			if !snap.Running {
				fmt.Println("run finished")
				return nil
			}
		}
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the pump",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postJSON("/api/stop", map[string]interface{}{}); err != nil {
			return err
		}
		fmt.Println("stopped")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runNoWait, "no-wait", false, "Return immediately instead of waiting for completion")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
}
