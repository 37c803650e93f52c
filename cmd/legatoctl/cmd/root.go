// Package cmd implements the legatoctl command tree. Every command talks
// to a running legatodash daemon over its JSON API; the daemon owns the
// serial port, so the CLI never opens it directly.
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/microdevice-lab/legato-dash/internal/pump"
)

var addr string

var rootCmd = &cobra.Command{
	Use:           "legatoctl",
	Short:         "Control a KDS Legato 110 syringe pump via legatodash",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080",
		"Address of the legatodash daemon")
}

func postJSON(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(addr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s", bytes.TrimSpace(msg))
	}
	return nil
}

func getSnapshot() (*pump.Snapshot, error) {
	resp, err := http.Get(addr + "/api/snapshot")
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s", bytes.TrimSpace(msg))
	}
	var snap pump.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// parseDirection validates the direction argument shared by several
// commands before anything is sent to the daemon.
func parseDirection(s string) (pump.Direction, error) {
	switch pump.Direction(s) {
	case pump.Infuse, pump.Withdraw:
		return pump.Direction(s), nil
	default:
		return "", fmt.Errorf("direction must be %q or %q, got %q", pump.Infuse, pump.Withdraw, s)
	}
}
