package main

import (
	"os"

	"github.com/microdevice-lab/legato-dash/cmd/legatoctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
