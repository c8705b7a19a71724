package main

import (
	"os"

	"github.com/Holovkat/cli-team-bridge/cmd/bridgectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
