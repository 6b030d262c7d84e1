package main

import (
	"os"

	"github.com/opd-ai/wisp/cmd/wisp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
