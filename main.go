package main

import (
	"os"

	"github.com/borkdominik/CM2ML/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
