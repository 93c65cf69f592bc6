package main

import (
	"os"

	"github.com/opsrelay-systems/opsrelay/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
