package main

import (
	"os"

	"github.com/ionlab/pmtscan/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
