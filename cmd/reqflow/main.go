// Package main provides the entry point for the reqflow CLI.
package main

import (
	"fmt"
	"os"

	"github.com/JingHuan921/secondhalf-coding/cmd/reqflow/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
