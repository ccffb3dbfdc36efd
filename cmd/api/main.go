// Package main is the entry point for the SkyPortal comments API.
package main

import (
	"fmt"
	"os"

	"skyportal/api/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
