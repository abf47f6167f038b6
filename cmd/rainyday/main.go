// Package main is the entry point for rainyday.
package main

import (
	"fmt"
	"os"

	"rainyday/internal/cli"
)

func main() {
	cli.Init()

	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
