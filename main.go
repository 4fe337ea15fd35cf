// Package main is the entry point for the netmgr network manager.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/netmgr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
