// Command print-agent connects a workstation's printers to the coordinator.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "print-agent:", err)
		os.Exit(1)
	}
}
