// Command slotify is the Slotify triage queue server and its companion tools.
//
// Usage:
//
//	slotify serve [--config path/to/config.yaml]
//	slotify score [--config path/to/config.yaml] [intake.json]
package main

import (
	"fmt"
	"os"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "slotify: %v\n", err)
		os.Exit(1)
	}
}
