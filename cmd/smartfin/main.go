// Command smartfin runs the fin firmware core on a host, with a data
// directory standing in for flash and nvram and simulated sensors.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "smartfin:", err)
		os.Exit(1)
	}
}
