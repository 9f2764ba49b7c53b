// Package version carries the firmware version and build banner.
package version

import (
	"fmt"
	"io"
)

const (
	Major  = 2
	Minor  = 0
	Patch  = 0
	Build  = 4
	Branch = ""
)

// BuildTime may be set with -ldflags "-X smartfin-go/version.BuildTime=...".
var BuildTime = "unknown"

// String is the short form recorded in text ensembles, e.g. "v2.0.0.4".
func String() string {
	return fmt.Sprintf("v%d.%d.%d.%d%s", Major, Minor, Patch, Build, Branch)
}

// PrintBanner writes the boot banner.
func PrintBanner(w io.Writer) {
	fmt.Fprintf(w, "Smartfin FW %s\r\n", String())
	fmt.Fprintf(w, "FW Build: %s\n", BuildTime)
}
