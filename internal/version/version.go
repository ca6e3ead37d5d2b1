package version

import "fmt"

// Set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// String renders the build identity.
func String() string {
	return fmt.Sprintf("binance-data %s (%s)", Version, Commit)
}
