// Package build holds build information injected at link time.
package build

import (
	"github.com/prometheus/common/version"
)

// Version, Branch and Revision are set via -ldflags -X.
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision
}
