// Package log establishes the process-wide logger the way the rest of the
// codebase consumes it: level.Info(log.Logger).Log("msg", ...).
package log

import (
	"os"

	"github.com/go-kit/log"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process logger. InitLogger replaces it once config is read;
// the default writes logfmt to stderr so early startup errors are visible.
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

// InitLogger configures the process logger from the configured level and
// format ("logfmt" or "json").
func InitLogger(logLevel dslog.Level, logFormat string) {
	Logger = dslog.NewGoKitWithLevel(logLevel, logFormat)
}
