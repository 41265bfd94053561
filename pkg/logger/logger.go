// Package logger bridges slog to the *log.Logger interface some libraries
// expect (cron, http.Server).
package logger

import (
	"fmt"
	"log"
	"log/slog"
	"os"
)

// New returns a stdlib-backed logger with component prefix.
func New(component string) *log.Logger {
	prefix := fmt.Sprintf("[%s] ", component)
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lshortfile)
}

// FromSlog writes every line through l at the given level, tagged with component.
func FromSlog(l *slog.Logger, component string, level slog.Level) *log.Logger {
	if l == nil {
		return New(component)
	}
	return slog.NewLogLogger(l.With("component", component).Handler(), level)
}
