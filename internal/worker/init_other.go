//go:build !linux

package worker

import "log/slog"

// SetupInit is a no-op outside Linux.
func SetupInit(*slog.Logger) {}
