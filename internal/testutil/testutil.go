// Package testutil holds tiny helpers shared by service and transport
// tests.
package testutil

import (
	"io"
	"log/slog"
)

// DiscardLogger returns a logger whose output goes nowhere, keeping test
// output readable.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
