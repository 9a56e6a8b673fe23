// Package testing prepares the process environment shared by integration-style tests.
// Importing it marks the run as a test so entrypoints skip runtime startup.
package testing

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var once sync.Once

func init() {
	Setup()
}

// Setup sets STOCKLEDGER_TEST_MODE and defaults unlisted tenants to the
// ephemeral backend. Values already present in the environment win.
func Setup() {
	once.Do(func() {
		if os.Getenv("STOCKLEDGER_TEST_MODE") == "" {
			_ = os.Setenv("STOCKLEDGER_TEST_MODE", "1")
		}
		if os.Getenv("STOCK_DEFAULT_MODE") == "" {
			_ = os.Setenv("STOCK_DEFAULT_MODE", "ephemeral")
		}
	})
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
