// Package testlog routes zerolog output through the test profile.
package testlog

import (
	"testing"

	"github.com/danmuck/fts/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once per process and marks where the
// output of tb begins.
func Start(tb testing.TB) {
	tb.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", tb.Name()).Msg("testlog.Start")
}
