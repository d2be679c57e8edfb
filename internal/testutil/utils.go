package testutil

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger returns a logger that writes through t.Log so output is only
// shown for failing tests or with -v.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

// BufferLogger logs JSON lines to w, for assertions on log output.
func BufferLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w)
}
