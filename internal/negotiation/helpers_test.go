package negotiation

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// settle waits until the session loop has applied every tick sent so far.
func settle(t *testing.T, s *Session, remaining int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Remaining() != remaining {
		if time.Now().After(deadline) {
			t.Fatalf("remaining stuck at %d, want %d", s.Remaining(), remaining)
		}
		time.Sleep(time.Millisecond)
	}
}
