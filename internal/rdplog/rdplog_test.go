package rdplog

import (
	"io"
	"log/slog"
	"testing"
)

func TestThrottleLogsFirstThenEveryNth(t *testing.T) {
	th := NewThrottle(5)

	allow, suppressed := th.Allow()
	if !allow || suppressed != 0 {
		t.Fatalf("expected first call to log with 0 suppressed, got allow=%v suppressed=%d", allow, suppressed)
	}

	for i := 0; i < 4; i++ {
		if allow, _ := th.Allow(); allow {
			t.Fatalf("expected call %d after a logged one to be suppressed", i+2)
		}
	}

	allow, suppressed = th.Allow()
	if !allow || suppressed != 4 {
		t.Fatalf("expected 6th call to log with 4 suppressed, got allow=%v suppressed=%d", allow, suppressed)
	}
}

func TestThrottleEveryOneAlwaysLogs(t *testing.T) {
	th := NewThrottle(1)
	for i := 0; i < 3; i++ {
		if allow, _ := th.Allow(); !allow {
			t.Fatalf("expected every call to log with every=1, call %d suppressed", i+1)
		}
	}
}

func TestComponentTagsChildLogger(t *testing.T) {
	base := slog.New(slog.NewTextHandler(io.Discard, nil))
	child := Component(base, "capture")
	if child == nil || child == base {
		t.Fatal("expected a distinct child logger")
	}
}
