package presence_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/voxwire/voxwire/pkg/presence"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestStatusDerivation(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	userID := "user-1"

	if got := r.Status(userID); got != presence.StatusOffline {
		t.Fatalf("Expected unknown user to be offline, got %s", got)
	}

	r.SetOnline(userID)
	if got := r.Status(userID); got != presence.StatusOnline {
		t.Fatalf("Expected online after SetOnline, got %s", got)
	}

	r.IncrementBusy(userID)
	if got := r.Status(userID); got != presence.StatusBusy {
		t.Fatalf("Expected busy with one active session, got %s", got)
	}

	r.IncrementBusy(userID)
	r.DecrementBusy(userID)
	if got := r.Status(userID); got != presence.StatusBusy {
		t.Fatalf("Expected busy with one remaining session, got %s", got)
	}

	r.DecrementBusy(userID)
	if got := r.Status(userID); got != presence.StatusOnline {
		t.Fatalf("Expected online after busy count drained, got %s", got)
	}

	r.SetOffline(userID)
	if got := r.Status(userID); got != presence.StatusOffline {
		t.Fatalf("Expected offline after SetOffline, got %s", got)
	}
}

func TestDecrementBusyFloorsAtZero(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	userID := "user-floor"

	r.SetOnline(userID)
	r.DecrementBusy(userID)
	r.DecrementBusy(userID)
	if got := r.Status(userID); got != presence.StatusOnline {
		t.Fatalf("Expected online after decrementing below zero, got %s", got)
	}

	r.IncrementBusy(userID)
	if got := r.Status(userID); got != presence.StatusBusy {
		t.Fatalf("Expected busy after a single increment, got %s", got)
	}
}

func TestBusyWithoutConnectionIsOffline(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	userID := "user-ghost"

	// A busy count without a connection must never surface as busy.
	r.IncrementBusy(userID)
	if got := r.Status(userID); got != presence.StatusOffline {
		t.Fatalf("Expected offline without a connection, got %s", got)
	}
}

func TestSubscribeNotifiesOnRealChangesOnly(t *testing.T) {
	r := presence.NewRegistry(newTestLogger())
	userID := "user-sub"

	var got []presence.Status
	unsub := r.Subscribe(userID, func(id string, s presence.Status) {
		if id != userID {
			t.Errorf("Callback for wrong user: %s", id)
		}
		got = append(got, s)
	})

	r.SetOnline(userID)
	r.SetOnline(userID) // no change, no callback
	r.IncrementBusy(userID)
	r.IncrementBusy(userID) // still busy, no callback
	r.DecrementBusy(userID) // still busy, no callback
	r.DecrementBusy(userID)
	r.SetOffline(userID)

	want := []presence.Status{
		presence.StatusOnline,
		presence.StatusBusy,
		presence.StatusOnline,
		presence.StatusOffline,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d notifications, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Notification %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	unsub()
	r.SetOnline(userID)
	if len(got) != len(want) {
		t.Error("Received notification after unsubscribe")
	}
}
