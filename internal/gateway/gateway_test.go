package gateway_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/internal/gateway"
	"github.com/voxwire/voxwire/pkg/presence"
	"github.com/voxwire/voxwire/pkg/session"
	"github.com/voxwire/voxwire/pkg/transport"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// newTransportConn builds a connection without a real socket. The pumps are
// never started, so Send just queues into the buffer.
func newTransportConn(wg *sync.WaitGroup) *transport.Connection {
	return transport.NewConnection(context.Background(), wg, nil, transport.ConnectionConfig{}, nil, nil, newTestLogger())
}

type fixture struct {
	registry *presence.Registry
	gw       *gateway.Gateway
	wg       sync.WaitGroup
}

func newFixture(contacts gateway.ContactSource) *fixture {
	registry := presence.NewRegistry(newTestLogger())
	return &fixture{
		registry: registry,
		gw:       gateway.New(newTestLogger(), registry, contacts),
	}
}

func TestRegisterMarksUserOnline(t *testing.T) {
	f := newFixture(nil)
	conn := newTransportConn(&f.wg)

	f.gw.Register("alice", "127.0.0.1", conn)

	if !f.gw.IsConnected("alice") {
		t.Fatal("Expected alice to be connected after Register")
	}
	if got := f.registry.Status("alice"); got != presence.StatusOnline {
		t.Errorf("Expected presence online, got %s", got)
	}
	if !f.gw.Deliver("alice", "presence:changed", map[string]string{"userId": "bob", "status": "online"}) {
		t.Error("Expected Deliver to a registered user to succeed")
	}
}

func TestDeliverToUnknownUserReturnsFalse(t *testing.T) {
	f := newFixture(nil)
	if f.gw.Deliver("ghost", "session:incoming", nil) {
		t.Fatal("Expected Deliver to an unconnected user to return false")
	}
}

func TestSupersessionClosesOldHandle(t *testing.T) {
	f := newFixture(nil)
	conn1 := newTransportConn(&f.wg)
	conn2 := newTransportConn(&f.wg)
	conn1.SetOnCloseHandler(f.gw.HandleClose)
	conn2.SetOnCloseHandler(f.gw.HandleClose)

	f.gw.Register("alice", "127.0.0.1", conn1)
	f.gw.Register("alice", "127.0.0.1", conn2)

	select {
	case <-conn1.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected the superseded connection to be closed")
	}

	// The stale handle's close callback already ran; the live handle and the
	// user's presence must be untouched.
	if !f.gw.IsConnected("alice") {
		t.Fatal("Expected alice to remain connected through supersession")
	}
	if got := f.registry.Status("alice"); got != presence.StatusOnline {
		t.Errorf("Expected presence online after supersession, got %s", got)
	}
	if !f.gw.Deliver("alice", "session:stateChanged", nil) {
		t.Error("Expected delivery to route to the new handle")
	}
}

func TestHandleCloseMarksOfflineAndCascades(t *testing.T) {
	f := newFixture(nil)

	var disconnected []string
	f.gw.SetOnUserDisconnect(func(userID string) {
		disconnected = append(disconnected, userID)
	})

	conn := newTransportConn(&f.wg)
	conn.SetOnCloseHandler(f.gw.HandleClose)
	f.gw.Register("alice", "127.0.0.1", conn)

	conn.Close(errors.New("peer went away"))

	if f.gw.IsConnected("alice") {
		t.Fatal("Expected alice to be disconnected after close")
	}
	if got := f.registry.Status("alice"); got != presence.StatusOffline {
		t.Errorf("Expected presence offline after close, got %s", got)
	}
	if len(disconnected) != 1 || disconnected[0] != "alice" {
		t.Errorf("Expected disconnect callback for alice, got %v", disconnected)
	}
}

func TestConnectionCountByIP(t *testing.T) {
	f := newFixture(nil)
	connA := newTransportConn(&f.wg)
	connB := newTransportConn(&f.wg)
	connC := newTransportConn(&f.wg)

	f.gw.Register("alice", "10.0.0.1", connA)
	f.gw.Register("bob", "10.0.0.1", connB)
	f.gw.Register("carol", "10.0.0.2", connC)

	if got := f.gw.ConnectionCountByIP("10.0.0.1"); got != 2 {
		t.Errorf("Expected 2 connections from 10.0.0.1, got %d", got)
	}
	if got := f.gw.ConnectionCountByIP("10.0.0.2"); got != 1 {
		t.Errorf("Expected 1 connection from 10.0.0.2, got %d", got)
	}
}

// Full wiring: a callee disconnect mid-call must end the session with
// reason peerDisconnected without any explicit end call.
func TestDisconnectEndsActiveSessions(t *testing.T) {
	f := newFixture(gateway.StaticContacts{"bob": {"alice"}})
	sessions := session.NewManager(newTestLogger(), f.registry, f.gw, session.Config{
		RingTimeout: time.Minute,
	})
	f.gw.SetOnUserDisconnect(func(userID string) {
		sessions.EndAllForUser(userID, session.ReasonPeerDisconnected)
	})

	aliceConn := newTransportConn(&f.wg)
	bobConn := newTransportConn(&f.wg)
	aliceConn.SetOnCloseHandler(f.gw.HandleClose)
	bobConn.SetOnCloseHandler(f.gw.HandleClose)
	f.gw.Register("alice", "10.0.0.1", aliceConn)
	f.gw.Register("bob", "10.0.0.2", bobConn)

	info, err := sessions.Initiate("alice", "bob", session.KindAudio)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := sessions.Accept(info.ID, "bob"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	bobConn.Close(errors.New("transport lost"))

	s, err := sessions.Get(info.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != session.StatusEnded || snap.Reason != session.ReasonPeerDisconnected {
		t.Errorf("Expected ended/peerDisconnected, got %s/%s", snap.Status, snap.Reason)
	}
	if got := f.registry.Status("bob"); got != presence.StatusOffline {
		t.Errorf("Expected bob offline, got %s", got)
	}
	if got := f.registry.Status("alice"); got != presence.StatusOnline {
		t.Errorf("Expected alice released back to online, got %s", got)
	}
}
