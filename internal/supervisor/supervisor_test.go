package supervisor

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ctrlplane-oss/spawnerd/internal/engine"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func listen(t *testing.T) (*net.UnixListener, *net.UnixAddr) {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unixpacket", filepath.Join(t.TempDir(), "spawnerd.sock"))
	if err != nil {
		t.Fatalf("ResolveUnixAddr: %v", err)
	}
	l, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		t.Skipf("unixpacket listener unavailable: %v", err)
	}
	return l, addr
}

func TestRunReturnsOnceLastConnectionCloses(t *testing.T) {
	l, addr := listen(t)

	s, err := New(l, nil, nil, &engine.Engine{}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	client, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}

	// Give the accept goroutine + self-pipe wakeup time to register the
	// connection with the reactor before we tear it down again.
	time.Sleep(100 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never returned after the last connection closed")
	}
}

func TestRunKeepsServingWithNoConnectionsYet(t *testing.T) {
	l, _ := listen(t)

	s, err := New(l, nil, nil, &engine.Engine{}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	select {
	case err := <-done:
		t.Fatalf("Run returned prematurely with no connections ever accepted: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	s.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never returned after shutdown")
	}
	s.Close()
}

func TestShutdownForcesExitWithOpenConnections(t *testing.T) {
	l, addr := listen(t)

	s, err := New(l, nil, nil, &engine.Engine{}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	client, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	defer client.Close()

	time.Sleep(100 * time.Millisecond)

	// Shutdown is called from this test goroutine, never the reactor
	// thread, exercising the same path an external signal handler would
	// take while a connection is still open.
	s.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run never returned after an external Shutdown with a live connection")
	}
}
