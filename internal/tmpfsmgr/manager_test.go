package tmpfsmgr

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestMakeTmpfsSharesEntry(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("no root privilege")
	}
	root := t.TempDir()
	m, err := New(root, 2*time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	fd1, l1, err := m.MakeTmpfs("build-cache", true)
	if err != nil {
		t.Fatalf("MakeTmpfs: %v", err)
	}
	fd2, l2, err := m.MakeTmpfs("build-cache", true)
	if err != nil {
		t.Fatalf("MakeTmpfs (second): %v", err)
	}
	if fd1 != fd2 {
		t.Fatalf("expected shared fd, got %d and %d", fd1, fd2)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 cache entry, got %d", m.Len())
	}

	l1.Release()
	l2.Release()
	if m.Len() != 1 {
		t.Fatalf("entry should remain cached until idle-expired, got %d entries", m.Len())
	}
}

func TestMakeTmpfsDistinctKeys(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("no root privilege")
	}
	root := t.TempDir()
	m, err := New(root, 2*time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	fd1, l1, err := m.MakeTmpfs("a", true)
	if err != nil {
		t.Fatalf("MakeTmpfs: %v", err)
	}
	fd2, l2, err := m.MakeTmpfs("a", false)
	if err != nil {
		t.Fatalf("MakeTmpfs: %v", err)
	}
	if fd1 == fd2 {
		t.Fatalf("exec and non-exec variants of the same name must not share an fd")
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 cache entries, got %d", m.Len())
	}
	l1.Release()
	l2.Release()
}

func TestExpireIdleUnmountsZeroRefcountEntries(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("no root privilege")
	}
	root := t.TempDir()
	m, err := New(root, time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	_, l, err := m.MakeTmpfs("scratch", true)
	if err != nil {
		t.Fatalf("MakeTmpfs: %v", err)
	}
	l.Release()

	m.ExpireIdle(time.Now())
	if m.Len() != 1 {
		t.Fatalf("entry released moments ago should not expire yet, got %d entries", m.Len())
	}

	m.ExpireIdle(time.Now().Add(2 * time.Hour))
	if m.Len() != 0 {
		t.Fatalf("expected entry to be expired, got %d entries", m.Len())
	}
}

func TestExpireIdleLeavesActiveLeaseAlone(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("no root privilege")
	}
	root := t.TempDir()
	m, err := New(root, time.Hour, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	_, l, err := m.MakeTmpfs("held", true)
	if err != nil {
		t.Fatalf("MakeTmpfs: %v", err)
	}

	m.ExpireIdle(time.Now().Add(2 * time.Hour))
	if m.Len() != 1 {
		t.Fatalf("held entry must survive expiration sweep, got %d entries", m.Len())
	}
	l.Release()
}

func TestDestroyLogsRemovalFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	m := &Manager{log: logrus.NewEntry(logger)}

	m.destroy(&entry{path: "/nonexistent/path/left/over", fd: -1})

	if len(hook.Entries) == 0 {
		t.Fatalf("expected a warning to be logged for the failed directory removal")
	}
	if hook.LastEntry().Level != logrus.WarnLevel {
		t.Fatalf("expected Warn level, got %v", hook.LastEntry().Level)
	}
}
