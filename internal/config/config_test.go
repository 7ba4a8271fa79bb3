package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("expected Load(\"\") to equal Default(), got %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spawnerd.yaml")
	contents := `
socketPath: /run/custom.sock
cgroupRoot: /sys/fs/cgroup
tmpfsRoot: /var/spawnerd/tmpfs
tmpfsIdleThreshold: 5m
defaultCredentials:
  uid: 1000
  gid: 1000
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/run/custom.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.TmpfsRoot != "/var/spawnerd/tmpfs" {
		t.Errorf("TmpfsRoot = %q", cfg.TmpfsRoot)
	}
	if time.Duration(cfg.TmpfsIdleThreshold) != 5*time.Minute {
		t.Errorf("TmpfsIdleThreshold = %v", cfg.TmpfsIdleThreshold)
	}
	if cfg.DefaultCredentials.UID != 1000 || cfg.DefaultCredentials.GID != 1000 {
		t.Errorf("DefaultCredentials = %+v", cfg.DefaultCredentials)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/spawnerd.yaml"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}

func TestLoadMalformedDurationFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spawnerd.yaml")
	if err := os.WriteFile(path, []byte("tmpfsIdleThreshold: not-a-duration\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for a malformed duration")
	}
}

func TestOverlayOnlyAppliesChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o := RegisterFlags(fs)
	if err := fs.Parse([]string{"--socket-path", "/run/flagged.sock"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg := Default()
	o.Apply(cfg, fs)

	if cfg.SocketPath != "/run/flagged.sock" {
		t.Errorf("SocketPath = %q, expected the flag to win", cfg.SocketPath)
	}
	if cfg.CgroupRoot != Default().CgroupRoot {
		t.Errorf("CgroupRoot = %q, expected the default to survive since no flag was passed", cfg.CgroupRoot)
	}
}

func TestValidateRejectsNonPositiveIdleThreshold(t *testing.T) {
	cfg := Default()
	cfg.TmpfsIdleThreshold = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a zero idle threshold")
	}
}
