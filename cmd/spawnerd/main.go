// Command spawnerd is the daemon entrypoint: it loads configuration, opens
// the listening socket, and hands control to internal/supervisor (spec.md
// §4.8, SPEC_FULL.md §A3).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/ctrlplane-oss/spawnerd/internal/cgroupmgr"
	"github.com/ctrlplane-oss/spawnerd/internal/config"
	"github.com/ctrlplane-oss/spawnerd/internal/engine"
	"github.com/ctrlplane-oss/spawnerd/internal/spawn"
	"github.com/ctrlplane-oss/spawnerd/internal/supervisor"
	"github.com/ctrlplane-oss/spawnerd/internal/tmpfsmgr"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	fs := pflag.NewFlagSet("spawnerd", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to a spawnerd.yaml config file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	overlay := config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.WithError(err).Fatal("parsing flags")
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	overlay.Apply(cfg, fs)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("spawnerd exiting")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	cg, err := cgroupmgr.New(cfg.CgroupRoot)
	if err != nil {
		return fmt.Errorf("cgroup manager: %w", err)
	}

	tfm, err := tmpfsmgr.New(cfg.TmpfsRoot, time.Duration(cfg.TmpfsIdleThreshold), log.WithField("component", "tmpfsmgr"))
	if err != nil {
		return fmt.Errorf("tmpfs manager: %w", err)
	}

	eng := &engine.Engine{
		Cgroups: cg,
		Tmpfs:   tfm,
		Default: engine.Credentials{
			UID: cfg.DefaultCredentials.UID,
			GID: cfg.DefaultCredentials.GID,
		},
		// Authorize is spec.md §6.4's hook: a request that carried its own
		// credentials is accepted as-is. Operators wanting a real policy
		// substitute this with a call into their own authorization service.
		Authorize: func(*spawn.PreparedChild) bool { return true },
	}

	os.Remove(cfg.SocketPath)
	addr, err := net.ResolveUnixAddr("unixpacket", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve socket path: %w", err)
	}
	listener, err := net.ListenUnix("unixpacket", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	unix.Chmod(cfg.SocketPath, 0660)

	sup, err := supervisor.New(listener, cg, tfm, eng, log.WithField("component", "supervisor"))
	if err != nil {
		listener.Close()
		return fmt.Errorf("supervisor: %w", err)
	}
	defer sup.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)
	go func() {
		<-sig
		log.Info("received shutdown signal")
		sup.Shutdown()
	}()

	log.WithField("socket", cfg.SocketPath).Info("spawnerd listening")
	return sup.Run()
}
