// Package install performs first-run setup: directories and permissions,
// the entries config, an idle state file, the lock file, and the systemd
// service/timer pair that drives periodic synchronization.
package install

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ddnsfw/internal/config"
	"ddnsfw/internal/state"
	"ddnsfw/logger"
)

const serviceUnit = `[Unit]
Description=DDNS Firewall Synchronizer
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart=%s sync
User=root
StandardOutput=journal
StandardError=journal
SyslogIdentifier=ddnsfw

[Install]
WantedBy=multi-user.target
`

const timerUnit = `[Unit]
Description=DDNS Firewall Synchronizer Timer

[Timer]
OnBootSec=30sec
OnUnitActiveSec=2min
RandomizedDelaySec=10sec
Persistent=true

[Install]
WantedBy=timers.target
`

// RequireRoot aborts setup before any mutation when the process lacks
// administrative privilege.
func RequireRoot() error {
	if os.Geteuid() != 0 {
		return errors.New("must run as root")
	}
	return nil
}

// Installed reports whether a previous installation is present.
func Installed(cfg config.Config) bool {
	if _, err := os.Stat(cfg.BinaryPath); err != nil {
		return false
	}
	_, err := os.Stat(cfg.ConfigPath)
	return err == nil
}

// Install lays down the full installation for the given entries and
// enables the timer. Every failure here is fatal to setup; nothing has
// touched the firewall yet.
func Install(cfg config.Config, entries []config.Entry) error {
	if err := os.MkdirAll(cfg.InstallDir, 0o700); err != nil {
		return errors.Wrap(err, "create install dir")
	}
	if err := os.Chmod(cfg.InstallDir, 0o700); err != nil {
		return errors.Wrap(err, "restrict install dir")
	}

	if err := copySelf(cfg.BinaryPath); err != nil {
		return errors.Wrap(err, "install binary")
	}

	if err := writeConfig(cfg.ConfigPath, entries); err != nil {
		return errors.Wrap(err, "write config")
	}

	if err := state.WriteInitial(cfg.StatePath); err != nil {
		return errors.Wrap(err, "initialize state")
	}

	f, err := os.OpenFile(cfg.LockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "create lock file")
	}
	f.Close()

	if err := os.WriteFile(cfg.ServicePath, []byte(fmt.Sprintf(serviceUnit, cfg.BinaryPath)), 0o644); err != nil {
		return errors.Wrap(err, "write service unit")
	}
	if err := os.WriteFile(cfg.TimerPath, []byte(timerUnit), 0o644); err != nil {
		return errors.Wrap(err, "write timer unit")
	}

	systemctl("daemon-reload")
	systemctl("enable", "ddnsfw.timer")
	systemctl("start", "ddnsfw.timer")

	logger.Info("installation complete",
		zap.String("binary", cfg.BinaryPath),
		zap.String("config", cfg.ConfigPath),
		zap.String("timer", cfg.TimerPath))
	return nil
}

func copySelf(dst string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	if self == dst {
		return os.Chmod(dst, 0o700)
	}

	src, err := os.Open(self)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeConfig(path string, entries []config.Entry) error {
	var b strings.Builder
	b.WriteString("# DDNS Firewall Configuration\n")
	b.WriteString("# Format: hostname:port\n\n")
	for _, e := range entries {
		b.WriteString(e.String() + "\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

func systemctl(args ...string) {
	if out, err := exec.Command("systemctl", args...).CombinedOutput(); err != nil {
		logger.Warn("systemctl failed",
			zap.Strings("args", args),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
	}
}
