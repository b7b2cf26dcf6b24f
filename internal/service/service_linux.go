//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// systemd user unit; the relay needs pcscd but no graphical session.
const serviceTemplate = `[Unit]
Description=PC/SC Relay - share local smart card readers over the network
After=pcscd.service network.target
Wants=pcscd.service

[Service]
Type=simple
ExecStart={{.ExecutablePath}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// systemctl runs `systemctl --user` with args. Replaced in tests.
var systemctl = func(args ...string) error {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

type linuxService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return &linuxService{}
}

func (s *linuxService) unitPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "systemd", "user", appName+".service")
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}

	if err := s.writeUnit(execPath); err != nil {
		return err
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", appName+".service")
}

func (s *linuxService) writeUnit(execPath string) error {
	return writeTemplate(s.unitPath(), serviceTemplate, struct{ ExecutablePath string }{execPath})
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Not running is fine.
	_ = systemctl("disable", "--now", appName+".service")

	if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	return systemctl("daemon-reload")
}

func (s *linuxService) IsInstalled() bool {
	_, err := os.Stat(s.unitPath())
	return err == nil
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if err := systemctl("is-active", "--quiet", appName+".service"); err == nil {
		return "running (systemd)", nil
	}
	return "installed but not running", nil
}
