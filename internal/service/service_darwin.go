//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	launchAgentLabel = "com.simplyprint.pcsc-relay"
	plistTemplate    = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>5</integer>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/pcsc-relay.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/pcsc-relay.err</string>
</dict>
</plist>
`
)

type darwinService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return darwinService{}
}

func (darwinService) plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (darwinService) logDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Logs", "PCSC-Relay")
}

func launchctl(args ...string) error {
	if out, err := exec.Command("launchctl", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("launchctl %s: %s: %w", args[0], string(out), err)
	}
	return nil
}

func (s darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}
	execPath, err := executablePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.logDir(), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	data := struct {
		Label          string
		ExecutablePath string
		LogDir         string
	}{launchAgentLabel, execPath, s.logDir()}
	if err := writeTemplate(s.plistPath(), plistTemplate, data); err != nil {
		return err
	}
	return launchctl("load", "-w", s.plistPath())
}

func (s darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}
	_ = launchctl("unload", "-w", s.plistPath()) // not loaded is fine

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}
	return nil
}

func (s darwinService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if err := launchctl("list", launchAgentLabel); err != nil {
		return "installed but not running", nil
	}
	return "running", nil
}
