//go:build linux

package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stubSystemctl(t *testing.T, fail map[string]bool) *[]string {
	t.Helper()
	var calls []string
	orig := systemctl
	systemctl = func(args ...string) error {
		cmd := strings.Join(args, " ")
		calls = append(calls, cmd)
		if fail[args[0]] {
			return errors.New("exit status 3")
		}
		return nil
	}
	t.Cleanup(func() { systemctl = orig })
	return &calls
}

func TestInstallUninstall(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	calls := stubSystemctl(t, map[string]bool{"is-active": true})

	svc := New()
	if svc.IsInstalled() {
		t.Fatal("fresh config dir should have no unit")
	}
	if st, _ := svc.Status(); st != "not installed" {
		t.Errorf("Status() = %q", st)
	}

	if err := svc.Install(); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	unit, err := os.ReadFile(filepath.Join(dir, "systemd", "user", "pcsc-relay.service"))
	if err != nil {
		t.Fatalf("unit file not written: %v", err)
	}
	if !strings.Contains(string(unit), "ExecStart=/") || !strings.Contains(string(unit), "After=pcscd.service") {
		t.Errorf("unexpected unit file:\n%s", unit)
	}
	if err := svc.Install(); !errors.Is(err, ErrAlreadyInstalled) {
		t.Errorf("second Install() error = %v", err)
	}
	if st, _ := svc.Status(); st != "installed but not running" {
		t.Errorf("Status() = %q", st)
	}

	if err := svc.Uninstall(); err != nil {
		t.Fatalf("Uninstall() error: %v", err)
	}
	if svc.IsInstalled() {
		t.Error("unit still present after Uninstall")
	}
	if err := svc.Uninstall(); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second Uninstall() error = %v", err)
	}

	want := []string{
		"daemon-reload",
		"enable --now pcsc-relay.service",
		"is-active --quiet pcsc-relay.service",
		"disable --now pcsc-relay.service",
		"daemon-reload",
	}
	if strings.Join(*calls, "|") != strings.Join(want, "|") {
		t.Errorf("systemctl calls = %q, want %q", *calls, want)
	}
}
