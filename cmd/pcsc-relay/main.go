package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/SimplyPrint/smartcard/backend"
	"github.com/SimplyPrint/smartcard/internal/logging"
	"github.com/SimplyPrint/smartcard/internal/service"
	"github.com/SimplyPrint/smartcard/internal/settings"
	"github.com/SimplyPrint/smartcard/pcsc/relay"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			GitCommit = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if GitCommit != "" {
		Version = "dev-" + GitCommit[:min(7, len(GitCommit))]
		if modified {
			Version += "-dirty"
		}
	}
}

type options struct {
	listen   string
	backend  string
	relayURL string
	logFile  string
	logLevel string
}

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	var opts options
	flag.StringVar(&opts.listen, "listen", "", "Address to serve the relay on (default from settings, 127.0.0.1:32146)")
	flag.StringVar(&opts.backend, "backend", "", "Backend to relay: pcsc, mock or relay")
	flag.StringVar(&opts.relayURL, "relay-url", "", "Upstream relay URL when -backend=relay")
	flag.StringVar(&opts.logFile, "log-file", "", "Write logs to this file, rotated at 20MB")
	flag.StringVar(&opts.logLevel, "log-level", "", "Minimum log level: debug, info, warn, error")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "PC/SC Relay - share local smart card readers over a websocket\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  pcsc-relay [flags]\n")
		fmt.Fprintf(os.Stderr, "  pcsc-relay <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  status      Show auto-start service status\n")
		fmt.Fprintf(os.Stderr, "  crashes     List recent crash logs\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  %-22s Backend override (pcsc, mock, relay)\n", backend.EnvBackend)
		fmt.Fprintf(os.Stderr, "  %-22s Upstream relay URL\n", backend.EnvRelayURL)
		fmt.Fprintf(os.Stderr, "  %-22s Settings file location\n", "SMARTCARD_SETTINGS")
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	if args := flag.Args(); len(args) > 0 {
		if err := runCommand(args[0]); err != nil {
			log.Fatal(err)
		}
		return
	}

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func printVersion() {
	fmt.Printf("pcsc-relay %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
	fmt.Printf("Git commit: %s\n", GitCommit)
}

func runCommand(name string) error {
	svc := service.New()
	switch name {
	case "version":
		printVersion()
	case "install":
		if err := svc.Install(); err != nil {
			return fmt.Errorf("failed to install service: %w", err)
		}
		fmt.Println("Auto-start service installed successfully")
	case "uninstall":
		if err := svc.Uninstall(); err != nil {
			return fmt.Errorf("failed to uninstall service: %w", err)
		}
		fmt.Println("Auto-start service removed successfully")
	case "status":
		st, err := svc.Status()
		if err != nil {
			return err
		}
		fmt.Println(st)
	case "crashes":
		return listCrashes()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
		flag.Usage()
		os.Exit(1)
	}
	return nil
}

func listCrashes() error {
	logs, err := logging.GetCrashLogs(20)
	if err != nil {
		return fmt.Errorf("failed to list crash logs: %w", err)
	}
	if len(logs) == 0 {
		fmt.Printf("No crash logs in %s\n", logging.CrashLogDir())
		return nil
	}
	for _, l := range logs {
		fmt.Printf("%s  %7d bytes  %s\n", l.ModTime.Format(time.RFC3339), l.Size, l.Path)
	}
	return nil
}

// resolve merges persisted settings with command-line flags; flags win.
func resolve(s *settings.Settings, opts options) (backend.Config, string, logging.Level) {
	cfg := backend.FromSettings(s)
	if opts.backend != "" {
		cfg.Kind = backend.Kind(strings.ToLower(opts.backend))
	}
	if opts.relayURL != "" {
		cfg.RelayURL = opts.relayURL
	}

	listen := s.ListenAddr
	if opts.listen != "" {
		listen = opts.listen
	}

	levelName := s.LogLevel
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, ok := logging.ParseLevel(levelName)
	if !ok {
		level = logging.LevelInfo
	}
	return cfg, listen, level
}

func run(opts options) error {
	defer logging.RecoverAndLog("main", true)

	s, err := settings.Load()
	if err != nil {
		log.Printf("Failed to load settings, using defaults: %v", err)
	}
	cfg, listen, level := resolve(s, opts)

	logging.Init(1000, level)
	logFile := s.LogFile
	if opts.logFile != "" {
		logFile = opts.logFile
	}
	if logFile != "" {
		logging.Get().SetFile(logFile)
	} else {
		logging.Get().SetOutput(os.Stderr)
	}
	defer logging.Get().Close()

	if logging.InitSentry(Version, s.SentryDSN, s.CrashReporting) {
		defer logging.FlushSentry(2 * time.Second)
	}

	logging.Info(logging.CatSystem, "PC/SC relay starting", map[string]any{
		"version": Version,
		"backend": string(cfg.Kind),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	driver, err := backend.Open(dialCtx, cfg)
	cancel()
	if err != nil {
		logging.CaptureError(err, "open backend", map[string]any{"backend": string(cfg.Kind)})
		return fmt.Errorf("failed to open %s backend: %w", cfg.Kind, err)
	}
	defer backend.Close(driver)

	relaySrv := relay.NewServer(driver, Version).AllowOrigins(s.AllowedOrigins...)
	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           relaySrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("pcsc-relay %s listening on ws://%s/v1/relay\n", Version, listen)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": listen,
		})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{
			"error": err.Error(),
		})
	}
	// Hijacked relay connections are not covered by Shutdown.
	relaySrv.Close()

	logging.Info(logging.CatSystem, "PC/SC relay stopped", nil)
	return nil
}
