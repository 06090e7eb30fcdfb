// histd is the shell history daemon: it owns this machine's history
// file, keeps all known events in memory for fast search, answers
// front-end requests over a unix socket, and syncs with other
// machines through a shared replication root.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"histd/internal/config"
	"histd/internal/filter"
	"histd/internal/histfile"
	"histd/internal/ipc"
	"histd/internal/logging"
	"histd/internal/store"
	"histd/internal/syncer"
)

const version = "0.3.0"

var (
	configPath  = flag.String("config", "", "path to config file (default: config.toml under the histd home)")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("histd", version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "histd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *configPath
	if path == "" {
		path = config.Path()
	}
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return err
	}

	log, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	if created {
		log.Info("wrote default config", "path", path)
	}

	// Hot-reload the config file. Only the log level applies live;
	// identity and sync settings shape long-lived state and need a
	// restart.
	loader := config.NewLoader(path)
	loader.OnChange(func(next *config.Config) {
		if err := logging.SetLevel(next.Logging.Level); err != nil {
			log.Warn("reloaded config has a bad log level", "error", err)
			return
		}
		log.Info("configuration reloaded", "log_level", next.Logging.Level)
		if next.History.MachineID != cfg.History.MachineID || next.Sync.Root != cfg.Sync.Root {
			log.Warn("machine or sync settings changed, restart to apply")
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	} else {
		defer loader.Close()
		go func() {
			for err := range loader.Errors() {
				log.Warn("config reload failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir(), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// The machine file lock is the real single-instance guard; the
	// socket probe below only gives a friendlier error.
	local, err := histfile.Open(cfg.LocalPath(), cfg.History.MachineID)
	if err != nil {
		if errors.Is(err, histfile.ErrLocked) {
			return fmt.Errorf("another histd instance owns %s", cfg.LocalPath())
		}
		return err
	}
	defer local.Close()

	st := store.New(cfg.History.MachineID, local.LastSequence())
	res, err := histfile.Read(cfg.LocalPath())
	if err != nil {
		return fmt.Errorf("load local history: %w", err)
	}
	st.LoadLocal(res.Events)
	if res.Skipped > 0 {
		st.AddCorrupt(res.Skipped)
		log.Warn("local file has corrupt records", "count", res.Skipped)
	}
	log.Info("loaded local history",
		"machine", cfg.History.MachineID,
		"events", len(res.Events),
		"last_sequence", local.LastSequence())

	// Writer failures mean events would be acknowledged and then
	// lost, so the daemon exits instead of degrading silently.
	fatal := make(chan error, 1)
	writer := store.NewWriter(local, func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})

	if err := filter.WriteDefault(cfg.FiltersPath()); err != nil {
		log.Warn("cannot seed filter file", "error", err)
	}
	filters := filter.New(cfg.FiltersPath())
	if err := filters.Watch(func(err error) {
		log.Warn("filter reload failed", "error", err)
	}); err != nil {
		log.Warn("filter watch unavailable", "error", err)
	}
	defer filters.Close()

	engine := syncer.New(syncer.Config{
		Root:         cfg.Sync.Root,
		DataDir:      cfg.DataDir(),
		LocalPath:    cfg.LocalPath(),
		Interval:     cfg.SyncInterval(),
		RecentEvents: cfg.Sync.RecentEvents,
	}, st, log)
	engine.Start()
	defer engine.Stop()

	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	handler := &ipc.DaemonHandler{
		Version:    version,
		SocketPath: cfg.SocketPath(),
		StartedAt:  time.Now(),
		Store:      st,
		Writer:     writer,
		Filters:    filters,
		Log:        log,
		OnShutdown: func() {
			shutdownOnce.Do(func() { close(shutdown) })
		},
	}
	if cfg.Sync.Root != "" {
		handler.Sync = engine
	}

	server := ipc.NewServer(ipc.ServerConfig{SocketPath: cfg.SocketPath()}, handler, log)
	if err := server.Start(); err != nil {
		writer.Close()
		if errors.Is(err, ipc.ErrDaemonRunning) {
			return fmt.Errorf("daemon already running on %s", cfg.SocketPath())
		}
		return err
	}
	log.Info("listening", "socket", cfg.SocketPath(), "sync_root", cfg.Sync.Root)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		log.Info("shutting down", "signal", sig.String())
	case <-shutdown:
		log.Info("shutting down", "reason", "ipc request")
	case err := <-fatal:
		log.Error("history write failed, shutting down", "error", err)
		server.Stop()
		writer.Close()
		return err
	}

	// Stop accepting work, then drain the write queue so every
	// acknowledged event is on disk.
	server.Stop()
	writer.Close()
	log.Info("stopped")
	return nil
}
