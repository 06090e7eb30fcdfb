package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"histd/internal/histfile"
	"histd/internal/importer"
	"histd/internal/ipc"
	"histd/internal/sqlindex"
)

func cmdImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	zshPath := fs.String("zsh", "", "zsh extended history file to import")
	plainPath := fs.String("plain", "", "plain (timestamp-less) history file to import")
	machine := fs.String("machine", "", "pseudo-machine name for the imported events")
	fs.Parse(args)

	if (*zshPath == "") == (*plainPath == "") {
		fatalf("import: exactly one of -zsh or -plain is required")
	}

	cfg := loadConfig()
	if cfg.Sync.Root == "" {
		fatalf("import: configure sync.root first; imported events are published there so every machine merges them")
	}

	source := *zshPath
	if source == "" {
		source = *plainPath
	}
	f, err := os.Open(source)
	if err != nil {
		fatalf("import: %v", err)
	}
	defer f.Close()

	var entries []importer.Entry
	if *zshPath != "" {
		entries, err = importer.ParseZsh(f)
	} else {
		// Plain history has no timestamps; date the entries well into
		// the past so they never shadow real recent history.
		entries, err = importer.ParsePlain(f, time.Unix(0, 0).UTC())
	}
	if err != nil {
		fatalf("import: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("nothing to import")
		return
	}

	name := *machine
	if name == "" {
		name = "imported-" + filepath.Base(source)
	}
	events := importer.Events(entries, name)

	// One import file per pseudo-machine; re-importing an unchanged
	// source rewrites identical events and merge dedups them.
	target := filepath.Join(cfg.Sync.Root, histfile.PublishName(name, events[0].StartTime))
	existing, err := filepath.Glob(filepath.Join(cfg.Sync.Root, "*"+histfile.Extension))
	if err == nil {
		for _, p := range existing {
			if histfile.MachineFromName(p) == name {
				target = p
				break
			}
		}
	}

	if err := histfile.Snapshot(target, name, events[0].StartTime, events); err != nil {
		fatalf("import: %v", err)
	}
	fmt.Printf("imported %d events as machine %q into %s\n", len(events), name, filepath.Base(target))

	// A running daemon picks the file up immediately; otherwise the
	// next daemon start merges it.
	if c, err := ipc.Dial(cfg.SocketPath()); err == nil {
		defer c.Close()
		if _, err := c.SyncNow(); err != nil && !errors.Is(err, ipc.ErrDaemonUnreachable) {
			fmt.Fprintf(os.Stderr, "histctl: sync after import failed: %v\n", err)
		}
	}
}

func cmdReindex() {
	cfg := loadConfig()

	ix, err := sqlindex.Open(cfg.IndexPath())
	if err != nil {
		fatalf("reindex: %v", err)
	}
	defer ix.Close()

	// Force a rebuild regardless of stored signatures by refreshing
	// against nothing first, then against the real sources.
	if _, err := ix.Refresh(nil); err != nil {
		fatalf("reindex: %v", err)
	}
	if _, err := ix.Refresh(indexSources(cfg)); err != nil {
		fatalf("reindex: %v", err)
	}

	n, err := ix.EventCount()
	if err != nil {
		fatalf("reindex: %v", err)
	}
	fmt.Printf("indexed %d events\n", n)
}
