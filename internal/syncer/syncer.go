// Package syncer bridges the single-writer-per-file model across
// machines. It discovers machine files under a replication root (a
// synchronized folder or checked-out repository), merges newly seen
// foreign events into the store, and publishes the local machine's own
// files so other machines can pick them up. No locking is involved:
// exactly one machine ever writes a given file, and merging is
// idempotent, so a partially transferred file heals on the next cycle.
package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"histd/internal/histfile"
	"histd/internal/store"

	"github.com/fsnotify/fsnotify"
)

// ErrRootUnavailable marks a missing or unreadable replication root.
// The engine degrades to local-only operation and retries next tick.
var ErrRootUnavailable = errors.New("syncer: replication root unavailable")

// publishStateFile remembers the published file name across restarts
// so the root does not accumulate one file per daemon start.
const publishStateFile = "publish.name"

// Config configures the sync engine.
type Config struct {
	Root         string        // replication root; empty disables syncing
	DataDir      string        // local data directory
	LocalPath    string        // local machine file (source of truth)
	Interval     time.Duration // periodic sync interval
	RecentEvents int           // bounded size of the published recent file
}

// Engine runs sync cycles on a timer, on filesystem activity under the
// root, and on demand.
type Engine struct {
	cfg   Config
	store *store.Store
	log   *slog.Logger

	mu           sync.Mutex // serializes cycles
	readers      map[string]*histfile.Reader
	publishName  string
	archiveCount int // local events in the last published archive
	warnedRoot   bool

	trigger chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a sync engine. The store must already hold the local
// machine's events.
func New(cfg Config, st *store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		log:     log.With("component", "syncer"),
		readers: make(map[string]*histfile.Reader),
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic loop and, when possible, a filesystem
// watch on the root so foreign updates merge promptly.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop terminates the background loop after any in-flight cycle.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

// Trigger requests an asynchronous sync cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()

	if e.cfg.Root == "" {
		e.log.Info("no replication root configured, local-only mode")
		return
	}

	interval := e.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	watchEvents := e.watchRoot()

	// Initial cycle so a fresh daemon converges without waiting a
	// full interval.
	e.syncOnce()

	var debounce <-chan time.Time
	for {
		select {
		case <-ticker.C:
			e.syncOnce()
		case <-e.trigger:
			e.syncOnce()
		case ev, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if !strings.HasSuffix(ev.Name, histfile.Extension) {
				continue
			}
			// Sync tools fire bursts of events; coalesce them.
			debounce = time.After(2 * time.Second)
		case <-debounce:
			debounce = nil
			e.syncOnce()
		case <-e.done:
			return
		}
	}
}

// watchRoot sets up an fsnotify watch on the replication root; a root
// that cannot be watched (network mount, not yet created) just means
// we fall back to the timer.
func (e *Engine) watchRoot() <-chan fsnotify.Event {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.log.Warn("filesystem watch unavailable", "error", err)
		return nil
	}
	if err := watcher.Add(e.cfg.Root); err != nil {
		e.log.Warn("cannot watch replication root", "root", e.cfg.Root, "error", err)
		watcher.Close()
		return nil
	}
	go func() {
		<-e.done
		watcher.Close()
	}()
	go func() {
		for range watcher.Errors {
		}
	}()
	return watcher.Events
}

func (e *Engine) syncOnce() {
	if err := e.Sync(); err != nil && !errors.Is(err, ErrRootUnavailable) {
		e.log.Warn("sync cycle failed", "error", err)
	}
}

// Sync runs one full cycle synchronously: merge foreign files, then
// publish local state. Callers may invoke it directly (sync-now).
func (e *Engine) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.Root == "" {
		return nil
	}

	if _, err := os.Stat(e.cfg.Root); err != nil {
		if !e.warnedRoot {
			e.log.Warn("replication root unavailable, staying local-only", "root", e.cfg.Root, "error", err)
			e.warnedRoot = true
		}
		return ErrRootUnavailable
	}
	e.warnedRoot = false

	// The publish name must be known before merging so the cycle
	// does not read back this machine's own published files.
	if _, err := e.ensurePublishName(); err != nil {
		return err
	}

	if err := e.mergeForeign(); err != nil {
		return err
	}
	if err := e.publish(); err != nil {
		return err
	}

	e.store.SetLastSync(time.Now().UTC())
	return nil
}

// mergeForeign reads the unmerged suffix of every foreign machine file
// under the root, tracked by per-file byte watermarks.
func (e *Engine) mergeForeign() error {
	names, err := filepath.Glob(filepath.Join(e.cfg.Root, "*"+histfile.Extension))
	if err != nil {
		return fmt.Errorf("enumerate root: %w", err)
	}

	own := e.ownNames()

	for _, path := range names {
		if own[filepath.Base(path)] {
			continue
		}

		r, ok := e.readers[path]
		if !ok {
			// First sighting: the header must match the machine id in
			// the published name, or the file was renamed or copied
			// across machines and its events would be misattributed.
			if err := histfile.VerifyOwnership(path); err != nil {
				if !os.IsNotExist(err) {
					e.log.Warn("ignoring machine file", "file", path, "error", err)
				}
				continue
			}
			r = histfile.NewReader(path)
			e.readers[path] = r
		}

		before := r.Skipped()
		events, err := r.Next()
		switch {
		case errors.Is(err, histfile.ErrFileReplaced):
			// Rewritten under us (archive compaction or sync-tool
			// transfer); the reset reader re-reads next cycle and
			// idempotent merge absorbs the overlap.
			e.Trigger()
			continue
		case errors.Is(err, histfile.ErrUnsupportedFormat):
			e.log.Warn("skipping machine file with newer format", "file", path)
			delete(e.readers, path)
			continue
		case os.IsNotExist(err):
			delete(e.readers, path)
			continue
		case err != nil:
			e.log.Warn("cannot read machine file", "file", path, "error", err)
			continue
		}

		if skipped := r.Skipped() - before; skipped > 0 {
			e.store.AddCorrupt(skipped)
			e.log.Warn("skipped corrupt records", "file", path, "count", skipped)
		}
		if len(events) > 0 {
			added := e.store.MergeForeign(events)
			e.log.Debug("merged foreign events", "file", filepath.Base(path), "new", added)
		}
	}
	return nil
}

// publish refreshes this machine's files under the root: a bounded
// recent file every cycle, plus the unbounded archive when it grew.
func (e *Engine) publish() error {
	name, err := e.ensurePublishName()
	if err != nil {
		return err
	}

	local := e.store.LocalEvents()

	recent := local
	if max := e.cfg.RecentEvents; max > 0 && len(recent) > max {
		recent = recent[len(recent)-max:]
	}

	created := time.Now().UTC()
	if res, err := histfile.Read(e.cfg.LocalPath); err == nil {
		created = res.Header.CreatedAt
	}

	machine := e.store.Machine()
	if err := histfile.Snapshot(filepath.Join(e.cfg.Root, name), machine, created, recent); err != nil {
		return fmt.Errorf("publish recent file: %w", err)
	}

	archived := len(local) - len(recent)
	if archived > 0 && archived != e.archiveCount {
		// The local file already is the full archive; copy it verbatim
		// instead of re-marshaling every event.
		archiveName := strings.TrimSuffix(name, histfile.Extension) + ".archive" + histfile.Extension
		if err := histfile.CopyPublish(e.cfg.LocalPath, filepath.Join(e.cfg.Root, archiveName)); err != nil {
			return fmt.Errorf("publish archive file: %w", err)
		}
		e.archiveCount = archived
	}
	return nil
}

// ownNames returns the base names this machine publishes, so the merge
// pass does not read back its own files.
func (e *Engine) ownNames() map[string]bool {
	own := make(map[string]bool, 2)
	if e.publishName != "" {
		own[e.publishName] = true
		own[strings.TrimSuffix(e.publishName, histfile.Extension)+".archive"+histfile.Extension] = true
	}
	return own
}

// ensurePublishName loads or mints the stable published file name.
func (e *Engine) ensurePublishName() (string, error) {
	if e.publishName != "" {
		return e.publishName, nil
	}

	statePath := filepath.Join(e.cfg.DataDir, publishStateFile)
	if data, err := os.ReadFile(statePath); err == nil {
		name := strings.TrimSpace(string(data))
		if name != "" {
			e.publishName = name
			return name, nil
		}
	}

	created := time.Now().UTC()
	if res, err := histfile.Read(e.cfg.LocalPath); err == nil {
		created = res.Header.CreatedAt
	}
	name := histfile.PublishName(e.store.Machine(), created)

	if err := os.WriteFile(statePath, []byte(name+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist publish name: %w", err)
	}
	e.publishName = name
	return name, nil
}
