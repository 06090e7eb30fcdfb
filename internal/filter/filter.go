// Package filter implements the ignore-filter configuration: a YAML
// file listing commands and patterns the user does not want to see in
// aggregated search results. The file is re-read when it changes on
// disk so a running daemon picks up edits without restart.
package filter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// FormatV1 is the only recognized filter file format.
const FormatV1 = "histd-filters-v1"

// DefaultContent seeds a fresh filter file with commented examples.
const DefaultContent = `format: histd-filters-v1
# Commands you do not want in aggregated search results (exact matches).
ignore-commands:
  - top
# Command patterns to hide (Go regular expressions, matched in full).
ignore-patterns:
  - ls(\s.*)?
`

type fileContent struct {
	Format         string   `yaml:"format"`
	IgnoreCommands []string `yaml:"ignore-commands"`
	IgnorePatterns []string `yaml:"ignore-patterns"`
}

// Filter decides whether an event is hidden from filtered views.
type Filter struct {
	mu       sync.RWMutex
	path     string
	revision int
	commands map[string]struct{}
	patterns []*regexp.Regexp

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New returns a filter backed by the YAML file at path. A missing file
// is treated as an empty filter.
func New(path string) *Filter {
	f := &Filter{
		path:     path,
		commands: make(map[string]struct{}),
	}
	f.Reload()
	return f
}

// WriteDefault creates the filter file with example content unless it
// already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(DefaultContent), 0600)
}

// Reload re-reads the filter file. A missing file clears the filter;
// a malformed file keeps the previous rules and returns the error.
func (f *Filter) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.set(make(map[string]struct{}), nil)
			return nil
		}
		return err
	}

	var content fileContent
	if err := yaml.Unmarshal(data, &content); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}
	if content.Format != FormatV1 {
		return fmt.Errorf("%s: unrecognized filter format %q", f.path, content.Format)
	}

	commands := make(map[string]struct{}, len(content.IgnoreCommands))
	for _, c := range content.IgnoreCommands {
		commands[c] = struct{}{}
	}
	patterns := make([]*regexp.Regexp, 0, len(content.IgnorePatterns))
	for _, p := range content.IgnorePatterns {
		re, err := regexp.Compile(`\A(?:` + p + `)\z`)
		if err != nil {
			return fmt.Errorf("%s: bad pattern %q: %w", f.path, p, err)
		}
		patterns = append(patterns, re)
	}

	f.set(commands, patterns)
	return nil
}

func (f *Filter) set(commands map[string]struct{}, patterns []*regexp.Regexp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = commands
	f.patterns = patterns
	f.revision++
}

// Revision increments whenever the rules change, letting callers
// invalidate caches built against an older rule set.
func (f *Filter) Revision() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.revision
}

// Hidden reports whether the command is filtered out.
func (f *Filter) Hidden(command string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.commands[command]; ok {
		return true
	}
	for _, re := range f.patterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// Watch re-reads the filter file whenever its directory reports a
// change. onError, if non-nil, receives reload failures.
func (f *Filter) Watch(onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch filter directory: %w", err)
	}

	f.watcher = watcher
	f.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != f.path {
					continue
				}
				if err := f.Reload(); err != nil && onError != nil {
					onError(err)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-f.done:
				return
			}
		}
	}()

	return nil
}

// Close stops watching. The filter itself remains usable.
func (f *Filter) Close() error {
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	if f.watcher != nil {
		err := f.watcher.Close()
		f.watcher = nil
		return err
	}
	return nil
}
