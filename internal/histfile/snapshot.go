package histfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"histd/internal/history"
)

// Snapshot atomically (re)writes a machine file holding the given
// events: the new content is written to a temporary sibling, fsynced,
// and renamed over the destination, so a crash mid-write leaves the
// previous contents intact.
func Snapshot(path, machineID string, createdAt time.Time, events []history.Event) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := Header{FormatVersion: FormatV1, MachineID: machineID, CreatedAt: createdAt}
	if _, err := tmp.Write(marshalHeader(h)); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range events {
		if _, err := tmp.Write(marshalEvent(e)); err != nil {
			tmp.Close()
			return fmt.Errorf("write event: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// CopyPublish copies the local machine file into the replication root
// under its published name, atomically. src is read in full; a reader
// on another machine either sees the old complete file or the new one.
func CopyPublish(srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}

	dir := filepath.Dir(dstPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create replication root: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, dstPath)
}
