// Package storage manages the on-disk layout of the key-value store: the
// single active log file, sealed data segments, compacted snapshots and
// the advisory lock that gives one process ownership of the directory.
package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// File naming scheme inside a store directory. The active file receives
// every new mutation; rotation renames it to a data segment and compaction
// writes a fresh compact snapshot. Only these prefixes are owned (and
// deleted) by the store.
const (
	ActiveFileName = "db.log"
	DataPrefix     = "data-"
	CompactPrefix  = "compact-"
	LockFileName   = "kvs.lock"

	// NominalCompactName is the placeholder compact path used when the
	// directory holds no compact file yet.
	NominalCompactName = "compact.log"
)

// LogDir owns the files of one store directory. It does not serialize
// callers; the engine holds its write guard across any sequence of
// mutating calls.
type LogDir struct {
	dir       string
	active    *os.File
	lock      *flock.Flock
	lastStamp int64
}

// OpenDir takes ownership of the store rooted at dir, creating it if
// needed, and opens (or creates) the active file in append+read mode.
// A second process opening the same directory fails on the advisory lock.
func OpenDir(dir string) (*LogDir, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock on %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("directory %s is locked by another process", dir)
	}

	d := &LogDir{dir: dir, lock: lock}
	if err := d.openActive(); err != nil {
		lock.Unlock()
		return nil, err
	}

	slog.Debug("storage: directory opened",
		"dir", dir,
		"active", d.ActivePath())
	return d, nil
}

func (d *LogDir) openActive() error {
	path := d.ActivePath()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file at %s: %w", path, err)
	}
	d.active = file
	return nil
}

// Dir returns the store directory path.
func (d *LogDir) Dir() string { return d.dir }

// ActivePath returns the path of the active log file.
func (d *LogDir) ActivePath() string {
	return filepath.Join(d.dir, ActiveFileName)
}

// ActiveSize returns the current size of the active file in bytes.
func (d *LogDir) ActiveSize() (int64, error) {
	stat, err := d.active.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat active file: %w", err)
	}
	return stat.Size(), nil
}

// Append writes data to the end of the active file and syncs it to disk.
// It returns the byte offset at which the write started, which is the
// active file size before the append. The caller serializes appends.
func (d *LogDir) Append(data []byte) (int64, error) {
	offset, err := d.ActiveSize()
	if err != nil {
		return 0, err
	}

	if _, err := d.active.Write(data); err != nil {
		return 0, fmt.Errorf("failed to append to active file at offset %d: %w", offset, err)
	}
	if err := d.active.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync active file: %w", err)
	}

	slog.Debug("storage: record appended",
		"offset", offset,
		"size", len(data))
	return offset, nil
}

// TruncateActive cuts the active file down to size bytes and syncs it.
// Recovery uses it to drop a torn trailing record.
func (d *LogDir) TruncateActive(size int64) error {
	if err := d.active.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate active file to %d bytes: %w", size, err)
	}
	if err := d.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync active file after truncate: %w", err)
	}
	slog.Warn("storage: active file truncated",
		"size", size)
	return nil
}

// ResetActive empties the active file. Compaction calls it after the live
// records have been rewritten into a compact snapshot.
func (d *LogDir) ResetActive() error {
	return d.TruncateActive(0)
}

// Seal rotates the active file: it is renamed to a fresh data segment and
// a new empty active file is opened in its place. Returns the path of the
// sealed segment.
func (d *LogDir) Seal() (string, error) {
	sealed := filepath.Join(d.dir, fmt.Sprintf("%s%d.log", DataPrefix, d.nextStamp()))

	if err := d.active.Close(); err != nil {
		return "", fmt.Errorf("failed to close active file before seal: %w", err)
	}
	if err := os.Rename(d.ActivePath(), sealed); err != nil {
		return "", fmt.Errorf("failed to seal active file as %s: %w", sealed, err)
	}
	if err := d.openActive(); err != nil {
		return "", err
	}

	slog.Info("storage: active file sealed",
		"segment", filepath.Base(sealed))
	return sealed, nil
}

// NextCompactPath returns the path a new compact snapshot should be
// written to. Each call yields a strictly newer name.
func (d *LogDir) NextCompactPath() string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%d.log", CompactPrefix, d.nextStamp()))
}

// nextStamp returns a millisecond timestamp that is strictly greater than
// any stamp previously handed out by this LogDir, so two rotations within
// the same millisecond cannot collide on a name.
func (d *LogDir) nextStamp() int64 {
	now := time.Now().UnixMilli()
	if now <= d.lastStamp {
		now = d.lastStamp + 1
	}
	d.lastStamp = now
	return now
}

// LatestCompactPath returns the newest compact snapshot in the directory.
// The stamp suffix grows monotonically, so the lexicographically greatest
// name is the newest. When no compact file exists the nominal path is
// returned with ok=false.
func (d *LogDir) LatestCompactPath() (string, bool, error) {
	names, err := d.list(CompactPrefix)
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return filepath.Join(d.dir, NominalCompactName), false, nil
	}
	return filepath.Join(d.dir, names[len(names)-1]), true, nil
}

// DataSegments returns the paths of all sealed data segments in filename
// order, oldest first.
func (d *LogDir) DataSegments() ([]string, error) {
	names, err := d.list(DataPrefix)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(d.dir, name))
	}
	return paths, nil
}

func (d *LogDir) list(prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", d.dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// TotalSize returns the combined size in bytes of every file in the store
// directory. The compaction trigger compares it against the directory
// threshold.
func (d *LogDir) TotalSize() (int64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read directory %s: %w", d.dir, err)
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", entry.Name(), err)
		}
		total += info.Size()
	}
	return total, nil
}

// RemoveStale deletes every data segment and compact snapshot except the
// file at keep. Compaction calls it after the new snapshot is durable.
func (d *LogDir) RemoveStale(keep string) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", d.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, CompactPrefix) && !strings.HasPrefix(name, DataPrefix) &&
			name != NominalCompactName {
			continue
		}
		path := filepath.Join(d.dir, name)
		if path == keep {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale file %s: %w", path, err)
		}
		slog.Debug("storage: stale file removed",
			"file", name)
	}
	return nil
}

// ReadRecordAt reads the single newline-terminated record starting at
// offset in the file at path. The trailing newline is stripped. Reads go
// through a fresh handle so they never disturb the append position of the
// active file.
func (d *LogDir) ReadRecordAt(path string, offset int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek to offset %d in %s: %w", offset, path, err)
	}

	line, err := bufio.NewReader(file).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read record at offset %d in %s: %w", offset, path, err)
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("failed to read record at offset %d in %s: %w", offset, path, io.ErrUnexpectedEOF)
	}
	return bytes.TrimSuffix(line, []byte("\n")), nil
}

// WriteFileSync writes data to a new file at path and syncs it before
// returning. Compaction uses it to make the snapshot durable before any
// stale file is deleted.
func WriteFileSync(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// Close releases the active file handle and the directory lock.
func (d *LogDir) Close() error {
	slog.Debug("storage: closing directory",
		"dir", d.dir)

	if err := d.active.Close(); err != nil {
		d.lock.Unlock()
		return fmt.Errorf("failed to close active file: %w", err)
	}
	if err := d.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to release directory lock: %w", err)
	}
	return nil
}
