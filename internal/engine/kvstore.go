package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kaiwk/kvs/internal/config"
	"github.com/kaiwk/kvs/internal/format"
	"github.com/kaiwk/kvs/internal/storage"
)

// logPointer identifies the first byte of a record in some log file.
// Following the pointer and decoding the line yields the current value of
// the key it is stored under.
type logPointer struct {
	path   string
	offset int64
}

// KVStore is the log-structured engine. Every mutation is appended to the
// active file and synced before it is acknowledged; an in-memory key
// directory maps each live key to the offset of its latest set record.
//
// Two guards protect shared state: mu serializes writers (appends,
// rotation, compaction) and dirMu protects the key directory. mu is always
// acquired before dirMu.
type KVStore struct {
	mu     sync.Mutex
	dirMu  sync.RWMutex
	keydir map[string]logPointer

	logdir *storage.LogDir

	fileThreshold int64 // active file size that triggers rotation
	dirThreshold  int64 // total directory size that triggers compaction
}

// Option adjusts the tuning parameters of a KVStore.
type Option func(*KVStore)

// WithFileThreshold sets the active file size at which rotation runs.
func WithFileThreshold(n int64) Option {
	return func(s *KVStore) {
		if n > 0 {
			s.fileThreshold = n
		}
	}
}

// WithDirThreshold sets the total directory size at which compaction runs.
func WithDirThreshold(n int64) Option {
	return func(s *KVStore) {
		if n > 0 {
			s.dirThreshold = n
		}
	}
}

// Open opens or creates the store rooted at dir and recovers the key
// directory from the log files: the newest compact snapshot first, then
// every sealed data segment in name order, then the active file. A torn
// trailing record in the active file is truncated away.
func Open(dir string, opts ...Option) (*KVStore, error) {
	logdir, err := storage.OpenDir(dir)
	if err != nil {
		return nil, err
	}

	store := &KVStore{
		keydir:        make(map[string]logPointer),
		logdir:        logdir,
		fileThreshold: config.DefaultFileThreshold,
		dirThreshold:  config.DefaultDirThreshold,
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.recover(); err != nil {
		logdir.Close()
		return nil, err
	}

	store.dirMu.RLock()
	keys := len(store.keydir)
	store.dirMu.RUnlock()
	slog.Info("engine: store opened",
		"dir", dir,
		"keys", keys)
	return store, nil
}

// recover rebuilds the key directory from disk.
func (s *KVStore) recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	compactPath, exists, err := s.logdir.LatestCompactPath()
	if err != nil {
		return err
	}
	if exists {
		if err := s.scanLocked(compactPath, false); err != nil {
			return err
		}
	}

	segments, err := s.logdir.DataSegments()
	if err != nil {
		return err
	}
	for _, segment := range segments {
		if err := s.scanLocked(segment, false); err != nil {
			return err
		}
	}

	return s.scanLocked(s.logdir.ActivePath(), true)
}

// scanLocked replays the log file at path into the key directory. Set
// records insert a pointer to the start of their line, remove records
// erase the key. With repairTail set (the active file), an unterminated
// trailing record, or a malformed record that is the last line of the
// file, ends the scan by cutting the file back to the start of that
// record; any other bad record is a hard error. Both mu and dirMu must be
// held exclusively.
func (s *KVStore) scanLocked(path string, repairTail bool) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for scan: %w", path, err)
	}
	defer file.Close()

	scanner := format.NewScanner(file)
	for {
		entry, offset, err := scanner.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			torn := errors.Is(err, format.ErrTruncatedEntry)
			if repairTail && !torn && errors.Is(err, format.ErrMalformedEntry) {
				// A malformed line is only a torn tail when nothing follows it.
				_, _, after := scanner.Next()
				torn = after == io.EOF
			}
			if repairTail && torn {
				slog.Warn("engine: dropping torn record at end of active file",
					"offset", offset,
					"error", err)
				return s.logdir.TruncateActive(offset)
			}
			return fmt.Errorf("scan of %s failed: %w", path, err)
		}

		if entry.IsSet() {
			s.keydir[entry.Key] = logPointer{path: path, offset: offset}
		} else {
			delete(s.keydir, entry.Key)
		}
	}
}

// Set durably records that key maps to value. The write guard is held
// across append, sync and directory update so the recorded offset always
// equals the pre-append length of the active file.
func (s *KVStore) Set(key, value string) error {
	data, err := format.NewSet(key, value).Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	offset, err := s.logdir.Append(data)
	if err != nil {
		return err
	}

	s.dirMu.Lock()
	s.keydir[key] = logPointer{path: s.logdir.ActivePath(), offset: offset}
	s.dirMu.Unlock()

	slog.Debug("set: success",
		"key", key,
		"offset", offset,
		"value_size", len(value))

	if offset+int64(len(data)) > s.fileThreshold {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	total, err := s.logdir.TotalSize()
	if err != nil {
		return err
	}
	if total > s.dirThreshold {
		if err := s.compact(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the current value for key by following the directory
// pointer into its log file. An absent key yields ok=false, not an error.
func (s *KVStore) Get(key string) (string, bool, error) {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()

	ptr, ok := s.keydir[key]
	if !ok {
		slog.Debug("get: key not found",
			"key", key)
		return "", false, nil
	}

	line, err := s.logdir.ReadRecordAt(ptr.path, ptr.offset)
	if err != nil {
		return "", false, err
	}

	entry, err := format.Decode(line)
	if err != nil {
		return "", false, fmt.Errorf("failed to decode record for key %s: %w", key, err)
	}
	if !entry.IsSet() {
		return "", false, fmt.Errorf("%w: key %s at %s offset %d", ErrCorruptRecord, key, ptr.path, ptr.offset)
	}

	slog.Debug("get: success",
		"key", key,
		"value_size", len(entry.Value))
	return entry.Value, true, nil
}

// Remove deletes key by appending a tombstone. Removing an absent key
// fails with a *NotFoundError and writes nothing.
func (s *KVStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirMu.RLock()
	_, ok := s.keydir[key]
	s.dirMu.RUnlock()
	if !ok {
		return &NotFoundError{Key: key}
	}

	data, err := format.NewRemove(key).Encode()
	if err != nil {
		return err
	}
	offset, err := s.logdir.Append(data)
	if err != nil {
		return err
	}

	s.dirMu.Lock()
	delete(s.keydir, key)
	s.dirMu.Unlock()

	slog.Debug("remove: success",
		"key", key,
		"offset", offset)
	return nil
}

// rotate seals the active file under a data segment name, rescans the
// sealed file so pointers into it carry the new path, and opens a fresh
// active file. The caller holds mu.
func (s *KVStore) rotate() error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	sealed, err := s.logdir.Seal()
	if err != nil {
		return err
	}
	return s.scanLocked(sealed, false)
}

// compact rewrites one set record per live key into a new compact
// snapshot, deletes every stale segment and snapshot, empties the active
// file and rebuilds the key directory from the snapshot. It runs under
// both guards, so at most one compaction is ever in progress and no reader
// holds a pointer into a file being deleted. The caller holds mu.
func (s *KVStore) compact() error {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	compactPath := s.logdir.NextCompactPath()

	var buf bytes.Buffer
	for key, ptr := range s.keydir {
		line, err := s.logdir.ReadRecordAt(ptr.path, ptr.offset)
		if err != nil {
			return err
		}
		entry, err := format.Decode(line)
		if err != nil {
			return fmt.Errorf("failed to decode record for key %s during compaction: %w", key, err)
		}
		if !entry.IsSet() {
			return fmt.Errorf("%w: key %s at %s offset %d", ErrCorruptRecord, key, ptr.path, ptr.offset)
		}

		data, err := format.NewSet(key, entry.Value).Encode()
		if err != nil {
			return err
		}
		buf.Write(data)
	}

	if err := storage.WriteFileSync(compactPath, buf.Bytes()); err != nil {
		return err
	}
	if err := s.logdir.RemoveStale(compactPath); err != nil {
		return err
	}

	clear(s.keydir)
	if err := s.logdir.ResetActive(); err != nil {
		return err
	}
	if err := s.scanLocked(compactPath, false); err != nil {
		return err
	}

	slog.Info("engine: compaction complete",
		"snapshot", compactPath,
		"keys", len(s.keydir))
	return nil
}

// Close releases the active file and the directory lock. It does not
// flush anything; every acknowledged mutation is already on disk.
func (s *KVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logdir.Close()
}
