// Package engine provides unit tests for the storage engines.
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kaiwk/kvs/internal/storage"
)

func openTestStore(t *testing.T, dir string, opts ...Option) *KVStore {
	t.Helper()
	store, err := Open(dir, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return store
}

// countFiles returns how many files in dir carry the given name prefix.
func countFiles(t *testing.T, dir, prefix string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	count := 0
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) {
			count++
		}
	}
	return count
}

func dirSize(t *testing.T, dir string) int64 {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var total int64
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			t.Fatalf("Info() error = %v", err)
		}
		total += info.Size()
	}
	return total
}

func TestKVStore_Basic(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	if err := store.Set("a", "1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	value, ok, err := store.Get("a")
	if err != nil || !ok || value != "1" {
		t.Fatalf("Get() = (%q, %v, %v), want (%q, true, nil)", value, ok, err, "1")
	}

	if err := store.Set("a", "2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	value, ok, err = store.Get("a")
	if err != nil || !ok || value != "2" {
		t.Fatalf("Get() after overwrite = (%q, %v, %v), want (%q, true, nil)", value, ok, err, "2")
	}

	if err := store.Remove("a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	_, ok, err = store.Get("a")
	if err != nil || ok {
		t.Fatalf("Get() after remove = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	err = store.Remove("a")
	if !IsNotFound(err) {
		t.Fatalf("Remove() of absent key error = %v, want NotFoundError", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Key != "a" {
		t.Fatalf("NotFoundError key = %v, want %q", err, "a")
	}
}

func TestKVStore_GetAbsent(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	_, ok, err := store.Get("never-set")
	if err != nil {
		t.Fatalf("Get() of absent key error = %v, want nil", err)
	}
	if ok {
		t.Fatal("Get() of absent key reported a hit")
	}
}

func TestKVStore_PersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, dir)
	if err := store.Set("k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Set("gone", "x"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Remove("gone"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	value, ok, err := reopened.Get("k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("Get() after reopen = (%q, %v, %v), want (%q, true, nil)", value, ok, err, "v")
	}
	_, ok, err = reopened.Get("gone")
	if err != nil || ok {
		t.Fatalf("removed key resurfaced after reopen: ok=%v err=%v", ok, err)
	}
}

func TestKVStore_Rotation(t *testing.T) {
	dir := t.TempDir()
	// A tiny file threshold forces rotation quickly; the huge directory
	// threshold keeps compaction out of this test.
	store := openTestStore(t, dir,
		WithFileThreshold(1024),
		WithDirThreshold(1<<30),
	)
	defer store.Close()

	keys := make(map[string]string)
	for i := 0; i < 256; i++ {
		key := fmt.Sprintf("key-%011d", i)
		value := fmt.Sprintf("val-%011d", i)
		keys[key] = value
		if err := store.Set(key, value); err != nil {
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}

	if got := countFiles(t, dir, storage.DataPrefix); got < 1 {
		t.Errorf("data segments after rotation = %d, want at least 1", got)
	}

	for key, want := range keys {
		value, ok, err := store.Get(key)
		if err != nil || !ok || value != want {
			t.Fatalf("Get(%s) = (%q, %v, %v), want (%q, true, nil)", key, value, ok, err, want)
		}
	}
}

func TestKVStore_RotationSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir,
		WithFileThreshold(512),
		WithDirThreshold(1<<30),
	)
	for i := 0; i < 64; i++ {
		if err := store.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopen has to replay the sealed segments, not just the active file.
	reopened := openTestStore(t, dir,
		WithFileThreshold(512),
		WithDirThreshold(1<<30),
	)
	defer reopened.Close()

	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("k%d", i)
		want := fmt.Sprintf("v%d", i)
		value, ok, err := reopened.Get(key)
		if err != nil || !ok || value != want {
			t.Fatalf("Get(%s) after reopen = (%q, %v, %v), want (%q, true, nil)", key, value, ok, err, want)
		}
	}
}

func TestKVStore_Compaction(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir,
		WithFileThreshold(2048),
		WithDirThreshold(8192),
	)
	defer store.Close()

	var last string
	for i := 0; i < 2000; i++ {
		last = fmt.Sprintf("value-%011d", i)
		if err := store.Set("x", last); err != nil {
			t.Fatalf("Set() #%d error = %v", i, err)
		}
	}

	// Dead records are reclaimed: the directory stays within a small
	// multiple of the threshold instead of growing with every write.
	if size := dirSize(t, dir); size > 4*8192 {
		t.Errorf("directory size after churn = %d, want below %d", size, 4*8192)
	}
	if got := countFiles(t, dir, storage.CompactPrefix); got != 1 {
		t.Errorf("compact files = %d, want exactly 1", got)
	}

	value, ok, err := store.Get("x")
	if err != nil || !ok || value != last {
		t.Fatalf("Get(x) = (%q, %v, %v), want (%q, true, nil)", value, ok, err, last)
	}
}

func TestKVStore_CompactionPreservesState(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir,
		WithFileThreshold(1<<30),
		WithDirThreshold(1<<30),
	)

	for i := 0; i < 20; i++ {
		if err := store.Set(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := store.Remove("k3"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	// Force a compaction between a prefix and a suffix of the workload.
	store.mu.Lock()
	err := store.compact()
	store.mu.Unlock()
	if err != nil {
		t.Fatalf("compact() error = %v", err)
	}

	if err := store.Set("k5", "updated"); err != nil {
		t.Fatalf("Set() after compaction error = %v", err)
	}

	checks := map[string]string{"k0": "v0", "k5": "updated", "k19": "v19"}
	for key, want := range checks {
		value, ok, err := store.Get(key)
		if err != nil || !ok || value != want {
			t.Fatalf("Get(%s) = (%q, %v, %v), want (%q, true, nil)", key, value, ok, err, want)
		}
	}
	_, ok, err := store.Get("k3")
	if err != nil || ok {
		t.Fatalf("removed key survived compaction: ok=%v err=%v", ok, err)
	}

	// And the compacted state survives a reopen.
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	reopened := openTestStore(t, dir)
	defer reopened.Close()
	value, ok, err := reopened.Get("k5")
	if err != nil || !ok || value != "updated" {
		t.Fatalf("Get(k5) after reopen = (%q, %v, %v), want (%q, true, nil)", value, ok, err, "updated")
	}
}

func TestKVStore_ConcurrentDisjointSets(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i)
				if err := store.Set(key, fmt.Sprintf("w%d-v%d", w, i)); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Set() error = %v", err)
	}

	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			key := fmt.Sprintf("w%d-k%d", w, i)
			want := fmt.Sprintf("w%d-v%d", w, i)
			value, ok, err := store.Get(key)
			if err != nil || !ok || value != want {
				t.Fatalf("Get(%s) = (%q, %v, %v), want (%q, true, nil)", key, value, ok, err, want)
			}
		}
	}
}

func TestKVStore_ConcurrentSameKeySets(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	defer store.Close()

	const workers = 8
	written := make(map[string]bool)
	for w := 0; w < workers; w++ {
		written[fmt.Sprintf("value-%d", w)] = true
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			if err := store.Set("shared", fmt.Sprintf("value-%d", w)); err != nil {
				t.Errorf("Set() error = %v", err)
			}
		}(w)
	}
	wg.Wait()

	value, ok, err := store.Get("shared")
	if err != nil || !ok {
		t.Fatalf("Get(shared) = (_, %v, %v), want a hit", ok, err)
	}
	if !written[value] {
		t.Errorf("Get(shared) = %q, not one of the written values", value)
	}
}

func TestKVStore_TornTailTruncated(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, dir)
	if err := store.Set("good", "value"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Simulate a crash mid-append: a partial record with no newline.
	activePath := filepath.Join(dir, storage.ActiveFileName)
	file, err := os.OpenFile(activePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := file.WriteString(`{"type":"set","key":"torn","va`); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	file.Close()

	reopened := openTestStore(t, dir)
	defer reopened.Close()

	value, ok, err := reopened.Get("good")
	if err != nil || !ok || value != "value" {
		t.Fatalf("Get(good) = (%q, %v, %v), want (%q, true, nil)", value, ok, err, "value")
	}
	_, ok, err = reopened.Get("torn")
	if err != nil || ok {
		t.Fatalf("torn record surfaced: ok=%v err=%v", ok, err)
	}

	// The torn bytes are gone; a new mutation lands cleanly after reopen.
	if err := reopened.Set("after", "crash"); err != nil {
		t.Fatalf("Set() after repair error = %v", err)
	}
	value, ok, err = reopened.Get("after")
	if err != nil || !ok || value != "crash" {
		t.Fatalf("Get(after) = (%q, %v, %v), want (%q, true, nil)", value, ok, err, "crash")
	}
}

func TestOpen_CorruptSegmentFails(t *testing.T) {
	dir := t.TempDir()

	store := openTestStore(t, dir,
		WithFileThreshold(64),
		WithDirThreshold(1<<30),
	)
	for i := 0; i < 8; i++ {
		if err := store.Set(fmt.Sprintf("k%d", i), "v"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Corrupt a sealed segment in the middle; recovery must refuse it.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	corrupted := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), storage.DataPrefix) {
			path := filepath.Join(dir, entry.Name())
			if err := os.WriteFile(path, []byte("garbage\nmore garbage\n"), 0644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			corrupted = true
			break
		}
	}
	if !corrupted {
		t.Skip("workload produced no sealed segment")
	}

	if _, err := Open(dir); err == nil {
		t.Fatal("Open() on a corrupt segment succeeded, want error")
	}
}
