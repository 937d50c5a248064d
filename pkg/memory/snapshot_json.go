package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dotsetgreg/dotmem/pkg/logger"
)

const (
	hotFileName      = "memory_short_term.json"
	warmFileName     = "memory_mid_term.json"
	coldFileName     = "memory_long_term.json"
	metadataFileName = "memory_metadata.json"

	currentFileName = "memory_current"
	generationsDir  = "snapshots"
)

var tierFileNames = map[Tier]string{
	TierHot:  hotFileName,
	TierWarm: warmFileName,
	TierCold: coldFileName,
}

// FileSnapshotStore persists snapshots as four JSON files. Each Save writes a
// fresh generation directory under snapshots/ and then switches the
// memory_current pointer file to it with a single rename, so readers only
// ever see a complete generation. A directory holding the four files directly
// and no pointer is read as-is.
type FileSnapshotStore struct {
	dir string
}

func NewFileSnapshotStore(dir string) *FileSnapshotStore {
	return &FileSnapshotStore{dir: dir}
}

func (s *FileSnapshotStore) Dir() string { return s.dir }

func (s *FileSnapshotStore) Close() error { return nil }

// CurrentDir returns the directory holding the live generation, or the store
// root when no generation has been committed.
func (s *FileSnapshotStore) CurrentDir() string {
	data, err := os.ReadFile(filepath.Join(s.dir, currentFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return s.dir
	}
	if err != nil {
		logger.WarnCF("memory", "Snapshot pointer unreadable, using store root", map[string]any{
			"path":  filepath.Join(s.dir, currentFileName),
			"error": err.Error(),
		})
		return s.dir
	}
	name := strings.TrimSpace(string(data))
	if name == "" || name != filepath.Base(name) {
		logger.WarnCF("memory", "Snapshot pointer malformed, using store root", map[string]any{
			"pointer": name,
		})
		return s.dir
	}
	gen := filepath.Join(s.dir, generationsDir, name)
	if info, err := os.Stat(gen); err != nil || !info.IsDir() {
		logger.WarnCF("memory", "Snapshot generation missing, using store root", map[string]any{
			"generation": gen,
		})
		return s.dir
	}
	return gen
}

// Load reads every file of the live generation independently. A missing file
// is an empty tier; an unparsable one is logged and treated as empty.
func (s *FileSnapshotStore) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	dir := s.CurrentDir()

	var snap Snapshot
	for _, t := range Tiers {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		records := []Record{}
		if readJSON(dir, tierFileNames[t], &records) {
			switch t {
			case TierHot:
				snap.Hot = records
			case TierWarm:
				snap.Warm = records
			case TierCold:
				snap.Cold = records
			}
		}
	}
	var meta Metadata
	if readJSON(dir, metadataFileName, &meta) {
		snap.Meta = meta
	}
	return snap, nil
}

func readJSON(dir, name string, v any) bool {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		logger.WarnCF("memory", "Snapshot file unreadable, starting empty", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logger.WarnCF("memory", "Snapshot file unparsable, starting empty", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// Save writes a complete generation and commits it by renaming the pointer
// file. Any failure before that rename removes the partial generation and
// leaves the previous snapshot as the one Load returns.
func (s *FileSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	root := filepath.Join(s.dir, generationsDir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return newPersistenceError("save", s.dir, fmt.Errorf("create snapshot dir: %w", err))
	}
	gen, err := os.MkdirTemp(root, "gen-*")
	if err != nil {
		return newPersistenceError("save", root, fmt.Errorf("create generation: %w", err))
	}
	abandon := func() { _ = os.RemoveAll(gen) }

	payloads := []struct {
		name string
		v    any
	}{
		{hotFileName, nonNil(snap.Hot)},
		{warmFileName, nonNil(snap.Warm)},
		{coldFileName, nonNil(snap.Cold)},
		{metadataFileName, snap.Meta},
	}
	for _, p := range payloads {
		if err := ctx.Err(); err != nil {
			abandon()
			return newPersistenceError("save", gen, err)
		}
		data, err := json.MarshalIndent(p.v, "", "  ")
		if err != nil {
			abandon()
			return newPersistenceError("save", filepath.Join(gen, p.name), fmt.Errorf("encode: %w", err))
		}
		if err := writeSynced(filepath.Join(gen, p.name), data); err != nil {
			abandon()
			return newPersistenceError("save", filepath.Join(gen, p.name), err)
		}
	}
	syncDir(gen)

	if err := ctx.Err(); err != nil {
		abandon()
		return newPersistenceError("save", gen, err)
	}
	if err := s.commit(filepath.Base(gen)); err != nil {
		abandon()
		return err
	}
	s.pruneGenerations(filepath.Base(gen))
	return nil
}

// commit points memory_current at the named generation.
func (s *FileSnapshotStore) commit(name string) error {
	dst := filepath.Join(s.dir, currentFileName)
	f, err := os.CreateTemp(s.dir, currentFileName+".tmp-*")
	if err != nil {
		return newPersistenceError("commit", dst, err)
	}
	tmp := f.Name()
	_ = f.Close()
	if err := writeSynced(tmp, []byte(name+"\n")); err != nil {
		_ = os.Remove(tmp)
		return newPersistenceError("commit", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return newPersistenceError("rename", dst, err)
	}
	syncDir(s.dir)
	return nil
}

// pruneGenerations removes every generation except keep. Leftovers are only
// wasted space, so failures are logged and ignored.
func (s *FileSnapshotStore) pruneGenerations(keep string) {
	root := filepath.Join(s.dir, generationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			logger.WarnCF("memory", "Failed to prune snapshot generation", map[string]any{
				"generation": entry.Name(),
				"error":      err.Error(),
			})
		}
	}
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory entries where the platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func nonNil(records []Record) []Record {
	if records == nil {
		return []Record{}
	}
	return records
}
