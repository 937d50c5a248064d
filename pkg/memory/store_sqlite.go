package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dotsetgreg/dotmem/pkg/logger"
	_ "modernc.org/sqlite"
)

const metadataStateKey = "metadata"

// SQLiteSnapshotStore persists snapshots in a SQLite database. Each Save
// replaces the stored snapshot inside one transaction.
type SQLiteSnapshotStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteSnapshotStore creates/opens the memory database at path.
func NewSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, newPersistenceError("open", path, fmt.Errorf("create memory db dir: %w", err))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, newPersistenceError("open", path, fmt.Errorf("open sqlite db: %w", err))
	}
	// One engine per process; a single connection keeps the writer lock simple.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteSnapshotStore{db: db, path: path}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, newPersistenceError("open", path, err)
	}
	return store, nil
}

func (s *SQLiteSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteSnapshotStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL DEFAULT 'event',
			created_at_ms INTEGER NOT NULL,
			last_accessed_ms INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			emotional_importance REAL NOT NULL DEFAULT 1.5,
			platform TEXT NOT NULL DEFAULT 'unknown',
			platform_specific INTEGER NOT NULL DEFAULT 0,
			involved_users_json TEXT NOT NULL DEFAULT '[]',
			content TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			compressed_count INTEGER NOT NULL DEFAULT 0,
			original_ids_json TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_tier_idx ON memory_records(tier, position);`,
		`CREATE TABLE IF NOT EXISTS memory_state (
			state_key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func (s *SQLiteSnapshotStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tier, kind, created_at_ms, last_accessed_ms, access_count,
			emotional_importance, platform, platform_specific, involved_users_json,
			content, context, category, metadata_json, compressed_count, original_ids_json
		FROM memory_records
		ORDER BY position ASC`)
	if err != nil {
		return Snapshot{}, newPersistenceError("load", s.path, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                                      Record
			tier, kind                             string
			createdMS, accessedMS                  int64
			platformSpecific                       int
			usersJSON, metadataJSON, originalsJSON string
		)
		if err := rows.Scan(
			&r.ID, &tier, &kind, &createdMS, &accessedMS, &r.AccessCount,
			&r.EmotionalImportance, &r.Platform, &platformSpecific, &usersJSON,
			&r.Content, &r.Context, &r.Category, &metadataJSON, &r.CompressedCount, &originalsJSON,
		); err != nil {
			return Snapshot{}, newPersistenceError("load", s.path, err)
		}
		r.Tier = Tier(tier)
		r.Kind = RecordKind(kind)
		r.CreatedAt = time.UnixMilli(createdMS).UTC()
		r.LastAccessedAt = time.UnixMilli(accessedMS).UTC()
		r.PlatformSpecific = platformSpecific != 0
		r.InvolvedUsers = decodeStrings(usersJSON)
		r.OriginalIDs = decodeStrings(originalsJSON)
		if m := decodeMap(metadataJSON); len(m) > 0 {
			r.Metadata = m
		}

		switch r.Tier {
		case TierHot:
			snap.Hot = append(snap.Hot, r)
		case TierWarm:
			snap.Warm = append(snap.Warm, r)
		case TierCold:
			snap.Cold = append(snap.Cold, r)
		default:
			logger.WarnCF("memory", "Skipping stored record with unknown tier", map[string]any{
				"id":   r.ID,
				"tier": tier,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, newPersistenceError("load", s.path, err)
	}

	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT value_json FROM memory_state WHERE state_key = ?`, metadataStateKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Snapshot{}, newPersistenceError("load", s.path, err)
	default:
		if err := json.Unmarshal([]byte(raw), &snap.Meta); err != nil {
			logger.WarnCF("memory", "Stored metadata unparsable, starting empty", map[string]any{
				"path":  s.path,
				"error": err.Error(),
			})
			snap.Meta = Metadata{}
		}
	}
	return snap, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	metaJSON, err := json.Marshal(snap.Meta)
	if err != nil {
		return newPersistenceError("save", s.path, fmt.Errorf("encode metadata: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newPersistenceError("save", s.path, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records`); err != nil {
		return newPersistenceError("save", s.path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memory_records(
			id, tier, position, kind, created_at_ms, last_accessed_ms, access_count,
			emotional_importance, platform, platform_specific, involved_users_json,
			content, context, category, metadata_json, compressed_count, original_ids_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return newPersistenceError("save", s.path, err)
	}
	defer stmt.Close()

	position := 0
	for _, t := range Tiers {
		for _, r := range snap.Records(t) {
			platformSpecific := 0
			if r.PlatformSpecific {
				platformSpecific = 1
			}
			kind := r.Kind
			if kind == "" {
				kind = KindEvent
			}
			if _, err := stmt.ExecContext(ctx,
				r.ID, string(t), position, string(kind),
				r.CreatedAt.UnixMilli(), r.LastAccessedAt.UnixMilli(), r.AccessCount,
				r.EmotionalImportance, r.Platform, platformSpecific, encodeStrings(r.InvolvedUsers),
				r.Content, r.Context, r.Category, encodeMap(r.Metadata), r.CompressedCount, encodeStrings(r.OriginalIDs),
			); err != nil {
				return newPersistenceError("save", s.path, fmt.Errorf("insert %s: %w", r.ID, err))
			}
			position++
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_state(state_key, value_json, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET value_json = excluded.value_json, updated_at_ms = excluded.updated_at_ms`,
		metadataStateKey, string(metaJSON), time.Now().UnixMilli(),
	); err != nil {
		return newPersistenceError("save", s.path, err)
	}

	if err := tx.Commit(); err != nil {
		return newPersistenceError("commit", s.path, err)
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
