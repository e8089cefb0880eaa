package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on tag_attributes.type_id
const currentSchemaVersion = 1

const (
	// DefaultFlushDelay is how long after the most recent change a flush fires.
	DefaultFlushDelay = time.Second

	// DefaultMaxFlushDelay bounds how long a change may stay unflushed.
	DefaultMaxFlushDelay = 30 * time.Second
)

// Option configures a Store.
type Option func(*Store)

// WithFlushDelay sets the debounce delay between the last change and a flush.
func WithFlushDelay(d time.Duration) Option {
	return func(s *Store) {
		s.flushDelay = d
	}
}

// WithMaxFlushDelay sets the upper bound between the first unflushed change and a flush.
func WithMaxFlushDelay(d time.Duration) Option {
	return func(s *Store) {
		s.maxFlushDelay = d
	}
}

type dirtyKey struct {
	key  Key
	name string
}

// Store provides durable storage for tag attributes.
// Uses SQLite with WAL mode; all reads are served from memory.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	db *sql.DB

	flushDelay    time.Duration
	maxFlushDelay time.Duration

	mu         sync.Mutex
	data       map[Key]map[string]Value
	dirty      map[dirtyKey]struct{}
	firstDirty time.Time
	timer      *time.Timer
	closed     bool
}

// Open creates or opens a SQLite database at the given path and loads every
// persisted attribute into memory.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:            db,
		flushDelay:    DefaultFlushDelay,
		maxFlushDelay: DefaultMaxFlushDelay,
		data:          make(map[Key]map[string]Value),
		dirty:         make(map[dirtyKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load attributes: %w", err)
	}

	return s, nil
}

// Close flushes pending changes and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	flushErr := s.Flush(context.Background())

	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// load reads every attribute row into memory.
func (s *Store) load() error {
	rows, err := s.db.Query(`
		SELECT type_id, tag_id, name, kind, value
		FROM tag_attributes
		ORDER BY type_id, tag_id, name
	`)
	if err != nil {
		return fmt.Errorf("query attributes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key        Key
			name, kind string
			text       string
		)
		if err := rows.Scan(&key.TypeID, &key.TagID, &name, &kind, &text); err != nil {
			return fmt.Errorf("scan attribute: %w", err)
		}
		v, err := decodeValue(Kind(kind), text)
		if err != nil {
			slog.Warn("skipping undecodable attribute",
				"key", key.String(),
				"name", name,
				"error", err,
			)
			continue
		}
		attrs := s.data[key]
		if attrs == nil {
			attrs = make(map[string]Value)
			s.data[key] = attrs
		}
		attrs[name] = v
	}
	return rows.Err()
}

// Set stores an attribute value and reports whether it changed.
func (s *Store) Set(key Key, name string, v Value) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := s.data[key]
	if old, ok := attrs[name]; ok && old.Equal(v) {
		return false
	}
	if attrs == nil {
		attrs = make(map[string]Value)
		s.data[key] = attrs
	}
	attrs[name] = v
	s.markDirtyLocked(dirtyKey{key: key, name: name})
	return true
}

// SetBool stores a bool attribute and reports whether it changed.
func (s *Store) SetBool(key Key, name string, b bool) bool {
	return s.Set(key, name, BoolValue(b))
}

// SetInt stores an int64 attribute and reports whether it changed.
func (s *Store) SetInt(key Key, name string, i int64) bool {
	return s.Set(key, name, IntValue(i))
}

// SetString stores a string attribute and reports whether it changed.
func (s *Store) SetString(key Key, name string, str string) bool {
	return s.Set(key, name, StringValue(str))
}

// SetStrings stores a string list attribute and reports whether it changed.
func (s *Store) SetStrings(key Key, name string, list []string) bool {
	return s.Set(key, name, StringsValue(list))
}

// SetInts stores an int64 list attribute and reports whether it changed.
func (s *Store) SetInts(key Key, name string, list []int64) bool {
	return s.Set(key, name, IntsValue(list))
}

// SetMap stores a string map attribute and reports whether it changed.
func (s *Store) SetMap(key Key, name string, m map[string]string) bool {
	return s.Set(key, name, MapValue(m))
}

// Get returns an attribute value.
func (s *Store) Get(key Key, name string) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key][name]
	return v, ok
}

// GetBool returns a bool attribute or def when absent or of another kind.
func (s *Store) GetBool(key Key, name string, def bool) bool {
	if v, ok := s.Get(key, name); ok && v.Kind == KindBool {
		return v.Bool
	}
	return def
}

// GetInt returns an int64 attribute or def when absent or of another kind.
func (s *Store) GetInt(key Key, name string, def int64) int64 {
	if v, ok := s.Get(key, name); ok && v.Kind == KindInt {
		return v.Int
	}
	return def
}

// GetString returns a string attribute or def when absent or of another kind.
func (s *Store) GetString(key Key, name string, def string) string {
	if v, ok := s.Get(key, name); ok && v.Kind == KindString {
		return v.String
	}
	return def
}

// GetStrings returns a string list attribute, nil when absent.
func (s *Store) GetStrings(key Key, name string) []string {
	if v, ok := s.Get(key, name); ok && v.Kind == KindStrings {
		return append([]string(nil), v.Strings...)
	}
	return nil
}

// GetInts returns an int64 list attribute, nil when absent.
func (s *Store) GetInts(key Key, name string) []int64 {
	if v, ok := s.Get(key, name); ok && v.Kind == KindInts {
		return append([]int64(nil), v.Ints...)
	}
	return nil
}

// GetMap returns a string map attribute, nil when absent.
func (s *Store) GetMap(key Key, name string) map[string]string {
	if v, ok := s.Get(key, name); ok && v.Kind == KindMap {
		return MapValue(v.Map).Map
	}
	return nil
}

// Remove deletes an attribute and reports whether it existed.
func (s *Store) Remove(key Key, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := s.data[key]
	if _, ok := attrs[name]; !ok {
		return false
	}
	delete(attrs, name)
	if len(attrs) == 0 {
		delete(s.data, key)
	}
	s.markDirtyLocked(dirtyKey{key: key, name: name})
	return true
}

// Purge deletes every attribute of a tag.
func (s *Store) Purge(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name := range s.data[key] {
		s.markDirtyLocked(dirtyKey{key: key, name: name})
	}
	delete(s.data, key)
}

// Keys returns every tag key that has at least one attribute, sorted.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Attributes returns a copy of all attributes of a tag.
func (s *Store) Attributes(key Key) map[string]Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Value, len(s.data[key]))
	for name, v := range s.data[key] {
		out[name] = v
	}
	return out
}

// Pending returns the number of attribute changes not yet flushed.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// markDirtyLocked records a change and (re)arms the flush timer.
// Caller must hold s.mu.
func (s *Store) markDirtyLocked(dk dirtyKey) {
	s.dirty[dk] = struct{}{}
	if s.closed {
		return
	}

	now := time.Now()
	if s.timer == nil {
		s.firstDirty = now
	} else {
		s.timer.Stop()
	}

	delay := s.flushDelay
	if deadline := s.firstDirty.Add(s.maxFlushDelay); now.Add(delay).After(deadline) {
		delay = deadline.Sub(now)
	}
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.flushFromTimer)
}

func (s *Store) flushFromTimer() {
	if err := s.Flush(context.Background()); err != nil {
		slog.Error("attribute flush failed", "error", err)
	}
}

type pendingWrite struct {
	dirtyKey
	value   Value
	present bool
}

// Flush writes all dirty attributes in a single transaction.
// On failure the changes stay dirty and are retried by the next flush.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	writes := make([]pendingWrite, 0, len(s.dirty))
	for dk := range s.dirty {
		v, ok := s.data[dk.key][dk.name]
		writes = append(writes, pendingWrite{dirtyKey: dk, value: v, present: ok})
	}
	s.dirty = make(map[dirtyKey]struct{})
	s.mu.Unlock()

	if err := s.writeBatch(ctx, writes); err != nil {
		s.mu.Lock()
		for _, w := range writes {
			s.markDirtyLocked(w.dirtyKey)
		}
		s.mu.Unlock()
		return err
	}

	slog.Debug("attributes flushed", "count", len(writes))
	return nil
}

func (s *Store) writeBatch(ctx context.Context, writes []pendingWrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("flush: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, w := range writes {
		if !w.present {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM tag_attributes
				WHERE type_id = ? AND tag_id = ? AND name = ?
			`, w.key.TypeID, w.key.TagID, w.name); err != nil {
				return fmt.Errorf("flush: delete %s.%s: %w", w.key, w.name, err)
			}
			continue
		}

		text, err := w.value.encode()
		if err != nil {
			return fmt.Errorf("flush: %s.%s: %w", w.key, w.name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tag_attributes (type_id, tag_id, name, kind, value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(type_id, tag_id, name) DO UPDATE SET kind = excluded.kind, value = excluded.value
		`, w.key.TypeID, w.key.TagID, w.name, string(w.value.Kind), text); err != nil {
			return fmt.Errorf("flush: upsert %s.%s: %w", w.key, w.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush: commit: %w", err)
	}
	return nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TypeID != keys[j].TypeID {
			return keys[i].TypeID < keys[j].TypeID
		}
		return keys[i].TagID < keys[j].TagID
	})
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the per-type index used when a whole tag type is restored.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_tag_attributes_type
		ON tag_attributes(type_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
