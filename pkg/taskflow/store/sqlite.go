package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/formworks/taskflow/pkg/taskflow/event"
)

// SQLiteStore persists the event history to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
	mu       sync.RWMutex
	closed   bool
}

// NewSQLiteStore opens (or creates) a SQLite-backed store. The path
// should be a file path (e.g., "./events.db") or ":memory:" for
// testing. capacity <= 0 uses DefaultCapacity.
func NewSQLiteStore(path string, capacity int) (*SQLiteStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A second connection to a ":memory:" path would see a separate
	// empty database, so the pool stays at one connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			causation_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			ts INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &SQLiteStore{db: db, capacity: capacity}, nil
}

var _ EventStore = (*SQLiteStore)(nil)

// Append implements EventStore. Re-appending an existing event ID is a
// no-op. The insert and the capacity trim commit together.
func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, type, correlation_id, causation_id, source, priority, ts, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.Type, r.CorrelationID, r.CausationID, r.Source, string(r.Priority),
		r.Timestamp.UnixNano(), string(r.Payload)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&total); err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	if total > s.capacity {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE seq IN (
				SELECT seq FROM events ORDER BY seq ASC LIMIT ?
			)
		`, total-s.capacity); err != nil {
			return fmt.Errorf("trim events: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

const recordColumns = `id, type, correlation_id, causation_id, source, priority, ts, payload`

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		r        Record
		priority string
		ns       int64
		payload  string
	)
	err := scan(&r.ID, &r.Type, &r.CorrelationID, &r.CausationID, &r.Source, &priority, &ns, &payload)
	if err != nil {
		return Record{}, err
	}
	r.Priority = event.Priority(priority)
	r.Timestamp = time.Unix(0, ns)
	r.Payload = []byte(payload)
	return r, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// sqlLimit maps the interface's "<= 0 means unlimited" onto SQLite's
// LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM events WHERE id = ?`, id)
	r, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get event: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ByType(ctx context.Context, eventType string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM events WHERE type = ? ORDER BY seq DESC LIMIT ?`,
		eventType, sqlLimit(limit))
}

func (s *SQLiteStore) ByCorrelation(ctx context.Context, corrID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM events WHERE correlation_id = ? ORDER BY seq ASC`,
		corrID)
}

func (s *SQLiteStore) Range(ctx context.Context, from, to time.Time, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM events WHERE ts >= ? AND ts <= ? ORDER BY seq ASC LIMIT ?`,
		from.UnixNano(), to.UnixNano(), sqlLimit(limit))
}

func (s *SQLiteStore) Search(ctx context.Context, substr string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	// instr avoids LIKE's wildcard escaping for user-supplied
	// substrings.
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM events WHERE instr(payload, ?) > 0 ORDER BY seq DESC LIMIT ?`,
		substr, sqlLimit(limit))
}

func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM events ORDER BY seq DESC LIMIT ?`, sqlLimit(n))
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Stats{}, ErrStoreClosed
	}

	stats := Stats{ByType: make(map[string]int), BySource: make(map[string]int)}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(ts), MAX(ts) FROM events`).Scan(&stats.Total, &oldest, &newest); err != nil {
		return Stats{}, fmt.Errorf("summarize events: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = time.Unix(0, oldest.Int64)
	}
	if newest.Valid {
		stats.Newest = time.Unix(0, newest.Int64)
	}

	if err := s.groupCounts(ctx, "type", stats.ByType); err != nil {
		return Stats{}, err
	}
	if err := s.groupCounts(ctx, "source", stats.BySource); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *SQLiteStore) groupCounts(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM events GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("group by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

func (s *SQLiteStore) Activity(ctx context.Context, window time.Duration) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	cutoff := time.Now().Add(-window).UnixNano()
	out := make(map[string]int)
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM events WHERE ts >= ? GROUP BY type`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out[t] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close implements EventStore.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
