package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/hivedev/hive/pkg/api/v1"
)

// SQLiteStore is the durable Store implementation, selected with
// bus.store: sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed initializes) the bus database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bus_entries (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		payload TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bus_entries_type ON bus_entries(type);
	CREATE INDEX IF NOT EXISTS idx_bus_entries_agent_id ON bus_entries(agent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append stores an entry and returns its assigned position.
func (s *SQLiteStore) Append(ctx context.Context, entry *v1.BusEntry) (int64, error) {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		payload = []byte("{}")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bus_entries (type, agent_id, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		string(entry.Type), entry.AgentID, string(payload), createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to append entry: %w", err)
	}

	pos, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read assigned position: %w", err)
	}
	return pos, nil
}

// Read returns up to limit entries with position >= start, oldest first.
func (s *SQLiteStore) Read(ctx context.Context, start int64, limit int, types []v1.BusEntryType) ([]v1.BusEntry, error) {
	if start < 1 {
		start = 1
	}

	query := `SELECT position, type, agent_id, payload, created_at
		FROM bus_entries WHERE position >= ?`
	args := []any{start}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += " AND type IN (" + strings.Join(placeholders, ",") + ")"
	}

	query += " ORDER BY position ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	defer rows.Close()

	var entries []v1.BusEntry
	for rows.Next() {
		var (
			entry      v1.BusEntry
			entryType  string
			payloadRaw string
		)
		if err := rows.Scan(&entry.Position, &entryType, &entry.AgentID, &payloadRaw, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entry.Type = v1.BusEntryType(entryType)
		if err := json.Unmarshal([]byte(payloadRaw), &entry.Payload); err != nil {
			entry.Payload = nil
		}
		entries = append(entries, entry)
	}
	if entries == nil {
		entries = []v1.BusEntry{}
	}
	return entries, rows.Err()
}

// Last returns the highest assigned position.
func (s *SQLiteStore) Last(ctx context.Context) (int64, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(position) FROM bus_entries`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last position: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Int64, nil
}
