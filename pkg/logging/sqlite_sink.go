package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jingkaihe/fangate/internal/errx"
)

type migration struct {
	Version int
	Name    string
	SQL     string
}

func sqliteMigrations() []migration {
	return []migration{
		{
			Version: 1,
			Name:    "create_events",
			SQL: `
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  run_id TEXT NOT NULL,
  host TEXT NOT NULL,
  event_type TEXT NOT NULL,
  summary TEXT NOT NULL,
  plugin TEXT,
  tags TEXT,
  data TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, id);
`,
		},
	}
}

// SQLiteSink stores events in a SQLite database.
// It implements Sink and is safe for concurrent use.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the database at path and applies
// pending migrations.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := openEventDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

func openEventDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db, sqliteMigrations()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB, migrations []migration) error {
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`); err != nil {
		return errx.Wrap(ErrMigrateDB, err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return errx.Wrap(ErrMigrateDB, err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return errx.Wrap(ErrMigrateDB, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return errx.With(ErrMigrateDB, " %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			_ = tx.Rollback()
			return errx.Wrap(ErrMigrateDB, err)
		}
		if err := tx.Commit(); err != nil {
			return errx.Wrap(ErrMigrateDB, err)
		}
	}
	return nil
}

func (s *SQLiteSink) Write(event *Event) error {
	var tags sql.NullString
	if len(event.Tags) > 0 {
		b, err := json.Marshal(event.Tags)
		if err != nil {
			return errx.Wrap(ErrMarshalData, err)
		}
		tags = sql.NullString{String: string(b), Valid: true}
	}
	var data sql.NullString
	if len(event.Data) > 0 {
		data = sql.NullString{String: string(event.Data), Valid: true}
	}

	_, err := s.db.Exec(
		`INSERT INTO events(ts, run_id, host, event_type, summary, plugin, tags, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.RunID,
		event.Host,
		event.EventType,
		event.Summary,
		sql.NullString{String: event.Plugin, Valid: event.Plugin != ""},
		tags,
		data,
	)
	if err != nil {
		return errx.Wrap(ErrWriteEvent, err)
	}
	return nil
}

func (s *SQLiteSink) Close() error {
	if err := s.db.Close(); err != nil {
		return errx.Wrap(ErrCloseWriter, err)
	}
	return nil
}

// Query filters stored events. Zero values match everything.
type Query struct {
	RunID     string
	EventType string
	Limit     int
}

// QueryEvents returns the most recent matching events from the database at
// path, oldest first.
func QueryEvents(ctx context.Context, path string, q Query) ([]*Event, error) {
	db, err := openEventDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT ts, run_id, host, event_type, summary, COALESCE(plugin, ''), COALESCE(tags, ''), COALESCE(data, '')
		   FROM (
		     SELECT * FROM events
		      WHERE (? = '' OR run_id = ?)
		        AND (? = '' OR event_type = ?)
		      ORDER BY id DESC
		      LIMIT ?
		   )
		  ORDER BY id ASC`,
		q.RunID, q.RunID, q.EventType, q.EventType, limit,
	)
	if err != nil {
		return nil, errx.Wrap(ErrOpenDB, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ts, tags, data string
		ev := &Event{}
		if err := rows.Scan(&ts, &ev.RunID, &ev.Host, &ev.EventType, &ev.Summary, &ev.Plugin, &tags, &data); err != nil {
			return nil, errx.Wrap(ErrOpenDB, err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, errx.Wrap(ErrMarshalData, err)
		}
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
				return nil, errx.Wrap(ErrMarshalData, err)
			}
		}
		if data != "" {
			ev.Data = json.RawMessage(data)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
