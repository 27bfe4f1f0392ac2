// Package history keeps an optional SQLite log of successful
// resolutions, queryable from the CLI.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"mediaresolver"
)

//go:embed schema.sql
var schema string

// Entry is one recorded resolution.
type Entry struct {
	ID         int64
	PageURL    string
	MediaURL   string
	MimeType   string
	Kind       mediaresolver.Kind
	Title      string
	Strategy   string
	ResolvedAt time.Time
}

// Store logs resolutions to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens a history store and applies its schema. The driver is
// chosen by DSN scheme: libsql:// (and the wss:// and https:// forms
// turso hands out) talk to a remote database, anything else is a local
// file path or :memory:.
func Open(dsn string) (*Store, error) {
	driver := driverFor(dsn)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening history db: %w", err)
	}

	if driver == "sqlite" {
		// see this stackoverflow post for information on why the following
		// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("error enabling WAL: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error applying history schema: %w", err)
	}

	return &Store{db: db}, nil
}

func driverFor(dsn string) string {
	for _, scheme := range []string{"libsql://", "wss://", "ws://", "https://", "http://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "libsql"
		}
	}
	return "sqlite"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record logs one successful resolution.
func (s *Store) Record(ctx context.Context, result mediaresolver.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolutions (page_url, media_url, mime_type, kind, title, strategy, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.PageURL, result.MediaURL, result.MimeType, string(result.Kind), result.Title, result.Strategy,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("error recording resolution: %w", err)
	}
	return nil
}

// Recent returns the n most recently recorded resolutions, newest
// first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, page_url, media_url, mime_type, kind, title, strategy, resolved_at
		 FROM resolutions
		 ORDER BY resolved_at DESC, id DESC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			kind       string
			resolvedAt int64
		)
		if err := rows.Scan(&e.ID, &e.PageURL, &e.MediaURL, &e.MimeType, &kind, &e.Title, &e.Strategy, &resolvedAt); err != nil {
			return nil, fmt.Errorf("error scanning history row: %w", err)
		}
		e.Kind = mediaresolver.Kind(kind)
		e.ResolvedAt = time.Unix(resolvedAt, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries recorded longer than olderThan ago, returning
// the number deleted.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM resolutions WHERE resolved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error pruning history: %w", err)
	}
	return res.RowsAffected()
}
