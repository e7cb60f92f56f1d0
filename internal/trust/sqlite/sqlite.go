// Package sqlite keeps trust records in an SQLite database whose schema is
// managed by embedded goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/danmuck/fts/internal/trust"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedded embed.FS

type Backend struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Backend, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("trust/sqlite: open %s: %w", path, err)
	}
	// one connection keeps ":memory:" a single database and serialises writers
	db.SetMaxOpenConns(1)
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{db: db}, nil
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("trust/sqlite: migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("trust/sqlite: migrate: %w", err)
	}
	for _, r := range results {
		log.Debug().Str("migration", r.Source.Path).Dur("duration", r.Duration).Msg("trust/sqlite.RunMigrations applied")
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Get(ctx context.Context, host string) (trust.Record, error) {
	var (
		rec       trust.Record
		firstSeen int64
		status    string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT host, fingerprint, first_seen, status FROM trust_records WHERE host = ?`, host,
	).Scan(&rec.Host, &rec.Fingerprint, &firstSeen, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return trust.Record{}, trust.ErrNotFound
	}
	if err != nil {
		return trust.Record{}, fmt.Errorf("trust/sqlite: get %q: %w", host, err)
	}
	rec.FirstSeen = time.Unix(0, firstSeen).UTC()
	rec.Status = trust.Status(status)
	return rec, nil
}

func (b *Backend) Insert(ctx context.Context, rec trust.Record) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO trust_records (host, fingerprint, first_seen, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host) DO NOTHING
	`, rec.Host, rec.Fingerprint, rec.FirstSeen.UnixNano(), string(rec.Status), time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("trust/sqlite: insert %q: %w", rec.Host, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *Backend) Put(ctx context.Context, rec trust.Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO trust_records (host, fingerprint, first_seen, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			first_seen  = excluded.first_seen,
			status      = excluded.status,
			updated_at  = excluded.updated_at
	`, rec.Host, rec.Fingerprint, rec.FirstSeen.UnixNano(), string(rec.Status), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("trust/sqlite: put %q: %w", rec.Host, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, host string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM trust_records WHERE host = ?`, host); err != nil {
		return fmt.Errorf("trust/sqlite: delete %q: %w", host, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]trust.Record, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT host, fingerprint, first_seen, status FROM trust_records ORDER BY host`)
	if err != nil {
		return nil, fmt.Errorf("trust/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []trust.Record
	for rows.Next() {
		var (
			rec       trust.Record
			firstSeen int64
			status    string
		)
		if err := rows.Scan(&rec.Host, &rec.Fingerprint, &firstSeen, &status); err != nil {
			return nil, fmt.Errorf("trust/sqlite: scan: %w", err)
		}
		rec.FirstSeen = time.Unix(0, firstSeen).UTC()
		rec.Status = trust.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
