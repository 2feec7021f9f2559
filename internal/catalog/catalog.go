// Package catalog records archives and their index entries in sqlite so a
// message can be located without opening every archive.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/archive"
	"pkt.systems/relayd/internal/svcfields"
)

// ErrNotFound is returned when no archive holds the requested message.
var ErrNotFound = errors.New("catalog: not found")

const schema = `
CREATE TABLE IF NOT EXISTS archives (
  name        TEXT    PRIMARY KEY,
  path        TEXT    NOT NULL,
  index_path  TEXT    NOT NULL,
  first_seq   INTEGER NOT NULL,
  last_seq    INTEGER NOT NULL,
  records     INTEGER NOT NULL,
  timestamps  INTEGER NOT NULL,
  size        INTEGER NOT NULL,
  digest      TEXT    NOT NULL,
  prev_digest TEXT    NOT NULL,
  created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
  seq        INTEGER PRIMARY KEY,
  message_id TEXT    NOT NULL,
  archive    TEXT    NOT NULL REFERENCES archives(name) ON DELETE CASCADE,
  byte_offset INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_message_id ON entries(message_id);
`

// Location identifies where one record lives.
type Location struct {
	MessageID string
	Sequence  uint64
	Offset    int64
	Archive   archive.Info
}

// Catalog is a sqlite backed archive catalog.
type Catalog struct {
	db     *sql.DB
	logger pslog.Logger
}

// Open opens or creates the catalog at dsn (a file path or sqlite URI).
func Open(dsn string, logger pslog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: open %s: %w", dsn, err)
	}
	for _, p := range []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("catalog: set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return &Catalog{db: db, logger: svcfields.WithSubsystem(logger, "pipeline.catalog")}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RegisterArchive stores info and its entries in one transaction.
// Registering the same archive twice replaces the earlier rows.
func (c *Catalog) RegisterArchive(ctx context.Context, info archive.Info, entries []archive.IndexEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM archives WHERE name = ?`, info.Name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archives(name, path, index_path, first_seq, last_seq, records, timestamps, size, digest, prev_digest, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Name, info.Path, info.IndexPath, int64(info.FirstSeq), int64(info.LastSeq),
		info.Records, info.Timestamps, info.Size, info.Digest, info.PreviousDigest,
		info.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("catalog: insert archive %s: %w", info.Name, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO entries(seq, message_id, archive, byte_offset) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, int64(e.Sequence), e.MessageID, info.Name, e.Offset); err != nil {
			return fmt.Errorf("catalog: insert entry %d: %w", e.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.logger.Debug("relayd.catalog.registered", "archive", info.Name, "entries", len(entries))
	return nil
}

const archiveColumns = `a.name, a.path, a.index_path, a.first_seq, a.last_seq, a.records, a.timestamps, a.size, a.digest, a.prev_digest, a.created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanArchive(row scanner, extra ...any) (archive.Info, error) {
	var (
		info        archive.Info
		first, last int64
		created     int64
	)
	dest := append([]any{&info.Name, &info.Path, &info.IndexPath, &first, &last,
		&info.Records, &info.Timestamps, &info.Size, &info.Digest, &info.PreviousDigest, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		return archive.Info{}, err
	}
	info.FirstSeq = uint64(first)
	info.LastSeq = uint64(last)
	info.CreatedAt = time.Unix(0, created).UTC()
	return info, nil
}

// Lookup returns every logged record for messageID in sequence order.
func (c *Catalog) Lookup(ctx context.Context, messageID string) ([]Location, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+archiveColumns+`, e.seq, e.byte_offset FROM entries e JOIN archives a ON a.name = e.archive
		 WHERE e.message_id = ? ORDER BY e.seq ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Location
	for rows.Next() {
		var seq int64
		loc := Location{MessageID: messageID}
		info, err := scanArchive(rows, &seq, &loc.Offset)
		if err != nil {
			return nil, err
		}
		loc.Sequence = uint64(seq)
		loc.Archive = info
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// LastArchive returns the archive with the highest sequence range.
func (c *Catalog) LastArchive(ctx context.Context) (archive.Info, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives a ORDER BY a.last_seq DESC LIMIT 1`)
	info, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return archive.Info{}, ErrNotFound
	}
	return info, err
}

// Archives lists all archives in sequence order.
func (c *Catalog) Archives(ctx context.Context) ([]archive.Info, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT `+archiveColumns+` FROM archives a ORDER BY a.first_seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []archive.Info
	for rows.Next() {
		info, err := scanArchive(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
