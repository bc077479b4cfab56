package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/verdictstack/verdict-engine/internal/models"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pattern_reputation (
	pattern_id   TEXT PRIMARY KEY,
	pattern_type TEXT NOT NULL,
	pattern      TEXT NOT NULL,
	bot_score    REAL NOT NULL,
	support      REAL NOT NULL,
	state        TEXT NOT NULL,
	first_seen   INTEGER NOT NULL,
	last_seen    INTEGER NOT NULL,
	decayed_at   INTEGER NOT NULL,
	is_manual    INTEGER NOT NULL DEFAULT 0,
	notes        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pattern_reputation_last_seen ON pattern_reputation(last_seen);
`

// SQLiteStore is the durable file-backed Store. Atomicity per key comes from
// running each Update inside an immediate transaction; SQLite serialises
// writers globally, which is acceptable at this store's write rates.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open reputation database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the record or nil when the pattern is unknown.
func (s *SQLiteStore) Get(ctx context.Context, patternID string) (*models.PatternReputation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pattern_id, pattern_type, pattern, bot_score, support, state,
		        first_seen, last_seen, decayed_at, is_manual, notes
		 FROM pattern_reputation WHERE pattern_id = ?`, patternID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &rec, nil
}

// Put upserts the record.
func (s *SQLiteStore) Put(ctx context.Context, rec models.PatternReputation) error {
	_, err := s.db.ExecContext(ctx, upsertSQL, upsertArgs(rec)...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

const upsertSQL = `
INSERT INTO pattern_reputation
	(pattern_id, pattern_type, pattern, bot_score, support, state,
	 first_seen, last_seen, decayed_at, is_manual, notes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(pattern_id) DO UPDATE SET
	pattern_type = excluded.pattern_type,
	pattern      = excluded.pattern,
	bot_score    = excluded.bot_score,
	support      = excluded.support,
	state        = excluded.state,
	first_seen   = excluded.first_seen,
	last_seen    = excluded.last_seen,
	decayed_at   = excluded.decayed_at,
	is_manual    = excluded.is_manual,
	notes        = excluded.notes`

func upsertArgs(rec models.PatternReputation) []any {
	manual := 0
	if rec.IsManual {
		manual = 1
	}
	return []any{
		rec.PatternID, string(rec.PatternType), rec.Pattern, rec.BotScore, rec.Support,
		string(rec.State), rec.FirstSeen.UnixNano(), rec.LastSeen.UnixNano(),
		rec.DecayedAt.UnixNano(), manual, rec.Notes,
	}
}

// Update wraps the read-modify-write in an immediate transaction.
func (s *SQLiteStore) Update(ctx context.Context, patternID string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT pattern_id, pattern_type, pattern, bot_score, support, state,
		        first_seen, last_seen, decayed_at, is_manual, notes
		 FROM pattern_reputation WHERE pattern_id = ?`, patternID)

	var current *models.PatternReputation
	rec, err := scanRecord(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		current = &rec
	}

	next, store, err := fn(current)
	if err != nil {
		return err
	}
	if !store {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, upsertSQL, upsertArgs(next)...); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Delete removes a record.
func (s *SQLiteStore) Delete(ctx context.Context, patternID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pattern_reputation WHERE pattern_id = ?`, patternID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ScanStale streams matching records ordered by staleness.
func (s *SQLiteStore) ScanStale(ctx context.Context, olderThan time.Time, supportBelow float64, fn func(models.PatternReputation) error) error {
	older := olderThan.UnixNano()
	if olderThan.IsZero() {
		older = math.MaxInt64
	}
	support := supportBelow
	if math.IsInf(support, 1) {
		support = math.MaxFloat64
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern_id, pattern_type, pattern, bot_score, support, state,
		        first_seen, last_seen, decayed_at, is_manual, notes
		 FROM pattern_reputation
		 WHERE last_seen < ? AND support <= ?
		 ORDER BY last_seen ASC`, older, support)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.PatternReputation, error) {
	var (
		rec                            models.PatternReputation
		ptype, state                   string
		firstSeen, lastSeen, decayedAt int64
		manual                         int
	)
	err := row.Scan(&rec.PatternID, &ptype, &rec.Pattern, &rec.BotScore, &rec.Support,
		&state, &firstSeen, &lastSeen, &decayedAt, &manual, &rec.Notes)
	if err != nil {
		return models.PatternReputation{}, err
	}
	rec.PatternType = models.PatternType(ptype)
	rec.State = models.PatternState(state)
	rec.FirstSeen = time.Unix(0, firstSeen)
	rec.LastSeen = time.Unix(0, lastSeen)
	rec.DecayedAt = time.Unix(0, decayedAt)
	rec.IsManual = manual != 0
	return rec, nil
}

var _ Store = (*SQLiteStore)(nil)
