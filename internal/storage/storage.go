// Package storage persists concentration results to SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sleepywoodpecker/fnirs-goes-serial/internal/processing"
)

type DB struct {
	*sql.DB
	SessionID string
}

// NewDB opens (or creates) the database at path, migrates it to the latest
// schema and starts a new recording session. Use ":memory:" for a throwaway
// database.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases from splitting per connection
	db.SetMaxOpenConns(1)

	out := &DB{DB: db}
	if err := out.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	sessionID := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO sessions (session_id) VALUES (?)`, sessionID); err != nil {
		db.Close()
		return nil, fmt.Errorf("[storage] creating session: %w", err)
	}

	out.SessionID = sessionID
	return out, nil
}

// InsertResult writes every channel of one result in a single transaction.
func (db *DB) InsertResult(ctx context.Context, result processing.ConcentrationResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO concentrations (session_id, cycle, unix_nanos, channel_index, label, type, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := result.Timestamp.UnixNano()
	for i, row := range result.Table {
		if _, err := stmt.ExecContext(ctx, db.SessionID, result.Cycle, ts, i, row.Label, row.Type, result.Values[i]); err != nil {
			return fmt.Errorf("[storage] inserting cycle %d channel %d: %w", result.Cycle, i, err)
		}
	}
	return tx.Commit()
}

type StoredValue struct {
	Cycle     uint64
	UnixNanos int64
	Channel   int
	Label     string
	Type      string
	Value     float64
}

// ChannelHistory returns the stored values of one logical channel for the
// current session, oldest first, at most limit rows from the newest end.
func (db *DB) ChannelHistory(ctx context.Context, channel int, limit int) ([]StoredValue, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT cycle, unix_nanos, channel_index, label, type, value FROM (
			SELECT * FROM concentrations
			WHERE session_id = ? AND channel_index = ?
			ORDER BY cycle DESC
			LIMIT ?
		) ORDER BY cycle ASC`, db.SessionID, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredValue
	for rows.Next() {
		var v StoredValue
		if err := rows.Scan(&v.Cycle, &v.UnixNanos, &v.Channel, &v.Label, &v.Type, &v.Value); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CycleCount returns how many results the current session has stored.
func (db *DB) CycleCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT cycle) FROM concentrations WHERE session_id = ?`, db.SessionID).Scan(&n)
	return n, err
}

// Run stores results from ch until it is closed or ctx is cancelled.
func (db *DB) Run(ctx context.Context, results <-chan processing.ConcentrationResult, logger *zap.Logger) {
	for {
		select {
		case result, ok := <-results:
			if !ok {
				logger.Info("[storage] result channel closed", zap.String("session", db.SessionID))
				return
			}
			if err := db.InsertResult(ctx, result); err != nil {
				logger.Warn("[storage] failed to store result", zap.Error(err), zap.Uint64("cycle", result.Cycle))
			}
		case <-ctx.Done():
			logger.Info("[storage] received shutdown signal", zap.String("session", db.SessionID))
			return
		}
	}
}
