// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package costs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/trinity-labs/trinity/internal/sqlitedriver"
	"github.com/trinity-labs/trinity/pkg/types"
)

// SQLiteBackend persists entries to a single database file so spend survives
// restarts. A ":memory:" path selects a shared in-memory database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the cost database at dbPath.
func NewSQLiteBackend(dbPath string, logger *zap.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dbURL := dbPath
	if dbPath == ":memory:" {
		dbURL = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			logger.Warn("Failed to enable WAL mode", zap.Error(err))
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		logger.Warn("Failed to set busy timeout", zap.Error(err))
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cost_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		operation TEXT NOT NULL,
		model TEXT NOT NULL,
		model_tier TEXT NOT NULL,
		tokens_in INTEGER NOT NULL,
		tokens_out INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		duration_seconds REAL NOT NULL,
		success INTEGER NOT NULL,
		metadata TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cost_timestamp ON cost_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_cost_operation ON cost_entries(operation);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Append stores one entry and returns its id.
func (s *SQLiteBackend) Append(ctx context.Context, e Entry) (int64, error) {
	var metadataJSON interface{}
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = string(raw)
	}
	var errCol interface{}
	if e.Error != "" {
		errCol = e.Error
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_entries (timestamp, operation, model, model_tier,
			tokens_in, tokens_out, cost_usd, duration_seconds, success, metadata, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UnixMicro(), e.Operation, e.Model, e.Tier,
		e.TokensIn, e.TokensOut, e.CostUSD, e.DurationSeconds, boolToInt(e.Success),
		metadataJSON, errCol)
	if err != nil {
		return 0, fmt.Errorf("failed to insert cost entry: %w", err)
	}
	return res.LastInsertId()
}

// List returns matching entries oldest first. Operation and time range filter
// in SQL; metadata equality filters in process since metadata is stored as an
// opaque JSON blob.
func (s *SQLiteBackend) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `
		SELECT id, timestamp, operation, model, model_tier, tokens_in, tokens_out,
		       cost_usd, duration_seconds, success, metadata, error
		FROM cost_entries
		WHERE 1=1`
	var args []interface{}
	if f.Operation != "" {
		query += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMicro())
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UnixMicro())
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e            Entry
			ts           int64
			tier         string
			success      int
			metadataJSON sql.NullString
			errCol       sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Operation, &e.Model, &tier,
			&e.TokensIn, &e.TokensOut, &e.CostUSD, &e.DurationSeconds,
			&success, &metadataJSON, &errCol); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		e.Timestamp = time.UnixMicro(ts)
		e.Tier = types.ModelTier(tier)
		e.Success = success != 0
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for entry %d: %w", e.ID, err)
			}
		}
		if errCol.Valid {
			e.Error = errCol.String
		}
		if len(f.Metadata) > 0 && !f.Matches(e) {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Backend = (*SQLiteBackend)(nil)
