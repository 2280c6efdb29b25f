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

// Package patternstore implements the hybrid structured + vector store that
// deduplicates, counts, and semantically retrieves patterns across process
// restarts. Structured data lives in SQLite; embeddings live in an in-process
// index rebuilt on startup by replaying stored contents.
package patternstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/trinity-labs/trinity/internal/sqlitedriver"
	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/types"
)

// Span names for store operations.
const (
	SpanStorePattern  = "patternstore.store"
	SpanSearch        = "patternstore.search"
	SpanUpdateSuccess = "patternstore.update_success"
	SpanRebuildIndex  = "patternstore.rebuild_index"
)

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("pattern store is closed")

// Pattern is one stored pattern row.
type Pattern struct {
	ID              int64
	Type            types.PatternType
	Name            string
	Content         string
	Confidence      float64
	EvidenceCount   int
	TimesSeen       int
	TimesSuccessful int
	SuccessRate     float64
	CreatedAt       time.Time
	LastSeen        time.Time
	Metadata        map[string]interface{}
	EmbeddingID     *int64
}

// SearchOptions filter and shape a pattern search.
type SearchOptions struct {
	Query         string
	Type          types.PatternType
	MinConfidence float64
	Limit         int
	Semantic      bool
}

// DefaultSearchOptions returns the contract defaults: min confidence 0.7,
// limit 10, semantic enabled.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{MinConfidence: 0.7, Limit: 10, Semantic: true}
}

// Stats summarizes store contents.
type Stats struct {
	TotalPatterns      int64
	ByType             map[types.PatternType]int64
	AverageConfidence  float64
	TopPatterns        []Pattern
	EmbeddingAvailable bool
	IndexSize          int
}

// Store is the durable pattern store. All mutations serialize on a single
// writer lock; reads may run concurrently.
type Store struct {
	writeMu sync.Mutex

	db       *sql.DB
	embedder Embedder
	index    VectorIndex

	tracer observability.Tracer
	logger *zap.Logger
	closed bool
	mu     sync.RWMutex // guards closed
}

// Open opens (or creates) the pattern store at dbPath. embedder may be nil;
// the store then inserts rows without embeddings and disables the semantic
// search path. The vector index is rebuilt by re-embedding stored contents.
func Open(dbPath string, embedder Embedder, tracer observability.Tracer, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
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
	CREATE TABLE IF NOT EXISTS patterns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_type TEXT NOT NULL,
		pattern_name TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL NOT NULL,
		evidence_count INTEGER NOT NULL DEFAULT 1,
		times_seen INTEGER NOT NULL DEFAULT 1,
		times_successful INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		metadata TEXT,
		embedding_id INTEGER,
		UNIQUE(pattern_type, pattern_name, content)
	);

	CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(pattern_type);
	CREATE INDEX IF NOT EXISTS idx_patterns_confidence ON patterns(confidence);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		tracer:   tracer,
		logger:   logger,
	}

	if embedder != nil {
		s.index = NewFlatL2Index(embedder.Dim())
		if err := s.rebuildIndex(context.Background()); err != nil {
			// Degrade rather than fail: the structured store is intact.
			logger.Warn("Failed to rebuild vector index, semantic search disabled", zap.Error(err))
			s.index = nil
		}
	}

	return s, nil
}

// rebuildIndex replays stored contents through the embedder in embedding_id
// order so stored offsets stay valid.
func (s *Store) rebuildIndex(ctx context.Context) error {
	ctx, span := s.tracer.StartSpan(ctx, SpanRebuildIndex, observability.WithSpanKind("store"))
	defer s.tracer.EndSpan(span)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content FROM patterns
		WHERE embedding_id IS NOT NULL
		ORDER BY embedding_id ASC
	`)
	if err != nil {
		return fmt.Errorf("failed to query embedded patterns: %w", err)
	}
	defer rows.Close()

	rebuilt := 0
	for rows.Next() {
		var id int64
		var content string
		if err := rows.Scan(&id, &content); err != nil {
			return fmt.Errorf("failed to scan pattern: %w", err)
		}
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to embed pattern %d: %w", id, err)
		}
		if _, err := s.index.Add(vec); err != nil {
			return fmt.Errorf("failed to index pattern %d: %w", id, err)
		}
		rebuilt++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	span.SetAttribute("rebuilt", rebuilt)
	if rebuilt > 0 {
		s.logger.Info("rebuilt vector index", zap.Int("patterns", rebuilt))
	}
	return rows.Err()
}

// StorePattern inserts a pattern or, when (type, name, content) already
// exists, bumps its counters: times_seen+1, evidence_count+evidenceCount,
// confidence replaced, last_seen updated. The embedding is generated only on
// first sighting. Returns the pattern row id.
func (s *Store) StorePattern(ctx context.Context, ptype types.PatternType, name, content string, confidence float64, metadata map[string]interface{}, evidenceCount int) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if name == "" || content == "" {
		return 0, fmt.Errorf("pattern name and content cannot be empty")
	}
	if confidence < 0 || confidence > 1 {
		return 0, fmt.Errorf("confidence %v out of range [0,1]", confidence)
	}
	if evidenceCount < 1 {
		evidenceCount = 1
	}

	var span *observability.Span
	ctx, span = s.tracer.StartSpan(ctx, SpanStorePattern, observability.WithSpanKind("store"))
	defer s.tracer.EndSpan(span)
	span.SetAttribute("pattern_type", string(ptype))
	span.SetAttribute("pattern_name", name)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UnixMicro()

	var existingID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM patterns
		WHERE pattern_type = ? AND pattern_name = ? AND content = ?
	`, ptype, name, content).Scan(&existingID)

	switch {
	case err == nil:
		// Repeat sighting: bump counters, keep the embedding.
		_, err = s.db.ExecContext(ctx, `
			UPDATE patterns
			SET times_seen = times_seen + 1,
			    evidence_count = evidence_count + ?,
			    confidence = ?,
			    last_seen = ?,
			    success_rate = CAST(MIN(times_successful, times_seen + 1) AS REAL) / (times_seen + 1)
			WHERE id = ?
		`, evidenceCount, confidence, now, existingID)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("failed to update pattern: %w", err)
		}
		span.SetAttribute("repeat", true)
		return existingID, nil

	case errors.Is(err, sql.ErrNoRows):
		// First sighting: insert and embed.
		var metadataJSON interface{}
		if metadata != nil {
			raw, merr := json.Marshal(metadata)
			if merr != nil {
				return 0, fmt.Errorf("failed to marshal metadata: %w", merr)
			}
			metadataJSON = string(raw)
		}

		var embeddingID interface{}
		if s.embedder != nil && s.index != nil {
			vec, eerr := s.embedder.Embed(ctx, content)
			if eerr != nil {
				// Insert without embedding; semantic recall degrades, data survives.
				s.logger.Warn("embedding failed, storing pattern without vector",
					zap.String("pattern_name", name), zap.Error(eerr))
			} else {
				offset, ierr := s.index.Add(vec)
				if ierr != nil {
					s.logger.Warn("vector index rejected embedding",
						zap.String("pattern_name", name), zap.Error(ierr))
				} else {
					embeddingID = offset
				}
			}
		}

		res, ierr := s.db.ExecContext(ctx, `
			INSERT INTO patterns (pattern_type, pattern_name, content, confidence,
				evidence_count, times_seen, times_successful, success_rate,
				created_at, last_seen, metadata, embedding_id)
			VALUES (?, ?, ?, ?, ?, 1, 0, 0, ?, ?, ?, ?)
		`, ptype, name, content, confidence, evidenceCount, now, now, metadataJSON, embeddingID)
		if ierr != nil {
			span.RecordError(ierr)
			return 0, fmt.Errorf("failed to insert pattern: %w", ierr)
		}
		id, ierr := res.LastInsertId()
		if ierr != nil {
			return 0, fmt.Errorf("failed to read pattern id: %w", ierr)
		}
		span.SetAttribute("pattern_id", id)
		return id, nil

	default:
		span.RecordError(err)
		return 0, fmt.Errorf("failed to look up pattern: %w", err)
	}
}

// SearchPatterns retrieves patterns by confidence, type, and (optionally)
// semantic similarity of the query to stored contents. The semantic path
// first gathers 2*limit nearest candidates from the vector index, then
// filters through the structured store. Results are ordered by
// (confidence DESC, times_seen DESC) and truncated to opts.Limit.
func (s *Store) SearchPatterns(ctx context.Context, opts SearchOptions) ([]Pattern, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	var span *observability.Span
	ctx, span = s.tracer.StartSpan(ctx, SpanSearch, observability.WithSpanKind("store"))
	defer s.tracer.EndSpan(span)
	span.SetAttribute("semantic", opts.Semantic)

	if opts.Semantic && opts.Query != "" && s.embedder != nil && s.index != nil && s.index.Len() > 0 {
		patterns, err := s.semanticSearch(ctx, opts)
		if err == nil {
			span.SetAttribute("results", len(patterns))
			return patterns, nil
		}
		s.logger.Warn("semantic search failed, falling back to structured query", zap.Error(err))
	}

	patterns, err := s.structuredSearch(ctx, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("results", len(patterns))
	return patterns, nil
}

func (s *Store) semanticSearch(ctx context.Context, opts SearchOptions) ([]Pattern, error) {
	vec, err := s.embedder.Embed(ctx, opts.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	offsets := s.index.Search(vec, 2*opts.Limit)
	if len(offsets) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, pattern_type, pattern_name, content, confidence, evidence_count,
		       times_seen, times_successful, success_rate, created_at, last_seen,
		       metadata, embedding_id
		FROM patterns
		WHERE confidence >= ? AND embedding_id IN (`
	args := []interface{}{opts.MinConfidence}
	for i, off := range offsets {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, off)
	}
	query += ")"
	if opts.Type != "" {
		query += " AND pattern_type = ?"
		args = append(args, opts.Type)
	}
	query += " ORDER BY confidence DESC, times_seen DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic candidate lookup failed: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

func (s *Store) structuredSearch(ctx context.Context, opts SearchOptions) ([]Pattern, error) {
	query := `
		SELECT id, pattern_type, pattern_name, content, confidence, evidence_count,
		       times_seen, times_successful, success_rate, created_at, last_seen,
		       metadata, embedding_id
		FROM patterns
		WHERE confidence >= ?`
	args := []interface{}{opts.MinConfidence}
	if opts.Type != "" {
		query += " AND pattern_type = ?"
		args = append(args, opts.Type)
	}
	if opts.Query != "" {
		query += " AND content LIKE ?"
		args = append(args, "%"+opts.Query+"%")
	}
	query += " ORDER BY confidence DESC, times_seen DESC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("structured search failed: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// UpdateSuccess records the outcome of acting on a pattern. success
// increments times_successful; either way success_rate is recomputed as
// min(times_successful, times_seen) / max(times_seen, 1). Unknown ids are a
// no-op.
func (s *Store) UpdateSuccess(ctx context.Context, id int64, success bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var span *observability.Span
	ctx, span = s.tracer.StartSpan(ctx, SpanUpdateSuccess, observability.WithSpanKind("store"))
	defer s.tracer.EndSpan(span)
	span.SetAttribute("pattern_id", id)
	span.SetAttribute("success", success)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	increment := 0
	if success {
		increment = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns
		SET times_successful = times_successful + ?,
		    success_rate = CAST(MIN(times_successful + ?, times_seen) AS REAL) / MAX(times_seen, 1)
		WHERE id = ?
	`, increment, increment, id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update success: %w", err)
	}
	return nil
}

// Get returns one pattern by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*Pattern, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pattern_type, pattern_name, content, confidence, evidence_count,
		       times_seen, times_successful, success_rate, created_at, last_seen,
		       metadata, embedding_id
		FROM patterns WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern: %w", err)
	}
	defer rows.Close()
	patterns, err := scanPatterns(rows)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, nil
	}
	return &patterns[0], nil
}

// Stats summarizes the store: totals, per-type counts, average confidence,
// the five most-seen patterns, and vector index state.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Stats{
		ByType:             make(map[types.PatternType]int64),
		EmbeddingAvailable: s.embedder != nil && s.index != nil,
	}
	if s.index != nil {
		stats.IndexSize = s.index.Len()
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM patterns
	`).Scan(&stats.TotalPatterns, &stats.AverageConfidence)
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_type, COUNT(*) FROM patterns GROUP BY pattern_type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query type counts: %w", err)
	}
	for rows.Next() {
		var ptype types.PatternType
		var count int64
		if err := rows.Scan(&ptype, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		stats.ByType[ptype] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, pattern_type, pattern_name, content, confidence, evidence_count,
		       times_seen, times_successful, success_rate, created_at, last_seen,
		       metadata, embedding_id
		FROM patterns
		ORDER BY times_seen DESC, confidence DESC
		LIMIT 5
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query top patterns: %w", err)
	}
	defer rows.Close()
	stats.TopPatterns, err = scanPatterns(rows)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func scanPatterns(rows *sql.Rows) ([]Pattern, error) {
	var out []Pattern
	for rows.Next() {
		var (
			p            Pattern
			createdAt    int64
			lastSeen     int64
			metadataJSON sql.NullString
			embeddingID  sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Type, &p.Name, &p.Content, &p.Confidence,
			&p.EvidenceCount, &p.TimesSeen, &p.TimesSuccessful, &p.SuccessRate,
			&createdAt, &lastSeen, &metadataJSON, &embeddingID); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.CreatedAt = time.UnixMicro(createdAt)
		p.LastSeen = time.UnixMicro(lastSeen)
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &p.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata for pattern %d: %w", p.ID, err)
			}
		}
		if embeddingID.Valid {
			id := embeddingID.Int64
			p.EmbeddingID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
