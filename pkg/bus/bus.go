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

// Package bus implements the durable priority pub/sub message bus connecting
// the Trinity roles. Messages are persisted to SQLite before Publish returns;
// a message stays pending until acknowledged, so a crash between delivery and
// ack redelivers it on the next subscribe (at-least-once).
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	_ "github.com/trinity-labs/trinity/internal/sqlitedriver"
	"github.com/trinity-labs/trinity/pkg/observability"
)

// Span names for bus operations.
const (
	SpanPublish = "bus.publish"
	SpanAck     = "bus.ack"
	SpanCompact = "bus.compact"
)

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("message bus is closed")

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// Message is one durable bus record.
type Message struct {
	ID            int64
	Queue         string
	Payload       map[string]interface{}
	Priority      int
	CorrelationID string
	Status        Status
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Delivery is one payload yielded to a subscriber. It carries the message ID
// the subscriber must pass to Ack.
type Delivery struct {
	MessageID     int64
	Queue         string
	Payload       map[string]interface{}
	Priority      int
	CorrelationID string
}

// Stats summarizes bus contents and activity.
type Stats struct {
	TotalMessages     int64
	ByStatus          map[Status]int64
	ByQueue           map[string]int64
	ActiveSubscribers int
}

// Bus is the durable priority pub/sub queue.
// All operations are safe for concurrent use. Writes serialize on a single
// mutex; readers share the underlying connection pool.
type Bus struct {
	mu sync.Mutex // guards writes and subscriber registry

	db     *sql.DB
	dbPath string

	// Per-queue active subscribers, in attach order. The first subscriber on
	// a queue owns the startup drain; new messages fan out to all of them.
	subscribers map[string][]*subscriber

	tracer observability.Tracer
	logger *zap.Logger

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalAcked     atomic.Int64

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open opens (or creates) the bus store at dbPath. ":memory:" selects a
// process-lifetime in-memory store shared across connections.
func Open(dbPath string, tracer observability.Tracer, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}

	dbURL := dbPath
	if dbPath == ":memory:" {
		// Shared cache keeps one in-memory database visible to every
		// connection in the pool.
		dbURL = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			logger.Warn("Failed to enable WAL mode", zap.Error(err))
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		logger.Warn("Failed to set busy timeout", zap.Error(err))
	}

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_name TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		processed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_messages_queue_status ON messages(queue_name, status);
	CREATE INDEX IF NOT EXISTS idx_messages_correlation ON messages(correlation_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	b := &Bus{
		db:          db,
		dbPath:      dbPath,
		subscribers: make(map[string][]*subscriber),
		tracer:      tracer,
		logger:      logger,
		done:        make(chan struct{}),
	}

	return b, nil
}

// Publish appends a message to a queue. The message is durable before
// Publish returns; subscribers on the queue are woken afterward.
func (b *Bus) Publish(ctx context.Context, queue string, payload map[string]interface{}, priority int, correlationID string) (int64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	if queue == "" {
		return 0, fmt.Errorf("queue name cannot be empty")
	}

	var span *observability.Span
	ctx, span = b.tracer.StartSpan(ctx, SpanPublish, observability.WithSpanKind("bus"))
	defer b.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrQueue, queue)
	span.SetAttribute("priority", priority)
	if correlationID != "" {
		span.SetAttribute(observability.AttrCorrelationID, correlationID)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO messages (queue_name, payload_json, priority, correlation_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, queue, string(payloadJSON), priority, nullable(correlationID), StatusPending, time.Now().UnixMicro())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to persist message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to read message id: %w", err)
	}

	b.totalPublished.Add(1)
	span.SetAttribute(observability.AttrMessageID, id)

	// Wake every active subscriber on this queue (fanout for new messages).
	for _, sub := range b.subscribers[queue] {
		sub.wake()
	}

	b.logger.Debug("message published",
		zap.Int64("message_id", id),
		zap.String("queue", queue),
		zap.Int("priority", priority))

	return id, nil
}

// Ack marks a message processed. Idempotent: acking an already-processed or
// unknown id is a no-op.
func (b *Bus) Ack(ctx context.Context, messageID int64) error {
	if b.closed.Load() {
		return ErrClosed
	}

	var span *observability.Span
	ctx, span = b.tracer.StartSpan(ctx, SpanAck, observability.WithSpanKind("bus"))
	defer b.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrMessageID, messageID)

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, processed_at = ?
		WHERE id = ? AND status = ?
	`, StatusProcessed, time.Now().UnixMicro(), messageID, StatusPending)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to ack message: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		b.totalAcked.Add(1)
	}
	return nil
}

// PendingCount returns the number of pending messages in a queue.
func (b *Bus) PendingCount(ctx context.Context, queue string) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE queue_name = ? AND status = ?
	`, queue, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// ByCorrelation returns every message across all queues carrying the given
// correlation id, ordered by creation time.
func (b *Bus) ByCorrelation(ctx context.Context, correlationID string) ([]Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, queue_name, payload_json, priority, correlation_id, status, created_at, processed_at
		FROM messages
		WHERE correlation_id = ?
		ORDER BY created_at ASC, id ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query by correlation: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Stats returns bus totals, per-status and per-queue counts, and the number
// of active subscribers.
func (b *Bus) Stats(ctx context.Context) (*Stats, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	stats := &Stats{
		ByStatus: make(map[Status]int64),
		ByQueue:  make(map[string]int64),
	}

	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status counts: %w", err)
	}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.TotalMessages += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = b.db.QueryContext(ctx, `SELECT queue_name, COUNT(*) FROM messages GROUP BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var queue string
		var count int64
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		stats.ByQueue[queue] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	for _, subs := range b.subscribers {
		stats.ActiveSubscribers += len(subs)
	}
	b.mu.Unlock()

	return stats, nil
}

// Compact deletes processed messages older than the retention window.
// Pending messages are never touched. Returns the number of rows removed.
func (b *Bus) Compact(ctx context.Context, retention time.Duration) (int64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	var span *observability.Span
	ctx, span = b.tracer.StartSpan(ctx, SpanCompact, observability.WithSpanKind("bus"))
	defer b.tracer.EndSpan(span)

	cutoff := time.Now().Add(-retention).UnixMicro()

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx, `
		DELETE FROM messages WHERE status = ? AND processed_at IS NOT NULL AND processed_at < ?
	`, StatusProcessed, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to compact messages: %w", err)
	}

	removed, _ := res.RowsAffected()
	span.SetAttribute("removed", removed)
	if removed > 0 {
		b.logger.Info("compacted processed messages", zap.Int64("removed", removed))
	}
	return removed, nil
}

// Close stops all subscribers and closes the store. Unacked messages remain
// pending and will be redelivered after reopen.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	close(b.done)
	b.wg.Wait()

	b.logger.Info("message bus closing",
		zap.Int64("total_published", b.totalPublished.Load()),
		zap.Int64("total_delivered", b.totalDelivered.Load()),
		zap.Int64("total_acked", b.totalAcked.Load()))

	return b.db.Close()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m             Message
			payloadJSON   string
			correlationID sql.NullString
			createdAt     int64
			processedAt   sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.Queue, &payloadJSON, &m.Priority, &correlationID, &m.Status, &createdAt, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &m.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for message %d: %w", m.ID, err)
		}
		if correlationID.Valid {
			m.CorrelationID = correlationID.String
		}
		m.CreatedAt = time.UnixMicro(createdAt)
		if processedAt.Valid {
			t := time.UnixMicro(processedAt.Int64)
			m.ProcessedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
