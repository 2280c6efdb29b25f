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
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// subscriber is one active subscription on a queue.
type subscriber struct {
	queue string
	ch    chan Delivery
	// notify wakes the delivery loop after a publish. Size 1: coalesced
	// notifications are fine because each wake re-queries all pending rows.
	notify chan struct{}

	// delivered tracks message ids already yielded on this subscription so an
	// unacked message is not yielded twice within one live subscribe.
	delivered map[int64]struct{}

	// drainOwner marks the subscriber that attached first on its queue; only
	// it receives the messages that were already pending at attach time. New
	// messages fan out to every active subscriber.
	drainOwner bool
	attachID   int64
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
		// Already has a pending wakeup.
	}
}

// Subscribe opens a subscription on a queue. The returned channel first
// yields all currently-pending messages in priority order, then follows new
// publishes until ctx is canceled or the bus closes. batchSize bounds the
// channel buffer; values below 1 are treated as 1.
//
// A subscriber dropped mid-message leaves that message pending; it will be
// redelivered to the next subscription.
func (b *Bus) Subscribe(ctx context.Context, queue string, batchSize int) (<-chan Delivery, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if queue == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if batchSize < 1 {
		batchSize = 1
	}

	var attachID int64
	if err := b.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM messages WHERE queue_name = ?
	`, queue).Scan(&attachID); err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}

	sub := &subscriber{
		queue:     queue,
		ch:        make(chan Delivery, batchSize),
		notify:    make(chan struct{}, 1),
		delivered: make(map[int64]struct{}),
		attachID:  attachID,
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub.drainOwner = len(b.subscribers[queue]) == 0
	b.subscribers[queue] = append(b.subscribers[queue], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(ctx, sub)

	b.logger.Debug("subscriber attached",
		zap.String("queue", queue),
		zap.Bool("drain_owner", sub.drainOwner))

	return sub.ch, nil
}

// deliverLoop drains pending messages, then blocks for new publishes.
func (b *Bus) deliverLoop(ctx context.Context, sub *subscriber) {
	defer b.wg.Done()
	defer b.detach(sub)
	defer close(sub.ch)

	for {
		deliveries, err := b.fetchPending(ctx, sub)
		if err != nil {
			if ctx.Err() != nil || b.closed.Load() {
				return
			}
			b.logger.Warn("failed to fetch pending messages",
				zap.String("queue", sub.queue), zap.Error(err))
		}

		for _, d := range deliveries {
			select {
			case sub.ch <- d:
				sub.delivered[d.MessageID] = struct{}{}
				b.totalDelivered.Add(1)
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}

		if len(deliveries) > 0 {
			// More rows may remain below the fetch window.
			continue
		}

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

// fetchPending returns undelivered pending messages for this subscription in
// delivery order (priority DESC, created_at ASC).
func (b *Bus) fetchPending(ctx context.Context, sub *subscriber) ([]Delivery, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, payload_json, priority, correlation_id
		FROM messages
		WHERE queue_name = ? AND status = ?
		ORDER BY priority DESC, created_at ASC, id ASC
	`, sub.queue, StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make(map[int64]struct{})
	var out []Delivery
	for rows.Next() {
		var (
			id            int64
			payloadJSON   string
			priority      int
			correlationID sql.NullString
		)
		if err := rows.Scan(&id, &payloadJSON, &priority, &correlationID); err != nil {
			return nil, err
		}
		pending[id] = struct{}{}

		if _, seen := sub.delivered[id]; seen {
			continue
		}
		// Messages that predate this subscription belong to the drain owner.
		if id <= sub.attachID && !sub.drainOwner {
			continue
		}

		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			b.logger.Warn("skipping message with malformed payload",
				zap.Int64("message_id", id), zap.Error(err))
			continue
		}

		d := Delivery{
			MessageID: id,
			Queue:     sub.queue,
			Payload:   payload,
			Priority:  priority,
		}
		if correlationID.Valid {
			d.CorrelationID = correlationID.String
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Prune delivery bookkeeping for messages that are no longer pending;
	// they were acked (or compacted) and can never be redelivered.
	for id := range sub.delivered {
		if _, still := pending[id]; !still {
			delete(sub.delivered, id)
		}
	}

	return out, nil
}

// detach removes a subscriber from the registry. If the drain owner leaves,
// drain ownership passes to the oldest remaining subscriber.
func (b *Bus) detach(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.queue]
	for i, s := range subs {
		if s == sub {
			b.subscribers[sub.queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if sub.drainOwner && len(b.subscribers[sub.queue]) > 0 {
		b.subscribers[sub.queue][0].drainOwner = true
	}
}
