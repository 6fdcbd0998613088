// Package notify implements the session event/control bus on top of
// PostgreSQL LISTEN/NOTIFY. It gives internal/session its EventSink and
// ControlSource implementations: Publish persists-then-notifies, Subscribe
// acquires a dedicated connection (never the main write pool) and decodes
// each NOTIFY payload into a channel the session process ranges over.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	agendo "github.com/agendo/core"
)

// maxPayloadBytes is the cutoff past which a publish collapses to a ref
// stub instead of carrying the full event body over the wire.
const maxPayloadBytes = 7500

// refStub is what a subscriber receives in place of an oversize payload;
// it refetches the full event from the store by id.
type refStub struct {
	Type         string `json:"type"`
	OriginalType string `json:"originalType"`
	ID           string `json:"id"`
}

// Bus implements session.EventSink and session.ControlSource.
type Bus struct {
	pool   *pgxpool.Pool
	store  agendo.Store
	logger *slog.Logger
}

// New creates a Bus. pool must point at the same database store writes
// through, since Subscribe acquires its own dedicated connection from it
// for the lifetime of a LISTEN.
func New(pool *pgxpool.Pool, store agendo.Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{pool: pool, store: store, logger: logger}
}

func eventsChannel(sessionID string) string {
	return "events_" + strings.ReplaceAll(sessionID, "-", "")
}

func controlChannel(sessionID string) string {
	return "control_" + strings.ReplaceAll(sessionID, "-", "")
}

// Publish persists ev (unless ephemeral) and notifies events_<sid>. When
// the encoded payload exceeds maxPayloadBytes, the notify body is
// collapsed to a ref stub; the full payload is still available via the
// persisted row (or, for ephemeral types, is simply dropped — ephemeral
// events must already be small, per the session process's delta
// coalescing contract).
func (b *Bus) Publish(ctx context.Context, sessionID string, ev agendo.Event) error {
	if !ev.Type.Ephemeral() {
		if ev.ID == "" {
			ev.ID = agendo.NewID()
		}
		if ev.CreatedAt == 0 {
			ev.CreatedAt = agendo.NowUnix()
		}
		seq, err := b.store.AppendEvent(ctx, ev)
		if err != nil {
			return fmt.Errorf("notify: persist event: %w", err)
		}
		ev.Seq = seq
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	if len(body) > maxPayloadBytes {
		if ev.Type.Ephemeral() {
			// Nothing to refetch for an unpersisted event; drop the body
			// entirely rather than publish a dangling ref.
			return nil
		}
		stub, err := json.Marshal(refStub{Type: "ref", OriginalType: string(ev.Type), ID: ev.ID})
		if err != nil {
			return fmt.Errorf("notify: marshal ref stub: %w", err)
		}
		body = stub
	}

	return b.notify(ctx, eventsChannel(sessionID), body)
}

// PublishControl sends a ControlEnvelope on control_<sid>. Unlike events,
// control messages are never persisted — a dropped control message is a
// missed instruction, not a missed history entry, so there is nothing to
// append, and no size guard is applied.
func (b *Bus) PublishControl(ctx context.Context, sessionID string, env agendo.ControlEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("notify: marshal control envelope: %w", err)
	}
	return b.notify(ctx, controlChannel(sessionID), body)
}

func (b *Bus) notify(ctx context.Context, channel string, payload []byte) error {
	// pg_notify takes the payload as a single SQL literal; passing it as a
	// bound parameter (rather than string-concatenating into LISTEN/NOTIFY
	// syntax) avoids any escaping concerns.
	_, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	if err != nil {
		return fmt.Errorf("notify: pg_notify on %s: %w", channel, err)
	}
	return nil
}

// Subscribe acquires a dedicated connection from the pool, issues LISTEN
// on control_<sid>, and streams decoded ControlEnvelopes on the returned
// channel until the context is cancelled or unsubscribe is called. The
// connection is released back to the pool (after a LISTEN fails to matter
// further) on either exit path.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan agendo.ControlEnvelope, func(), error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("notify: acquire listen connection: %w", err)
	}

	channel := controlChannel(sessionID)
	if _, err := conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("notify: listen %s: %w", channel, err)
	}

	out := make(chan agendo.ControlEnvelope, 16)
	subCtx, cancel := context.WithCancel(ctx)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
		})
	}

	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				b.logger.Warn("notify: listen wait failed", "channel", channel, "error", err)
				return
			}
			var env agendo.ControlEnvelope
			if err := json.Unmarshal([]byte(notification.Payload), &env); err != nil {
				b.logger.Warn("notify: malformed control payload skipped", "channel", channel, "error", err)
				continue
			}
			select {
			case out <- env:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return out, unsubscribe, nil
}
