// Package outbox implements the claim-lease publication protocol on
// top of the outbox_events rows written by package store.
//
// Grounded on the poll-claim-retry-deadletter shape of
// the "Forwarder"/"OutboxStore" pattern found in the broader example
// corpus (a NATS/Watermill transactional-outbox forwarder), adapted
// here to a SQLite claim-token compare-and-swap model matching spec
// §4.3 exactly: claim() stamps claimed_at+claim_token in one
// conditional UPDATE so only one claimant wins each row, and
// mark_published only succeeds for rows whose claim_token still
// matches.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// newEventID returns a lexicographically sortable, time-ordered id,
// matching store.newID so standalone Enqueue calls sort alongside
// withOutboxTx-inserted rows under Claim's `ORDER BY id ASC`.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Event is a claimed outbox row handed to a publisher.
type Event struct {
	ID        string
	ServerID  string
	Topic     string
	Key       string
	Payload   string
	CreatedAt time.Time
	Attempts  int
}

// Outbox exposes enqueue/claim/mark_published/release against a
// shared *sql.DB (the same connection pool package store opened).
type Outbox struct {
	db *sql.DB

	// MaxAttempts bounds how many times an event may be claimed and
	// fail before it is marked dead. Zero disables dead-lettering.
	MaxAttempts int
}

// New constructs an Outbox over db.
func New(db *sql.DB, maxAttempts int) *Outbox {
	return &Outbox{db: db, MaxAttempts: maxAttempts}
}

// Enqueue inserts a standalone outbox row outside of any Store
// mutation transaction. Production callers always go through
// store.Store's withOutboxTx helper so the event commits atomically
// with its state change; this method exists for components (and
// tests) that legitimately need to publish an event with no paired
// mutation, such as a periodic heartbeat.
func (o *Outbox) Enqueue(ctx context.Context, serverID, topic, key, payload string) (string, error) {
	id := newEventID()
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, server_id, topic, key, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, serverID, topic, key, payload, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue event: %w", err)
	}
	return id, nil
}

// Claim selects up to max oldest unpublished, unclaimed-or-expired
// events for a server, stamps claimed_at/claim_token, and returns
// them. The selection-then-stamp is done as a single statement per
// row inside one transaction so concurrent claimants cannot both win
// the same row.
func (o *Outbox) Claim(ctx context.Context, serverID string, max int, leaseDuration time.Duration) ([]Event, string, error) {
	if max <= 0 {
		return nil, "", nil
	}
	// The claim token is a CAS fencing value, not a sortable id, so a
	// random v4 is fine here.
	token := uuid.New().String()
	now := time.Now()
	leaseExpiry := now.Add(-leaseDuration).UnixNano()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM outbox_events
		WHERE server_id = ? AND published_at IS NULL AND dead = 0
		  AND (claimed_at IS NULL OR claimed_at < ?)
		ORDER BY id ASC LIMIT ?`,
		serverID, leaseExpiry, max,
	)
	if err != nil {
		return nil, "", fmt.Errorf("select claimable events: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, "", fmt.Errorf("scan claimable id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, "", err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, "", tx.Commit()
	}

	var claimed []Event
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox_events SET claimed_at = ?, claim_token = ?, attempts = attempts + 1
			WHERE id = ? AND published_at IS NULL AND dead = 0
			  AND (claimed_at IS NULL OR claimed_at < ?)`,
			now.UnixNano(), token, id, leaseExpiry,
		)
		if err != nil {
			return nil, "", fmt.Errorf("claim event %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Lost the race to another claimant between select and update.
			continue
		}
		var ev Event
		var serverIDCol, topic, key, payload string
		var createdAt int64
		var attempts int
		err = tx.QueryRowContext(ctx, `SELECT server_id, topic, key, payload, created_at, attempts FROM outbox_events WHERE id = ?`, id).
			Scan(&serverIDCol, &topic, &key, &payload, &createdAt, &attempts)
		if err != nil {
			return nil, "", fmt.Errorf("read claimed event %s: %w", id, err)
		}
		ev = Event{
			ID:        id,
			ServerID:  serverIDCol,
			Topic:     topic,
			Key:       key,
			Payload:   payload,
			CreatedAt: time.Unix(0, createdAt),
			Attempts:  attempts,
		}
		claimed = append(claimed, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, token, nil
}

// MarkPublished stamps published_at for every id in ids whose
// claim_token still matches token. Rows whose lease expired and were
// re-claimed by another publisher are silently ignored — the
// claim_token comparison is exactly the conditional update spec §4.3
// requires.
func (o *Outbox) MarkPublished(ctx context.Context, ids []string, token string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixNano()
	for _, id := range ids {
		if _, err := o.db.ExecContext(ctx,
			`UPDATE outbox_events SET published_at = ? WHERE id = ? AND claim_token = ? AND published_at IS NULL`,
			now, id, token,
		); err != nil {
			return fmt.Errorf("mark published %s: %w", id, err)
		}
	}
	return nil
}

// Release clears the claim on ids without publishing, so another
// publisher may pick them up before the lease would otherwise expire.
// If MaxAttempts is set and an event's attempts counter has reached
// it, the event is marked dead instead of released and its id is
// returned in deadIDs. No audit entry is written for a dead event,
// here or by any caller; runPublishCycle only logs the count.
func (o *Outbox) Release(ctx context.Context, ids []string, token string) (deadIDs []string, err error) {
	for _, id := range ids {
		if o.MaxAttempts > 0 {
			var attempts int
			err := o.db.QueryRowContext(ctx, `SELECT attempts FROM outbox_events WHERE id = ? AND claim_token = ?`, id, token).Scan(&attempts)
			if err == nil && attempts >= o.MaxAttempts {
				if _, err := o.db.ExecContext(ctx, `UPDATE outbox_events SET dead = 1 WHERE id = ? AND claim_token = ?`, id, token); err != nil {
					return deadIDs, fmt.Errorf("mark dead %s: %w", id, err)
				}
				deadIDs = append(deadIDs, id)
				slog.Warn("outbox event marked dead after max attempts", "event_id", id, "attempts", attempts)
				continue
			}
		}
		if _, err := o.db.ExecContext(ctx,
			`UPDATE outbox_events SET claimed_at = NULL, claim_token = NULL WHERE id = ? AND claim_token = ?`,
			id, token,
		); err != nil {
			return deadIDs, fmt.Errorf("release %s: %w", id, err)
		}
	}
	return deadIDs, nil
}

// PendingCount reports the number of unpublished, non-dead rows for a
// server, used by the adminapi health/metrics endpoint.
func (o *Outbox) PendingCount(ctx context.Context, serverID string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE server_id = ? AND published_at IS NULL AND dead = 0`, serverID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
