package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a mutating operation affects zero rows.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a mutation would violate a uniqueness
// invariant (e.g. a member row that already exists).
var ErrConflict = errors.New("store: conflict")

// OutboxInsert describes the event a mutating operation enqueues
// co-transactionally with its state change.
type OutboxInsert struct {
	Topic   string
	Key     string
	Payload string
}

// withOutboxTx runs mutate inside a single *sql.Tx, then inserts ev as
// an outbox_events row in the same transaction, committing both
// together. This is the mechanism by which §4.1's "MUST be
// serializable with their associated Outbox insert" contract is met.
func (s *Store) withOutboxTx(ctx context.Context, serverID string, ev OutboxInsert, mutate func(tx *sql.Tx) error) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := mutate(tx); err != nil {
		return "", err
	}

	id := newID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, server_id, topic, key, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, serverID, ev.Topic, ev.Key, ev.Payload, time.Now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("enqueue outbox event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

// CreateChannel inserts a channel row and enqueues ev in one
// transaction.
func (s *Store) CreateChannel(ctx context.Context, ch Channel, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, ch.ServerID, ev, func(tx *sql.Tx) error {
		var parent any
		if ch.ParentID != "" {
			parent = ch.ParentID
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channels (id, server_id, name, parent_id, max_members, max_talkers, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ch.ID, ch.ServerID, ch.Name, parent, ch.MaxMembers, ch.MaxTalkers, ch.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
}

// DeleteChannel removes a channel row. Child channels (parent_id
// referencing this id) have their parent reference cleared first —
// the tree breaks rather than cascades, per §3's invariant.
func (s *Store) DeleteChannel(ctx context.Context, serverID, channelID string, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, serverID, ev, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE channels SET parent_id = NULL WHERE parent_id = ?`, channelID); err != nil {
			return fmt.Errorf("break child channel parents: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id = ? AND server_id = ?`, channelID, serverID)
		if err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE channel_id = ?`, channelID); err != nil {
			return fmt.Errorf("delete channel members: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_overrides WHERE channel_id = ?`, channelID); err != nil {
			return fmt.Errorf("delete channel overrides: %w", err)
		}
		return nil
	})
}

// AddMember inserts a member row if one does not already exist for
// (channel, user). Returns ErrConflict if the member is already
// present — callers (ControlProtocol's Join) treat this as "already a
// member" and proceed without re-inserting.
func (s *Store) AddMember(ctx context.Context, m Member, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, "", ev, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM members WHERE channel_id = ? AND user_id = ?`, m.ChannelID, m.UserID).Scan(&exists)
		if err == nil {
			return ErrConflict
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check existing member: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO members (channel_id, user_id, display_name, muted, deafened, joined_at) VALUES (?, ?, ?, 0, 0, ?)`,
			m.ChannelID, m.UserID, m.DisplayName, m.JoinedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
		return nil
	})
}

// RemoveMember deletes a member row.
func (s *Store) RemoveMember(ctx context.Context, channelID, userID string, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, "", ev, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE channel_id = ? AND user_id = ?`, channelID, userID)
		if err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetMute updates a member's muted flag.
func (s *Store) SetMute(ctx context.Context, channelID, userID string, muted bool, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, "", ev, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE members SET muted = ? WHERE channel_id = ? AND user_id = ?`, muted, channelID, userID)
		if err != nil {
			return fmt.Errorf("set mute: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetDeafen updates a member's deafened flag.
func (s *Store) SetDeafen(ctx context.Context, channelID, userID string, deafened bool, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, "", ev, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE members SET deafened = ? WHERE channel_id = ? AND user_id = ?`, deafened, channelID, userID)
		if err != nil {
			return fmt.Errorf("set deafen: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// MoveMember relocates a member from one channel to another, within a
// single transaction, by deleting the old row and inserting the new
// one (carrying forward display name).
func (s *Store) MoveMember(ctx context.Context, fromChannelID, toChannelID, userID string, ev OutboxInsert) (string, error) {
	return s.withOutboxTx(ctx, "", ev, func(tx *sql.Tx) error {
		var displayName string
		err := tx.QueryRowContext(ctx, `SELECT display_name FROM members WHERE channel_id = ? AND user_id = ?`, fromChannelID, userID).Scan(&displayName)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read member: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM members WHERE channel_id = ? AND user_id = ?`, fromChannelID, userID); err != nil {
			return fmt.Errorf("remove old member: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO members (channel_id, user_id, display_name, muted, deafened, joined_at) VALUES (?, ?, ?, 0, 0, ?)
			 ON CONFLICT(channel_id, user_id) DO NOTHING`,
			toChannelID, userID, displayName, time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert new member: %w", err)
		}
		return nil
	})
}

// PostChat persists a chat message and enqueues ev in one transaction.
// A message with an empty ID is given a fresh one.
func (s *Store) PostChat(ctx context.Context, msg ChatMessage, ev OutboxInsert) (string, error) {
	if msg.ID == "" {
		msg.ID = newID()
	}
	return s.withOutboxTx(ctx, msg.ServerID, ev, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (id, server_id, channel_id, author_id, text, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ServerID, msg.ChannelID, msg.AuthorID, msg.Text, msg.Attachments, msg.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
		return nil
	})
}

// ListRecentChat returns up to limit messages for a channel, oldest
// first, matching the teacher's reverse-then-return idiom.
func (s *Store) ListRecentChat(ctx context.Context, channelID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, channel_id, author_id, text, attachments, created_at
		 FROM chat_messages WHERE channel_id = ? ORDER BY created_at DESC LIMIT ?`,
		channelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ServerID, &m.ChannelID, &m.AuthorID, &m.Text, &m.Attachments, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.CreatedAt = time.Unix(0, createdAt)
		msgs = append(msgs, m)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

// EffectiveCapability is one resolved (capability, effect, tier) row
// for a user on a channel, consumed by package authz.
type EffectiveCapability struct {
	Capability string
	Effect     Effect
	// Tier is "override" or "role" — authz applies override > role
	// precedence using this field.
	Tier string
}

// ResolveEffectiveCapabilities joins role_capabilities (via
// user_roles) and channel_overrides for (user, channel), returning
// every applicable (capability, effect, tier) row. This is a
// read-only query safe at snapshot isolation.
func (s *Store) ResolveEffectiveCapabilities(ctx context.Context, serverID, userID, channelID string) ([]EffectiveCapability, error) {
	var out []EffectiveCapability

	roleRows, err := s.db.QueryContext(ctx, `
		SELECT rc.capability, rc.effect
		FROM user_roles ur
		JOIN role_capabilities rc ON rc.role_id = ur.role_id AND rc.server_id = ur.server_id
		WHERE ur.server_id = ? AND ur.user_id = ?`,
		serverID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query role capabilities: %w", err)
	}
	for roleRows.Next() {
		var ec EffectiveCapability
		var effect string
		if err := roleRows.Scan(&ec.Capability, &effect); err != nil {
			roleRows.Close()
			return nil, fmt.Errorf("scan role capability: %w", err)
		}
		ec.Effect = Effect(effect)
		ec.Tier = "role"
		out = append(out, ec)
	}
	if err := roleRows.Err(); err != nil {
		roleRows.Close()
		return nil, err
	}
	roleRows.Close()

	overrideRows, err := s.db.QueryContext(ctx,
		`SELECT capability, effect FROM channel_overrides WHERE channel_id = ? AND user_id = ?`,
		channelID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channel overrides: %w", err)
	}
	defer overrideRows.Close()
	for overrideRows.Next() {
		var ec EffectiveCapability
		var effect string
		if err := overrideRows.Scan(&ec.Capability, &effect); err != nil {
			return nil, fmt.Errorf("scan channel override: %w", err)
		}
		ec.Effect = Effect(effect)
		ec.Tier = "override"
		out = append(out, ec)
	}
	return out, overrideRows.Err()
}

// RecordAudit appends an audit log entry. Unlike other mutations this
// is not paired with an outbox insert — audits are a side effect, not
// a fan-out event. It runs as its own statement on the connection
// pool and commits on its own; it never joins a caller's transaction.
func (s *Store) RecordAudit(ctx context.Context, e AuditEntry) error {
	id := e.ID
	if id == "" {
		id = newID()
	}
	var actor any
	if e.ActorID != "" {
		actor = e.ActorID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, server_id, actor_id, action, target_type, target_id, context, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.ServerID, actor, e.Action, e.TargetType, e.TargetID, e.Context, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ChannelByID looks up a single channel.
func (s *Store) ChannelByID(ctx context.Context, id string) (Channel, error) {
	var ch Channel
	var parent sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, parent_id, max_members, max_talkers, created_at FROM channels WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.ServerID, &ch.Name, &parent, &ch.MaxMembers, &ch.MaxTalkers, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, fmt.Errorf("get channel: %w", err)
	}
	ch.ParentID = parent.String
	ch.CreatedAt = time.Unix(0, createdAt)
	return ch, nil
}

// ListChannels returns every channel on a server.
func (s *Store) ListChannels(ctx context.Context, serverID string) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, parent_id, max_members, max_talkers, created_at FROM channels WHERE server_id = ?`, serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var ch Channel
		var parent sql.NullString
		var createdAt int64
		if err := rows.Scan(&ch.ID, &ch.ServerID, &ch.Name, &parent, &ch.MaxMembers, &ch.MaxTalkers, &createdAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.ParentID = parent.String
		ch.CreatedAt = time.Unix(0, createdAt)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ListMembers returns every member of a channel.
func (s *Store) ListMembers(ctx context.Context, channelID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, user_id, display_name, muted, deafened, joined_at FROM members WHERE channel_id = ?`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		var joinedAt int64
		if err := rows.Scan(&m.ChannelID, &m.UserID, &m.DisplayName, &m.Muted, &m.Deafened, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = time.Unix(0, joinedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
