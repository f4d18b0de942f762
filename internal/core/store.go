package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/chat-gateway/internal/db"
)

// Store owns Message persistence. Presence is deliberately not persisted;
// a restart leaves pending messages waiting for the next sweep or fetch.
type Store struct {
	DB *db.DB

	// Now is swappable for tests; nil means time.Now.
	Now func() time.Time
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Clock returns the store's current time, honoring the injected clock.
// Callers deciding dueness must use this, not the wall clock, so a warped
// clock moves the whole pipeline together.
func (s *Store) Clock() time.Time { return s.now() }

// Small slack so "schedule for right now" does not flap on clock skew.
const dueAtGrace = time.Second

type SendRequest struct {
	SenderID   string
	ReceiverID string
	Body       string
	Attachment *Attachment
	DueAt      *time.Time
}

const msgColumns = `id, sender_id, receiver_id, body, attachment_url, attachment_kind,
	created_at, due_at, delivery_state, delivered_at, edited, deleted_at`

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	var attURL, attKind *string
	err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &attURL, &attKind,
		&m.CreatedAt, &m.DueAt, &m.DeliveryState, &m.DeliveredAt, &m.Edited, &m.DeletedAt)
	if err != nil {
		return Message{}, err
	}
	if attURL != nil && attKind != nil {
		m.Attachment = &Attachment{URL: *attURL, Kind: AttachmentKind(*attKind)}
	}
	return m, nil
}

// Append persists a new message. A message needs a body or an attachment,
// and a scheduled message must not be dated in the past.
func (s *Store) Append(ctx context.Context, r SendRequest) (Message, error) {
	if r.Body == "" && r.Attachment == nil {
		return Message{}, Validation("message needs a body or an attachment")
	}
	if r.DueAt != nil && r.DueAt.Before(s.now().Add(-dueAtGrace)) {
		return Message{}, Validation("due_at is in the past")
	}

	var attURL, attKind *string
	if r.Attachment != nil {
		attURL = &r.Attachment.URL
		k := string(r.Attachment.Kind)
		attKind = &k
	}

	row := s.DB.Pool.QueryRow(ctx, `
		INSERT INTO messages(sender_id, receiver_id, body, attachment_url, attachment_kind, due_at)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING `+msgColumns,
		r.SenderID, r.ReceiverID, r.Body, attURL, attKind, r.DueAt)
	return scanMessage(row)
}

// Get loads a single message regardless of tombstone state. The dispatcher
// uses it for the pre-push tombstone check.
func (s *Store) Get(ctx context.Context, id int64) (Message, error) {
	row := s.DB.Pool.QueryRow(ctx, `SELECT `+msgColumns+` FROM messages WHERE id=$1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFound("message not found")
	}
	return m, err
}

// Conversation lists the visible history between the unordered pair {a, b},
// oldest first. A message scheduled for the future does not exist yet, for
// either party — sender included.
func (s *Store) Conversation(ctx context.Context, a, b string) ([]Message, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+msgColumns+` FROM messages
		WHERE ((sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1))
		  AND deleted_at IS NULL
		  AND (due_at IS NULL OR due_at <= $3)
		ORDER BY created_at, id
	`, a, b, s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DueForDelivery returns pending, non-deleted messages whose due time has
// passed (or that never had one). This is the sweep query.
func (s *Store) DueForDelivery(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		SELECT `+msgColumns+` FROM messages
		WHERE delivery_state='pending'
		  AND deleted_at IS NULL
		  AND (due_at IS NULL OR due_at <= $1)
		ORDER BY created_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered transitions pending -> delivered. The conditional update is
// the CAS that keeps racing delivery attempts (send path vs. sweep) from
// double-transitioning; already-delivered is a no-op. The update and the
// existence probe run in one transaction so the no-op/not-found distinction
// cannot be fooled by a concurrent insert or purge.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages SET delivery_state='delivered', delivered_at=now()
			WHERE id=$1 AND delivery_state='pending'
		`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return NotFound("message not found")
		}
		return nil
	})
}

// Edit replaces the body last-write-wins; history is not kept. Tombstoned
// messages are immutable.
func (s *Store) Edit(ctx context.Context, id int64, newBody string) (Message, error) {
	if newBody == "" {
		return Message{}, Validation("new body is empty")
	}
	row := s.DB.Pool.QueryRow(ctx, `
		UPDATE messages SET body=$2, edited=true
		WHERE id=$1 AND deleted_at IS NULL
		RETURNING `+msgColumns, id, newBody)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, NotFound("message not found or deleted")
	}
	return m, err
}

// SoftDelete tombstones the message. Deleting twice is fine; deleting an
// unknown id is not.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	return s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE messages SET deleted_at=now() WHERE id=$1 AND deleted_at IS NULL
		`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return NotFound("message not found")
		}
		return nil
	})
}
