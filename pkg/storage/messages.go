package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// SaveMessage inserts a new message
func (s *Store) SaveMessage(msg *protocol.Message) error {
	query := `
		INSERT INTO messages (message_id, sender_id, receiver_id, content, timestamp, hop_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	content := msg.Content
	if content == nil {
		content = []byte{}
	}

	_, err := s.db.Exec(query, msg.ID.String(), msg.SenderID, msg.ReceiverID, content,
		msg.Timestamp, msg.HopCount, msg.Status.String())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("message %s: %w", msg.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// UpdateMessageStatus moves a stored message to status. Backward moves are
// rejected with protocol.ErrInvalidTransition.
func (s *Store) UpdateMessageStatus(id uuid.UUID, status protocol.MessageStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM messages WHERE message_id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read message status: %w", err)
	}

	from, err := protocol.ParseMessageStatus(current)
	if err != nil {
		return err
	}
	if from == status {
		return nil
	}
	if !protocol.CanTransition(from, status) {
		return fmt.Errorf("%w: %s -> %s", protocol.ErrInvalidTransition, from, status)
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE message_id = ?`, status.String(), id.String()); err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return tx.Commit()
}

// GetMessage loads a message by id
func (s *Store) GetMessage(id uuid.UUID) (*protocol.Message, error) {
	row := s.db.QueryRow(`
		SELECT message_id, sender_id, receiver_id, content, timestamp, hop_count, status
		FROM messages WHERE message_id = ?
	`, id.String())

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, err
}

// ListMessages returns the most recent messages exchanged with peer, oldest first.
// Deleted messages are skipped. limit <= 0 means no limit.
func (s *Store) ListMessages(peer string, limit int) ([]*protocol.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT message_id, sender_id, receiver_id, content, timestamp, hop_count, status FROM (
			SELECT id, message_id, sender_id, receiver_id, content, timestamp, hop_count, status
			FROM messages
			WHERE (sender_id = ? OR receiver_id = ?) AND status != ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, peer, peer, protocol.StatusDeleted.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteMessage marks a message Deleted and drops its content
func (s *Store) DeleteMessage(id uuid.UUID) error {
	if err := s.UpdateMessageStatus(id, protocol.StatusDeleted); err != nil {
		return err
	}
	_, err := s.db.Exec(`UPDATE messages SET content = X'' WHERE message_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to clear message content: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*protocol.Message, error) {
	var (
		idStr, status string
		msg           protocol.Message
	)
	if err := row.Scan(&idStr, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Timestamp, &msg.HopCount, &status); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt message id %q: %w", idStr, err)
	}
	msg.ID = id

	msg.Status, err = protocol.ParseMessageStatus(status)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
