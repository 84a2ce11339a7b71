package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// LogForward records one relay decision
func (s *Store) LogForward(r protocol.ForwardRecord) error {
	query := `
		INSERT INTO forward_log (message_id, sender_id, receiver_id, from_peer, next_hop, hop_count, failed, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if r.Timestamp == 0 {
		r.Timestamp = protocol.NowUnixMilli()
	}
	_, err := s.db.Exec(query, r.MessageID.String(), r.SenderID, r.ReceiverID, r.FromPeer,
		r.NextHop, r.HopCount, r.Failed, r.Reason, r.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to log forward: %w", err)
	}
	return nil
}

// ForwardLog returns every recorded decision for a message, oldest first
func (s *Store) ForwardLog(messageID uuid.UUID) ([]protocol.ForwardRecord, error) {
	rows, err := s.db.Query(`
		SELECT message_id, sender_id, receiver_id, from_peer, next_hop, hop_count, failed, reason, timestamp
		FROM forward_log
		WHERE message_id = ?
		ORDER BY timestamp ASC, id ASC
	`, messageID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get forward log: %w", err)
	}
	defer rows.Close()

	var out []protocol.ForwardRecord
	for rows.Next() {
		var (
			r     protocol.ForwardRecord
			idStr string
		)
		if err := rows.Scan(&idStr, &r.SenderID, &r.ReceiverID, &r.FromPeer, &r.NextHop,
			&r.HopCount, &r.Failed, &r.Reason, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan forward log: %w", err)
		}
		if r.MessageID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("corrupt message id %q: %w", idStr, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneForwardLog deletes entries older than olderThan and returns how many were removed
func (s *Store) PruneForwardLog(olderThan time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM forward_log WHERE timestamp < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune forward log: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		s.logger.Debug("forward log pruned", zap.Int64("removed", count))
	}
	return count, nil
}
