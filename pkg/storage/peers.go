package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// SavePeer inserts or updates a peer identity. FirstSeen of an existing row is kept.
func (s *Store) SavePeer(p *protocol.PeerIdentity) error {
	query := `
		INSERT INTO peers (device_id, public_key, first_seen, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			public_key = excluded.public_key,
			updated_at = excluded.updated_at
	`
	_, err := s.db.Exec(query, p.DeviceID, p.PublicKey, p.FirstSeen.UnixMilli(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save peer: %w", err)
	}
	return nil
}

// GetPeer loads a peer identity by device id
func (s *Store) GetPeer(deviceID string) (*protocol.PeerIdentity, error) {
	row := s.db.QueryRow(`SELECT device_id, public_key, first_seen, updated_at FROM peers WHERE device_id = ?`, deviceID)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %q: %w", deviceID, ErrNotFound)
	}
	return p, err
}

// ListPeers returns all known peers ordered by device id
func (s *Store) ListPeers() ([]*protocol.PeerIdentity, error) {
	rows, err := s.db.Query(`SELECT device_id, public_key, first_seen, updated_at FROM peers ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var out []*protocol.PeerIdentity
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPeer(row scanner) (*protocol.PeerIdentity, error) {
	var (
		p                   protocol.PeerIdentity
		firstSeen, updated int64
	)
	if err := row.Scan(&p.DeviceID, &p.PublicKey, &firstSeen, &updated); err != nil {
		return nil, err
	}
	p.FirstSeen = time.UnixMilli(firstSeen)
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}
