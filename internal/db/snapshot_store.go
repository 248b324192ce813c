package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klemenkosir/flipper/internal/state"
)

// SnapshotStore persists exported atom snapshots in the snapshots table,
// one row per (plugin, client) pair.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store on an already-migrated database.
func NewSnapshotStore(sqlDB *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: sqlDB}
}

// Load returns the stored snapshot for the given pair, or nil if none exists.
func (s *SnapshotStore) Load(ctx context.Context, pluginID, clientID string) (state.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE plugin_id = ? AND client_id = ?`,
		pluginID, clientID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s/%s: %w", pluginID, clientID, err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s/%s: %w", pluginID, clientID, err)
	}
	return snap, nil
}

// Save upserts the snapshot for the given pair. An empty snapshot deletes
// the row so stale state doesn't outlive a plugin that stopped persisting.
func (s *SnapshotStore) Save(ctx context.Context, pluginID, clientID string, snap state.Snapshot) error {
	if len(snap) == 0 {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE plugin_id = ? AND client_id = ?`,
			pluginID, clientID,
		)
		if err != nil {
			return fmt.Errorf("failed to clear snapshot for %s/%s: %w", pluginID, clientID, err)
		}
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s/%s: %w", pluginID, clientID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (plugin_id, client_id, data, updated_at)
		VALUES (?, ?, ?, unixepoch())
		ON CONFLICT (plugin_id, client_id)
		DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		pluginID, clientID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s/%s: %w", pluginID, clientID, err)
	}
	return nil
}

// Clients returns the distinct client IDs that have stored snapshots.
func (s *SnapshotStore) Clients(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT client_id FROM snapshots ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot clients: %w", err)
	}
	defer rows.Close()

	var clients []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		clients = append(clients, id)
	}
	return clients, rows.Err()
}

// Purge removes every snapshot belonging to a client.
func (s *SnapshotStore) Purge(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("failed to purge snapshots for %s: %w", clientID, err)
	}
	return nil
}
