// Package registry provides SQLite-backed persistence for the server
// pool, so a restarted control plane re-registers the same backends.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"mcplane/internal/orchestrator"
)

// Store persists server definitions and their last-known status.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the registry database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the schema.
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			server_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			weight INTEGER DEFAULT 1,
			max_connections INTEGER DEFAULT 0,
			failover_threshold INTEGER DEFAULT 3,
			recovery_threshold INTEGER DEFAULT 2,
			status TEXT DEFAULT 'offline',
			registered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create servers table: %w", err)
	}
	return nil
}

// Save inserts or updates a server definition.
func (s *Store) Save(ctx context.Context, def orchestrator.ServerDef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, name, url, weight, max_connections,
			failover_threshold, recovery_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			weight = excluded.weight,
			max_connections = excluded.max_connections,
			failover_threshold = excluded.failover_threshold,
			recovery_threshold = excluded.recovery_threshold
	`, def.ID, def.Name, def.URL, def.Weight, def.MaxConnections,
		def.FailoverThreshold, def.RecoveryThreshold)
	if err != nil {
		return fmt.Errorf("failed to save server %s: %w", def.ID, err)
	}
	return nil
}

// List returns every persisted server definition.
func (s *Store) List(ctx context.Context) ([]orchestrator.ServerDef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, name, url, weight, max_connections,
			failover_threshold, recovery_threshold
		FROM servers
		ORDER BY registered_at, server_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var defs []orchestrator.ServerDef
	for rows.Next() {
		var def orchestrator.ServerDef
		if err := rows.Scan(&def.ID, &def.Name, &def.URL, &def.Weight,
			&def.MaxConnections, &def.FailoverThreshold, &def.RecoveryThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan server row: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Delete removes a server definition.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE server_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}
	return nil
}

// UpdateStatus records a server's last-known status and touch time.
func (s *Store) UpdateStatus(ctx context.Context, id string, status orchestrator.ServerStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE servers SET status = ?, last_seen = ? WHERE server_id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", id, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ensure Store satisfies the orchestrator's registry contract.
var _ orchestrator.RegistryStore = (*Store)(nil)
