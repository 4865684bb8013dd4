package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoOpenConnection = errors.New("no open connection")

// Connection is one stay of a device on the hub.
type Connection struct {
	ID             string         `json:"id"`
	MachineID      string         `json:"mid"`
	RemoteAddr     string         `json:"remote_addr"`
	Properties     map[string]any `json:"properties,omitempty"`
	ConnectedAt    time.Time      `json:"connected_at"`
	DisconnectedAt *time.Time     `json:"disconnected_at,omitempty"`
}

// Store persists connection history in the agent_connections table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) RecordJoin(ctx context.Context, mid, remoteAddr string, props map[string]any, at time.Time) (string, error) {
	var doc []byte
	if props != nil {
		var err error
		if doc, err = json.Marshal(props); err != nil {
			return "", fmt.Errorf("encode properties: %w", err)
		}
	}

	id := uuid.New()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_connections (id, machine_id, remote_addr, properties, connected_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, mid, remoteAddr, doc, at)
	if err != nil {
		return "", fmt.Errorf("insert connection: %w", err)
	}
	return id.String(), nil
}

// RecordLeave closes the most recent open connection of mid.
func (s *Store) RecordLeave(ctx context.Context, mid string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_connections SET disconnected_at = $2
		 WHERE id = (
		     SELECT id FROM agent_connections
		     WHERE machine_id = $1 AND disconnected_at IS NULL
		     ORDER BY connected_at DESC LIMIT 1
		 )`,
		mid, at)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w for %s", ErrNoOpenConnection, mid)
	}
	return nil
}

// CloseOpen marks every still-open connection as ended. Used at startup,
// since no device is connected to a hub that has just started.
func (s *Store) CloseOpen(ctx context.Context, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_connections SET disconnected_at = $1 WHERE disconnected_at IS NULL`, at)
	if err != nil {
		return 0, fmt.Errorf("close open connections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OpenMachines lists the machine ids that have a connection without an end.
func (s *Store) OpenMachines(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT machine_id FROM agent_connections
		 WHERE disconnected_at IS NULL ORDER BY machine_id`)
	if err != nil {
		return nil, fmt.Errorf("query open connections: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// History returns mid's connections, newest first.
func (s *Store) History(ctx context.Context, mid string, limit int) ([]Connection, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, machine_id, remote_addr, properties, connected_at, disconnected_at
		 FROM agent_connections WHERE machine_id = $1
		 ORDER BY connected_at DESC LIMIT $2`,
		mid, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Connection, error) {
		var (
			c   Connection
			id  uuid.UUID
			doc []byte
		)
		if err := row.Scan(&id, &c.MachineID, &c.RemoteAddr, &doc, &c.ConnectedAt, &c.DisconnectedAt); err != nil {
			return c, err
		}
		c.ID = id.String()
		if len(doc) > 0 {
			if err := json.Unmarshal(doc, &c.Properties); err != nil {
				return c, fmt.Errorf("decode properties: %w", err)
			}
		}
		return c, nil
	})
}
