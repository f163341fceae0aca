package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAgentNotFound signals that no agent exists with the given id.
	ErrAgentNotFound = errors.New("identity: agent not found")
	// ErrPublicKeyExists signals that the public key is already registered
	// to a (possibly different) agent.
	ErrPublicKeyExists = errors.New("identity: public key already registered")
)

// Repository handles data access for the agent registry, translated from
// the teacher's pgx-backed auth.Repository to database/sql +
// modernc.org/sqlite.
type Repository interface {
	CreateAgent(ctx context.Context, name, publicKey string) (Agent, error)
	GetAgent(ctx context.Context, agentID string) (Agent, error)
	GetAgentByPublicKey(ctx context.Context, publicKey string) (Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
}

// SQLiteRepository implements Repository backed by a single SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id      TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	public_key    TEXT NOT NULL UNIQUE,
	registered_at TEXT NOT NULL
);
`

// NewSQLiteRepository wires a Repository against db, assumed already
// migrated via Migrate.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Schema returns the DDL this repository expects, for sqlitedb.Migrate.
func Schema() string { return schema }

func (r *SQLiteRepository) CreateAgent(ctx context.Context, name, publicKey string) (Agent, error) {
	agent := Agent{
		AgentID:      "a-" + uuid.NewString(),
		Name:         name,
		PublicKey:    publicKey,
		RegisteredAt: time.Now().UTC(),
	}
	const insertSQL = `INSERT INTO agents (agent_id, name, public_key, registered_at) VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, insertSQL, agent.AgentID, agent.Name, agent.PublicKey, agent.RegisteredAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return Agent{}, ErrPublicKeyExists
		}
		return Agent{}, fmt.Errorf("identity: create agent: %w", err)
	}
	return agent, nil
}

func (r *SQLiteRepository) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	const selectSQL = `SELECT agent_id, name, public_key, registered_at FROM agents WHERE agent_id = ?`
	return scanAgent(r.db.QueryRowContext(ctx, selectSQL, agentID))
}

func (r *SQLiteRepository) GetAgentByPublicKey(ctx context.Context, publicKey string) (Agent, error) {
	const selectSQL = `SELECT agent_id, name, public_key, registered_at FROM agents WHERE public_key = ?`
	return scanAgent(r.db.QueryRowContext(ctx, selectSQL, publicKey))
}

func (r *SQLiteRepository) ListAgents(ctx context.Context) ([]Agent, error) {
	const selectSQL = `SELECT agent_id, name, public_key, registered_at FROM agents ORDER BY registered_at ASC`
	rows, err := r.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return nil, fmt.Errorf("identity: list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var (
			a            Agent
			registeredAt string
		)
		if err := rows.Scan(&a.AgentID, &a.Name, &a.PublicKey, &registeredAt); err != nil {
			return nil, fmt.Errorf("identity: scan agent: %w", err)
		}
		a.RegisteredAt, err = time.Parse(time.RFC3339, registeredAt)
		if err != nil {
			return nil, fmt.Errorf("identity: parse registered_at: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row *sql.Row) (Agent, error) {
	var (
		a            Agent
		registeredAt string
	)
	err := row.Scan(&a.AgentID, &a.Name, &a.PublicKey, &registeredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, fmt.Errorf("identity: scan agent: %w", err)
	}
	a.RegisteredAt, err = time.Parse(time.RFC3339, registeredAt)
	if err != nil {
		return Agent{}, fmt.Errorf("identity: parse registered_at: %w", err)
	}
	return a, nil
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE violation.
// modernc.org/sqlite surfaces these as plain errors carrying the engine's
// text rather than a typed code, so we match on that text like the
// teacher matches pgx's PgError.Code == "23505".
func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
