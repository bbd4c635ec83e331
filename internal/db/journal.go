package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/agent-desk/internal/core"
)

// Journal keeps an agent's deferred outbox commands in Postgres so they
// survive a restart of the daemon.
type Journal struct {
	db      *DB
	agentID string
}

func NewJournal(db *DB, agentID string) *Journal {
	return &Journal{db: db, agentID: agentID}
}

func (j *Journal) Append(ctx context.Context, cmd core.PendingCommand) error {
	_, err := j.db.Pool.Exec(ctx, `
		INSERT INTO outbox_commands (id, agent_id, seq, event, payload, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		cmd.ID, j.agentID, cmd.Seq, cmd.Event, nullJSON(cmd.Payload), cmd.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("append command: %w", err)
	}
	return nil
}

func (j *Journal) Remove(ctx context.Context, id string) error {
	_, err := j.db.Pool.Exec(ctx,
		`DELETE FROM outbox_commands WHERE id = $1 AND agent_id = $2`, id, j.agentID)
	if err != nil {
		return fmt.Errorf("remove command: %w", err)
	}
	return nil
}

// Load returns the agent's commands in enqueue order.
func (j *Journal) Load(ctx context.Context) ([]core.PendingCommand, error) {
	rows, err := j.db.Pool.Query(ctx, `
		SELECT id::text, seq, event, payload, enqueued_at
		FROM outbox_commands
		WHERE agent_id = $1
		ORDER BY seq`, j.agentID)
	if err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	cmds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.PendingCommand, error) {
		var c core.PendingCommand
		err := row.Scan(&c.ID, &c.Seq, &c.Event, &c.Payload, &c.EnqueuedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("load commands: %w", err)
	}
	return cmds, nil
}

// Len counts the agent's journaled commands.
func (j *Journal) Len(ctx context.Context) (int, error) {
	var n int
	err := j.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_commands WHERE agent_id = $1`, j.agentID).Scan(&n)
	return n, err
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
