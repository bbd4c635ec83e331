package db_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/agent-desk/internal/core"
	"github.com/Cypherspark/agent-desk/internal/db"
	"github.com/Cypherspark/agent-desk/internal/outbox"
)

func cmd(seq int64, event, payload string) core.PendingCommand {
	c := core.PendingCommand{
		ID:         uuid.NewString(),
		Seq:        seq,
		Event:      event,
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if payload != "" {
		c.Payload = []byte(payload)
	}
	return c
}

func TestJournal_AppendLoadRemove(t *testing.T) {
	database := db.StartTestPostgres(t)
	ctx := context.Background()
	j := db.NewJournal(database, "u1")
	other := db.NewJournal(database, "u2")

	a := cmd(1, "mark-messages-read", `{"conversationId":"c1","messages":[{"externalId":"e1"}]}`)
	b := cmd(2, "mark-messages-read", `{"conversationId":"c1","messages":[{"externalId":"e2"}]}`)
	c := cmd(3, "ping", "")
	for _, x := range []core.PendingCommand{b, a, c} {
		require.NoError(t, j.Append(ctx, x))
	}
	require.NoError(t, j.Append(ctx, a), "appending twice is harmless")
	require.NoError(t, other.Append(ctx, cmd(1, "mark-messages-read", `{}`)))

	got, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{a.ID, b.ID, c.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
	require.JSONEq(t, string(a.Payload), string(got[0].Payload))
	require.Nil(t, got[2].Payload)

	require.NoError(t, j.Remove(ctx, a.ID))
	n, err := j.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = other.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type downTransport struct{ up bool }

func (d *downTransport) IsConnected() bool { return d.up }

func (d *downTransport) Send(context.Context, string, any) error { return nil }

func TestJournal_OutboxSurvivesRestart(t *testing.T) {
	database := db.StartTestPostgres(t)
	ctx := context.Background()

	first := outbox.New(&downTransport{}, outbox.Options{Journal: db.NewJournal(database, "u1")})
	for i := 0; i < 3; i++ {
		out, err := first.Enqueue(ctx, "mark-messages-read", map[string]int{"n": i}, true)
		require.NoError(t, err)
		require.Equal(t, outbox.Deferred, out)
	}

	tr := &downTransport{}
	second := outbox.New(tr, outbox.Options{Journal: db.NewJournal(database, "u1")})
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for i, p := range second.Pending() {
		var body map[string]int
		require.NoError(t, json.Unmarshal(p.Payload, &body))
		require.Equal(t, i, body["n"])
	}

	tr.up = true
	sent, err := second.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sent)

	left, err := db.NewJournal(database, "u1").Len(ctx)
	require.NoError(t, err)
	require.Zero(t, left)
}
