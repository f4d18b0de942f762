package db_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/chat-gateway/internal/db"
)

func countMessages(t *testing.T, d *db.DB) int {
	t.Helper()
	var n int
	err := d.Pool.QueryRow(context.Background(), `SELECT count(*) FROM messages`).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	d := db.StartTestPostgres(t)

	err := d.WithTx(context.Background(), func(tx pgx.Tx) error {
		_, err := tx.Exec(context.Background(), `
			INSERT INTO messages(sender_id, receiver_id, body) VALUES('a','b','hi')
		`)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 1, countMessages(t, d))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	d := db.StartTestPostgres(t)
	boom := errors.New("boom")

	err := d.WithTx(context.Background(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(context.Background(), `
			INSERT INTO messages(sender_id, receiver_id, body) VALUES('a','b','hi')
		`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Zero(t, countMessages(t, d), "failed tx must leave no rows behind")
}
