package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/test/util"
)

func countInstances(t *testing.T, db *database.Client) int {
	t.Helper()
	var n int
	require.NoError(t, db.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM instances WHERE instance_id <> 'anonymous'`).Scan(&n))
	return n
}

func insertInstance(ctx context.Context, db *database.Client, id string) error {
	_, err := db.Querier(ctx).Exec(ctx, `
		INSERT INTO instances (instance_id, project, type, status, context_percent)
		VALUES ($1, 'p', 'PS', 'active', 0)`, id)
	return err
}

func TestWithTxCommit(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(ctx context.Context) error {
		return insertInstance(ctx, db, "p-PS-aaaaaa")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countInstances(t, db))
}

func TestWithTxRollbackOnError(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(ctx context.Context) error {
		if err := insertInstance(ctx, db, "p-PS-bbbbbb"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countInstances(t, db))
}

func TestWithTxNestedReusesOuter(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	boom := errors.New("inner failure")
	err := db.WithTx(ctx, func(ctx context.Context) error {
		if err := insertInstance(ctx, db, "p-PS-cccccc"); err != nil {
			return err
		}
		// Nested call joins the outer transaction; its writes share fate.
		if err := db.WithTx(ctx, func(ctx context.Context) error {
			return insertInstance(ctx, db, "p-PS-dddddd")
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countInstances(t, db), "nested writes must roll back with the outer tx")

	// And the success path commits both.
	err = db.WithTx(ctx, func(ctx context.Context) error {
		if err := insertInstance(ctx, db, "p-PS-eeeeee"); err != nil {
			return err
		}
		return db.WithTx(ctx, func(ctx context.Context) error {
			return insertInstance(ctx, db, "p-PS-ffffff")
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countInstances(t, db))
}

func TestIsUniqueViolation(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	require.NoError(t, insertInstance(ctx, db, "p-PS-111111"))
	err := insertInstance(ctx, db, "p-PS-111111")
	require.Error(t, err)
	assert.True(t, database.IsUniqueViolation(err))
	assert.False(t, database.IsUniqueViolation(errors.New("other")))
}

func TestHealth(t *testing.T) {
	db := util.SetupTestDatabase(t)
	status, err := db.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
}
