package systemtest

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/EternisAI/overlord/internal/audit"
	"github.com/EternisAI/overlord/internal/db"
	"github.com/EternisAI/overlord/systemtest/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore(t *testing.T) {
	if testing.Short() {
		t.Skip("needs Docker")
	}
	ctx := context.Background()

	pg, err := postgres.Start(ctx, "overlord")
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Stop(context.Background()) })

	cfg := pg.Config
	require.NoError(t, db.RunMigrations(cfg))
	pool, err := db.InitDB(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := audit.NewStore(pool)

	t.Run("join and leave", func(t *testing.T) {
		joined := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
		id, err := store.RecordJoin(ctx, "m1", "10.1.1.1:5000", map[string]any{"board": "a"}, joined)
		require.NoError(t, err)
		require.NoError(t, store.RecordLeave(ctx, "m1", time.Now()))

		hist, err := store.History(ctx, "m1", 10)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, id, hist[0].ID)
		assert.Equal(t, "10.1.1.1:5000", hist[0].RemoteAddr)
		assert.Equal(t, "a", hist[0].Properties["board"])
		assert.True(t, hist[0].ConnectedAt.Equal(joined))
		assert.NotNil(t, hist[0].DisconnectedAt)

		assert.ErrorIs(t, store.RecordLeave(ctx, "m1", time.Now()), audit.ErrNoOpenConnection)
	})

	t.Run("open machines", func(t *testing.T) {
		_, err := store.RecordJoin(ctx, "m4", "", nil, time.Now())
		require.NoError(t, err)
		open, err := store.OpenMachines(ctx)
		require.NoError(t, err)
		assert.Contains(t, open, "m4")
		require.NoError(t, store.RecordLeave(ctx, "m4", time.Now()))
	})

	t.Run("close open rows", func(t *testing.T) {
		_, err := store.RecordJoin(ctx, "m2", "", nil, time.Now())
		require.NoError(t, err)
		n, err := store.CloseOpen(ctx, time.Now())
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})

	t.Run("recorder follows the registry", func(t *testing.T) {
		registry := agents.NewRegistry(nil)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		audit.NewRecorder(store, nil).Run(ctx, registry)

		require.NoError(t, registry.Upsert(&agents.Agent{MachineID: "m3", Mode: agents.ModeControl, RemoteAddr: "10.3.3.3:1"}, nopLink{}))
		require.True(t, registry.Remove("m3"))

		require.Eventually(t, func() bool {
			hist, err := store.History(ctx, "m3", 10)
			return err == nil && len(hist) == 1 && hist[0].DisconnectedAt != nil
		}, 5*time.Second, 50*time.Millisecond)
	})
}

type nopLink struct{}

func (nopLink) Close() error { return nil }
