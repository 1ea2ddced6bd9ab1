package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sifan077/kisalt/internal/app/model"
	"github.com/sifan077/kisalt/internal/infra/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newPostgresContainer(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kisalt",
				"POSTGRES_PASSWORD": "kisalt",
				"POSTGRES_DB":       "kisalt",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://kisalt:kisalt@%s:%s/kisalt?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db, err := postgres.NewGorm(pool, false)
	require.NoError(t, err)
	require.NoError(t, postgres.AutoMigrate(ctx, db, &model.URLRecord{}))

	return NewPostgresRepository(db, pool)
}

func TestPostgresRepository(t *testing.T) {
	repo := newPostgresContainer(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := model.NewURLRecord("ex1", "https://example.com/page", 1, now)

	t.Run("create then get", func(t *testing.T) {
		require.NoError(t, repo.Create(ctx, rec))

		got, err := repo.Get(ctx, "ex1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/page", got.OriginalURL)
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, got.ExpiresAt.Equal(*rec.ExpiresAt))

		_, err = repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create is insert-if-absent", func(t *testing.T) {
		other := model.NewURLRecord("ex1", "https://other.example", 1, now)
		assert.ErrorIs(t, repo.Create(ctx, other), ErrCodeExists)

		got, err := repo.Get(ctx, "ex1")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/page", got.OriginalURL)
	})

	t.Run("create replaces an expired row", func(t *testing.T) {
		stale := model.NewURLRecord("old", "https://stale.example", 1, now.Add(-72*time.Hour))
		require.NoError(t, repo.Put(ctx, stale))

		_, err := repo.Get(ctx, "old")
		assert.ErrorIs(t, err, ErrNotFound)

		fresh := model.NewURLRecord("old", "https://fresh.example", 1, now)
		require.NoError(t, repo.Create(ctx, fresh))

		got, err := repo.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, "https://fresh.example", got.OriginalURL)
	})

	t.Run("touch", func(t *testing.T) {
		at := now.Add(time.Minute)
		require.NoError(t, repo.Touch(ctx, "ex1", at, 2))
		require.NoError(t, repo.Touch(ctx, "ex1", at, 1))

		got, err := repo.Get(ctx, "ex1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Clicks)
		assert.True(t, got.LastAccessedAt.Equal(at))

		assert.ErrorIs(t, repo.Touch(ctx, "missing", now, 1), ErrNotFound)
	})

	t.Run("keys escapes like wildcards", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, model.NewURLRecord("ex2", "https://example.com/2", 0, now)))
		require.NoError(t, repo.Put(ctx, model.NewURLRecord("e_x", "https://example.com/u", 0, now)))
		require.NoError(t, repo.Put(ctx, model.NewURLRecord("e%y", "https://example.com/p", 0, now)))

		keys, err := repo.Keys(ctx, "ex")
		require.NoError(t, err)
		assert.Equal(t, []string{"ex1", "ex2"}, keys)

		keys, err = repo.Keys(ctx, "e_")
		require.NoError(t, err)
		assert.Equal(t, []string{"e_x"}, keys)

		keys, err = repo.Keys(ctx, "e%")
		require.NoError(t, err)
		assert.Equal(t, []string{"e%y"}, keys)

		all, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("delete expired", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, model.NewURLRecord("gone", "https://gone.example", 1, now.Add(-72*time.Hour))))

		n, err := repo.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = repo.Delete(ctx, "gone")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		n, err := repo.Delete(ctx, "ex1", "ex2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = repo.Delete(ctx, "ex1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
