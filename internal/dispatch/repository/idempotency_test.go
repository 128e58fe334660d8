package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/geodispatch/internal/dispatch/repository"
)

func exercise(t *testing.T, repo repository.IdempotencyRepository) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := repo.GetResponse(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.PutResponse(ctx, "k1", []byte(`{"id":"first"}`)))
	require.NoError(t, repo.PutResponse(ctx, "k1", []byte(`{"id":"second"}`)))

	got, ok, err := repo.GetResponse(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"first"}`, string(got))
}

func exerciseReservation(t *testing.T, repo repository.IdempotencyRepository) {
	t.Helper()
	ctx := context.Background()

	reserved, err := repo.Reserve(ctx, "k2")
	require.NoError(t, err)
	require.True(t, reserved)

	reserved, err = repo.Reserve(ctx, "k2")
	require.NoError(t, err)
	require.False(t, reserved, "second caller must not get the key")

	_, ok, err := repo.GetResponse(ctx, "k2")
	require.ErrorIs(t, err, repository.ErrInFlight)
	require.False(t, ok)

	// releasing lets a retry claim the key again
	require.NoError(t, repo.Release(ctx, "k2"))
	reserved, err = repo.Reserve(ctx, "k2")
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, repo.PutResponse(ctx, "k2", []byte(`{"id":"done"}`)))
	got, ok, err := repo.GetResponse(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"done"}`, string(got))

	// a stored response survives release and blocks new reservations
	require.NoError(t, repo.Release(ctx, "k2"))
	reserved, err = repo.Reserve(ctx, "k2")
	require.NoError(t, err)
	require.False(t, reserved)
	_, ok, err = repo.GetResponse(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryIdempotencyRepo(t *testing.T) {
	exercise(t, repository.NewMemoryIdempotencyRepo())
	exerciseReservation(t, repository.NewMemoryIdempotencyRepo())
}

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisIdempotencyRepo(t *testing.T) {
	mr, client := newRedisClient(t)

	exercise(t, repository.NewRedisIdempotencyRepo(client, "", time.Hour))

	mr.FastForward(2 * time.Hour)
	_, ok, err := repository.NewRedisIdempotencyRepo(client, "", time.Hour).GetResponse(context.Background(), "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisIdempotencyReservation(t *testing.T) {
	_, client := newRedisClient(t)
	exerciseReservation(t, repository.NewRedisIdempotencyRepo(client, "", time.Hour))
}

func TestRedisIdempotencyReservationExpires(t *testing.T) {
	mr, client := newRedisClient(t)
	repo := repository.NewRedisIdempotencyRepo(client, "", time.Hour)
	ctx := context.Background()

	reserved, err := repo.Reserve(ctx, "k3")
	require.NoError(t, err)
	require.True(t, reserved)

	mr.FastForward(time.Minute)
	reserved, err = repo.Reserve(ctx, "k3")
	require.NoError(t, err)
	require.True(t, reserved, "abandoned reservation must expire")
}
