package protover

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestCoordinator(t *testing.T, migrations []Migration) *Coordinator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "protover.db")
	c, err := Open(path, migrations)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEnsure_NoOpWhenVersionsMatch(t *testing.T) {
	c := openTestCoordinator(t, nil)

	err := c.Ensure(context.Background(), func(ctx context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	v, err := c.localVersion()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestEnsure_RunsForwardMigrationsInOrder(t *testing.T) {
	var ran []int
	migrations := []Migration{
		{Version: 3, Name: "v3", Run: func(ctx context.Context) error { ran = append(ran, 3); return nil }},
		{Version: 2, Name: "v2", Run: func(ctx context.Context) error { ran = append(ran, 2); return nil }},
	}
	c := openTestCoordinator(t, migrations)

	err := c.Ensure(context.Background(), func(ctx context.Context) (int, error) { return 3, nil })
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, ran)

	v, err := c.localVersion()
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestEnsure_RepeatIsNoOp(t *testing.T) {
	calls := 0
	migrations := []Migration{
		{Version: 2, Name: "v2", Run: func(ctx context.Context) error { calls++; return nil }},
	}
	c := openTestCoordinator(t, migrations)
	fetch := func(ctx context.Context) (int, error) { return 2, nil }

	require.NoError(t, c.Ensure(context.Background(), fetch))
	require.NoError(t, c.Ensure(context.Background(), fetch))
	require.Equal(t, 1, calls)
}

func TestEnsure_ServerBehindLocal_DoesNotDowngradeOrFail(t *testing.T) {
	c := openTestCoordinator(t, nil)
	require.NoError(t, c.setLocalVersion(5))

	err := c.Ensure(context.Background(), func(ctx context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)

	v, err := c.localVersion()
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestEnsure_FailedMigrationIsFatal(t *testing.T) {
	migrations := []Migration{
		{Version: 2, Name: "v2", Run: func(ctx context.Context) error { return context.DeadlineExceeded }},
	}
	c := openTestCoordinator(t, migrations)

	err := c.Ensure(context.Background(), func(ctx context.Context) (int, error) { return 2, nil })
	require.Error(t, err)
}
