package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/story-engine/store/sqlite"
	"github.com/warp/story-engine/wallet"
)

const testCatalog = `
stories:
  - id: lighthouse
    title: The Lighthouse Keeper
    chapter_cost: 10
    chapter_target: 8
    characters:
      - {id: keeper, name: Keeper}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "story-server", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, path := range [][]string{{"serve"}, {"migrate"}, {"reconcile"}, {"catalog", "validate"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"db-driver", "db-dsn", "log-level"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	addr := serve.Flags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, ":8080", addr.DefValue)
	assert.NotNil(t, serve.Flags().Lookup("dev-routes"))

	reconcile, _, err := cmd.Find([]string{"reconcile"})
	require.NoError(t, err)
	repair := reconcile.Flags().Lookup("repair")
	require.NotNil(t, repair)
	assert.Equal(t, "false", repair.DefValue)
}

func TestCatalogValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "stories.yaml")
	require.NoError(t, os.WriteFile(good, []byte(testCatalog), 0o600))

	out, err := execute(t, "catalog", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "1 stories OK")
	assert.Contains(t, out, "lighthouse")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("stories:\n  - id: a\n    titel: typo\n"), 0o600))
	_, err = execute(t, "catalog", "validate", bad)
	assert.Error(t, err)
}

func TestMigrate_SeedsStories(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "story.db")

	out, err := execute(t, "migrate", "--db-dsn", dsn, "--seed-demo")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date (sqlite)")

	s, err := sqlite.New(dsn)
	require.NoError(t, err)
	defer s.Close()
	stories, err := s.ListStories(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, stories)
}

func TestMigrate_RejectsMemoryDriver(t *testing.T) {
	_, err := execute(t, "migrate", "--db-driver", "memory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database driver")
}

func TestReconcile_DetectsAndRepairsDrift(t *testing.T) {
	// GIVEN: an account whose counter disagrees with its ledger
	dsn := filepath.Join(t.TempDir(), "story.db")
	ctx := context.Background()
	s, err := sqlite.New(dsn)
	require.NoError(t, err)
	_, err = wallet.New(s).Topup(ctx, "u1", 40, "test")
	require.NoError(t, err)
	require.NoError(t, s.SetBalance(ctx, "u1", 55))
	require.NoError(t, s.Close())

	// WHEN: reconcile runs without --repair
	out, err := execute(t, "reconcile", "--db-dsn", dsn)

	// THEN: the drift is reported and the command fails
	require.Error(t, err)
	assert.Contains(t, out, "drift\tu1\tcounter=55 ledger=40 drift=15")

	// WHEN: reconcile runs with --repair
	out, err = execute(t, "reconcile", "--db-dsn", dsn, "--repair")
	require.NoError(t, err)
	assert.Contains(t, out, "repaired\tu1")

	// THEN: a second check is clean
	out, err = execute(t, "reconcile", "--db-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "0 inconsistent account(s)")
}
