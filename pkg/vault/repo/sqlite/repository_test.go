package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/repo/repotest"
	"github.com/tendant/content-vault/pkg/vault/repo/sqlite"
)

func openTestRepo(t *testing.T, path string) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) vault.Repository {
		return openTestRepo(t, filepath.Join(t.TempDir(), "vault.db"))
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("path is required", func(t *testing.T) {
		_, err := sqlite.Open(ctx, "")
		assert.Error(t, err)
	})

	t.Run("reopen keeps data", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "vault.db")
		repo, err := sqlite.Open(ctx, path)
		require.NoError(t, err)
		require.NoError(t, repo.CreateStyle(ctx, &vault.StyleDescriptor{
			ID: "studio@v1", Name: "studio", Version: 1, Parameters: map[string]string{},
		}))
		require.NoError(t, repo.Close())

		reopened := openTestRepo(t, path)
		assert.Equal(t, path, reopened.Path())
		style, err := reopened.GetStyle(ctx, "studio@v1")
		require.NoError(t, err)
		assert.Equal(t, "studio", style.Name)
	})
}
