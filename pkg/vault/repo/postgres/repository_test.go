package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/tendant/content-vault/pkg/vault"
	"github.com/tendant/content-vault/pkg/vault/repo/postgres"
	"github.com/tendant/content-vault/pkg/vault/repo/repotest"
)

// Each repository gets its own schema so runs do not see each other's rows.
func TestPostgresRepository(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TEST_DATABASE_URL to run postgres repository tests")
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(admin.Close)
	if err := admin.Ping(ctx); err != nil {
		t.Skipf("postgres not available: %v", err)
	}

	repotest.Run(t, func(t *testing.T) vault.Repository {
		schema := "vault_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		ident := pgx.Identifier{schema}.Sanitize()
		_, err := admin.Exec(ctx, "CREATE SCHEMA "+ident)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", ident))
		})

		cfg, err := pgxpool.ParseConfig(databaseURL)
		require.NoError(t, err)
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+ident)
			return err
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		repo := postgres.NewWithPool(pool)
		require.NoError(t, repo.Migrate(ctx))
		return repo
	})
}
