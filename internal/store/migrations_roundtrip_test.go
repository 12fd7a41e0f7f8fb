package store

import (
	"context"
	"database/sql"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TRAFFICDASH_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TRAFFICDASH_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, DefaultPoolOptions())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, resetPublicSchema(ctx, db))

	migrations := os.DirFS(filepath.Join("..", "..", "db", "migrations"))

	applied, err := ApplyMigrations(ctx, db, migrations, nil)
	require.NoError(t, err, "apply up migrations (pass 1)")
	assert.NotEmpty(t, applied)
	assert.True(t, tableExists(ctx, t, db, "report_runs"))

	again, err := ApplyMigrations(ctx, db, migrations, nil)
	require.NoError(t, err, "reapply is a no-op")
	assert.Empty(t, again)

	require.NoError(t, applyDownMigrations(ctx, db, migrations))
	assert.False(t, tableExists(ctx, t, db, "report_runs"))

	_, err = db.ExecContext(ctx, `DELETE FROM schema_migrations`)
	require.NoError(t, err)

	applied, err = ApplyMigrations(ctx, db, migrations, nil)
	require.NoError(t, err, "apply up migrations (pass 2)")
	assert.NotEmpty(t, applied)
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func tableExists(ctx context.Context, t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

// applyDownMigrations runs the *.down.sql files newest first.
func applyDownMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}
	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	var downs []string
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			downs = append(downs, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))

	for _, name := range downs {
		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		stmt := strings.TrimSpace(string(contents))
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
