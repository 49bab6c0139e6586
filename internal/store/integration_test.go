package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// These tests drop and recreate the vulnerabilities and schema_migrations
// tables. Point POSTGRES_URL, MYSQL_URL and MONGO_URL at throwaway databases.

func integrationURL(t *testing.T, env string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	url := os.Getenv(env)
	if url == "" {
		t.Skipf("%s not set, skipping integration test", env)
	}
	return url
}

func integrationContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func setupPostgres(t *testing.T) *PostgresStore {
	url := integrationURL(t, "POSTGRES_URL")
	ctx := integrationContext(t)

	s, err := OpenPostgres(ctx, url, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("Postgres not available, skipping test: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.pool.Exec(ctx, "DROP TABLE IF EXISTS vulnerabilities, schema_migrations")
	require.NoError(t, err)

	return s
}

func setupMySQL(t *testing.T) *SQLStore {
	url := integrationURL(t, "MYSQL_URL")
	ctx := integrationContext(t)

	s, err := OpenMySQL(ctx, url, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("MySQL not available, skipping test: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.db.ExecContext(ctx, "DROP TABLE IF EXISTS vulnerabilities, schema_migrations")
	require.NoError(t, err)

	return s
}

func setupMongo(t *testing.T) *MongoStore {
	url := integrationURL(t, "MONGO_URL")
	ctx := integrationContext(t)

	s, err := OpenMongo(ctx, url, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("MongoDB not available, skipping test: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.vulns.Database().Drop(ctx))

	return s
}

// assertStoreRoundTrip runs the insert, list and update cycle every backend
// has to support.
func assertStoreRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := integrationContext(t)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))

	ids, err := s.InsertBatch(ctx, []NewVulnerability{
		{Pattern: `eval\(`, Severity: "CRITICAL"},
		{Pattern: `os\.system\(`, Severity: "HIGH"},
		{Pattern: `input\(`, Severity: "MEDIUM"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])

	single, err := s.Insert(ctx, `pickle\.loads\(`, "HIGH")
	require.NoError(t, err)
	assert.Greater(t, single, ids[2])

	updated, err := s.UpdateRecommendations(ctx, map[int64]string{
		ids[0]:       "Use ast.literal_eval",
		ids[1]:       "Use subprocess.run with a list",
		single + 100: "ghost",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	require.NoError(t, s.UpdateRecommendation(ctx, single, "Use json"))
	assert.ErrorIs(t, s.UpdateRecommendation(ctx, single+100, "ghost"), ErrNotFound)

	vulns, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, vulns, 4)

	for i, id := range append(ids, single) {
		assert.Equal(t, id, vulns[i].ID)
		assert.Equal(t, 1, vulns[i].Count)
	}
	assert.Equal(t, `eval\(`, vulns[0].Pattern)
	assert.Equal(t, "CRITICAL", vulns[0].Severity)
	require.NotNil(t, vulns[0].Recommendation)
	assert.Equal(t, "Use ast.literal_eval", *vulns[0].Recommendation)
	require.NotNil(t, vulns[1].Recommendation)
	assert.Equal(t, "Use subprocess.run with a list", *vulns[1].Recommendation)
	assert.Nil(t, vulns[2].Recommendation)
	require.NotNil(t, vulns[3].Recommendation)
	assert.Equal(t, "Use json", *vulns[3].Recommendation)
}

func TestPostgres_RoundTrip(t *testing.T) {
	assertStoreRoundTrip(t, setupPostgres(t))
}

func TestPostgres_InsertRepairsLegacyTable(t *testing.T) {
	s := setupPostgres(t)
	ctx := integrationContext(t)

	_, err := s.pool.Exec(ctx, `CREATE TABLE vulnerabilities (
		id BIGSERIAL PRIMARY KEY,
		pattern TEXT NOT NULL,
		severity TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 1
	)`)
	require.NoError(t, err)

	ids, err := s.InsertBatch(ctx, []NewVulnerability{{Pattern: `exec\(`, Severity: "HIGH"}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	vulns, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, ids[0], vulns[0].ID)
	assert.Nil(t, vulns[0].Recommendation)

	// The migration that adds the column must tolerate the repaired table.
	require.NoError(t, s.Migrate(ctx))
}

func TestMySQL_RoundTrip(t *testing.T) {
	assertStoreRoundTrip(t, setupMySQL(t))
}

func TestMySQL_InsertRepairsLegacyTable(t *testing.T) {
	s := setupMySQL(t)
	ctx := integrationContext(t)

	_, err := s.db.ExecContext(ctx, `CREATE TABLE vulnerabilities (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		pattern VARCHAR(255) NOT NULL,
		severity VARCHAR(32) NOT NULL,
		count INT NOT NULL DEFAULT 1
	)`)
	require.NoError(t, err)

	ids, err := s.InsertBatch(ctx, []NewVulnerability{{Pattern: `exec\(`, Severity: "HIGH"}})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	vulns, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, ids[0], vulns[0].ID)
	assert.Nil(t, vulns[0].Recommendation)

	require.NoError(t, s.Migrate(ctx))
}

func TestMongo_RoundTrip(t *testing.T) {
	assertStoreRoundTrip(t, setupMongo(t))
}

func TestMongo_BatchIDsAscendAcrossBatches(t *testing.T) {
	s := setupMongo(t)
	ctx := integrationContext(t)
	require.NoError(t, s.Migrate(ctx))

	first, err := s.InsertBatch(ctx, []NewVulnerability{
		{Pattern: `eval\(`, Severity: "CRITICAL"},
		{Pattern: `exec\(`, Severity: "HIGH"},
	})
	require.NoError(t, err)
	second, err := s.InsertBatch(ctx, []NewVulnerability{
		{Pattern: `input\(`, Severity: "MEDIUM"},
		{Pattern: `pickle\.loads\(`, Severity: "HIGH"},
		{Pattern: `os\.system\(`, Severity: "HIGH"},
	})
	require.NoError(t, err)

	all := append(first, second...)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all)

	vulns, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, vulns, 5)
	for i, v := range vulns {
		assert.Equal(t, all[i], v.ID)
	}
}
