package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SQLSTATE undefined_column
const pgUndefinedColumn = "42703"

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func OpenPostgres(ctx context.Context, connectionString string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("connected to postgres", zap.String("database", pool.Config().ConnConfig.Database))

	return &PostgresStore{pool: pool, logger: logger}, nil
}

var postgresMigrations = []struct {
	version int
	name    string
	query   string
}{
	{
		version: 1,
		name:    "create vulnerabilities",
		query: `CREATE TABLE IF NOT EXISTS vulnerabilities (
	id BIGSERIAL PRIMARY KEY,
	pattern TEXT NOT NULL,
	severity TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 1
)`,
	},
	{
		version: 2,
		name:    "add recommendation column",
		query:   "ALTER TABLE vulnerabilities ADD COLUMN IF NOT EXISTS recommendation TEXT",
	},
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range postgresMigrations {
		err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", m.version).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}

			if _, err := tx.Exec(ctx, m.query); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)",
				m.version, time.Now().Unix()); err != nil {
				return err
			}

			p.logger.Info("applied migration",
				zap.String("dialect", "postgres"),
				zap.Int("version", m.version),
				zap.String("name", m.name))
			return nil
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

func (p *PostgresStore) Insert(ctx context.Context, pattern, severity string) (int64, error) {
	ids, err := p.InsertBatch(ctx, []NewVulnerability{{Pattern: pattern, Severity: severity}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (p *PostgresStore) InsertBatch(ctx context.Context, items []NewVulnerability) ([]int64, error) {
	if len(items) == 0 {
		return []int64{}, nil
	}

	ids, err := p.insertBatch(ctx, items)
	if err == nil {
		return ids, nil
	}

	if !isMissingRecommendationColumn(err) {
		return nil, err
	}

	p.logger.Warn("recommendation column missing, adding it and retrying insert", zap.Error(err))

	if _, healErr := p.pool.Exec(ctx, "ALTER TABLE vulnerabilities ADD COLUMN IF NOT EXISTS recommendation TEXT"); healErr != nil {
		p.logger.Error("schema repair failed", zap.Error(healErr))
		return nil, err
	}

	return p.insertBatch(ctx, items)
}

// isMissingRecommendationColumn matches undefined_column errors naming the
// recommendation column. The server reports the name in the message only.
func isMissingRecommendationColumn(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUndefinedColumn {
		return false
	}
	return pgErr.ColumnName == "recommendation" ||
		strings.Contains(pgErr.Message, `"recommendation"`)
}

func (p *PostgresStore) insertBatch(ctx context.Context, items []NewVulnerability) ([]int64, error) {
	ids := make([]int64, 0, len(items))

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, item := range items {
			var id int64
			if err := tx.QueryRow(ctx,
				"INSERT INTO vulnerabilities (pattern, severity, count, recommendation) VALUES ($1, $2, 1, NULL) RETURNING id",
				item.Pattern, item.Severity).Scan(&id); err != nil {
				return fmt.Errorf("failed to insert vulnerability: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]Vulnerability, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT id, pattern, severity, count, recommendation FROM vulnerabilities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	defer rows.Close()

	vulns := []Vulnerability{}
	for rows.Next() {
		var v Vulnerability
		if err := rows.Scan(&v.ID, &v.Pattern, &v.Severity, &v.Count, &v.Recommendation); err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability: %w", err)
		}
		vulns = append(vulns, v)
	}

	return vulns, rows.Err()
}

func (p *PostgresStore) UpdateRecommendation(ctx context.Context, id int64, text string) error {
	tag, err := p.pool.Exec(ctx, "UPDATE vulnerabilities SET recommendation = $1 WHERE id = $2", text, id)
	if err != nil {
		return fmt.Errorf("failed to update recommendation: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (p *PostgresStore) UpdateRecommendations(ctx context.Context, texts map[int64]string) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}

	updated := 0
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, id := range sortedIDs(texts) {
			tag, err := tx.Exec(ctx, "UPDATE vulnerabilities SET recommendation = $1 WHERE id = $2", texts[id], id)
			if err != nil {
				return fmt.Errorf("failed to update recommendation %d: %w", id, err)
			}
			updated += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return updated, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
