package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`

const insertVulnerability = `INSERT INTO vulnerabilities (pattern, severity, count, recommendation) VALUES (?, ?, 1, NULL)`

type dialect struct {
	name              string
	createTable       string
	hasRecommendation string
	isMissingColumn   func(error) bool
}

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS vulnerabilities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern TEXT NOT NULL,
	severity TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 1
)`,
	hasRecommendation: `SELECT COUNT(*) FROM pragma_table_info('vulnerabilities') WHERE name = 'recommendation'`,
	isMissingColumn: func(err error) bool {
		msg := strings.ToLower(err.Error())
		return strings.Contains(msg, "no column named recommendation") ||
			strings.Contains(msg, "no such column: recommendation")
	},
}

var mysqlDialect = dialect{
	name: "mysql",
	createTable: `CREATE TABLE IF NOT EXISTS vulnerabilities (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	pattern VARCHAR(255) NOT NULL,
	severity VARCHAR(32) NOT NULL,
	count INT NOT NULL DEFAULT 1
)`,
	hasRecommendation: `SELECT COUNT(*) FROM information_schema.columns
	WHERE table_schema = DATABASE() AND table_name = 'vulnerabilities' AND column_name = 'recommendation'`,
	isMissingColumn: func(err error) bool {
		// 1054 covers any unknown column; only the recommendation column is repairable.
		var mysqlErr *mysql.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == 1054 &&
			strings.Contains(strings.ToLower(mysqlErr.Message), "'recommendation'")
	},
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore backs SQLite and MySQL through database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// One writer at a time; also keeps :memory: on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	logger.Info("connected to sqlite", zap.String("path", path))

	return &SQLStore{db: db, dialect: sqliteDialect, logger: logger}, nil
}

func OpenMySQL(ctx context.Context, databaseURL string, logger *zap.Logger) (*SQLStore, error) {
	cfg, err := mysqlConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	logger.Info("connected to mysql", zap.String("addr", cfg.Addr), zap.String("database", cfg.DBName))

	return &SQLStore{db: db, dialect: mysqlDialect, logger: logger}, nil
}

func mysqlConfig(databaseURL string) (*mysql.Config, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql url: %w", err)
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" {
		cfg.Addr = net.JoinHostPort(u.Hostname(), "3306")
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	// Report matched rather than changed rows so unchanged updates are not ErrNotFound.
	cfg.ClientFoundRows = true

	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}

	for key, values := range u.Query() {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params[key] = values[0]
	}

	return cfg, nil
}

type sqlMigration struct {
	version int
	name    string
	apply   func(ctx context.Context, q querier) error
}

func (s *SQLStore) migrations() []sqlMigration {
	return []sqlMigration{
		{
			version: 1,
			name:    "create vulnerabilities",
			apply: func(ctx context.Context, q querier) error {
				_, err := q.ExecContext(ctx, s.dialect.createTable)
				return err
			},
		},
		{
			version: 2,
			name:    "add recommendation column",
			apply:   s.addRecommendationColumn,
		},
	}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}

	for _, m := range s.migrations() {
		if applied[m.version] {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		s.logger.Info("applied migration",
			zap.String("dialect", s.dialect.name),
			zap.Int("version", m.version),
			zap.String("name", m.name))
	}

	return nil
}

func (s *SQLStore) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (s *SQLStore) addRecommendationColumn(ctx context.Context, q querier) error {
	var n int
	if err := q.QueryRowContext(ctx, s.dialect.hasRecommendation).Scan(&n); err != nil {
		return fmt.Errorf("failed to inspect vulnerabilities columns: %w", err)
	}

	if n > 0 {
		return nil
	}

	if _, err := q.ExecContext(ctx, "ALTER TABLE vulnerabilities ADD COLUMN recommendation TEXT"); err != nil {
		return fmt.Errorf("failed to add recommendation column: %w", err)
	}

	return nil
}

func (s *SQLStore) Insert(ctx context.Context, pattern, severity string) (int64, error) {
	ids, err := s.InsertBatch(ctx, []NewVulnerability{{Pattern: pattern, Severity: severity}})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertBatch writes all items in one transaction. If the table predates the
// recommendation column the column is added and the batch retried once.
func (s *SQLStore) InsertBatch(ctx context.Context, items []NewVulnerability) ([]int64, error) {
	if len(items) == 0 {
		return []int64{}, nil
	}

	ids, err := s.insertBatch(ctx, items)
	if err == nil {
		return ids, nil
	}

	if !s.dialect.isMissingColumn(err) {
		return nil, err
	}

	s.logger.Warn("recommendation column missing, adding it and retrying insert", zap.Error(err))

	if healErr := s.addRecommendationColumn(ctx, s.db); healErr != nil {
		s.logger.Error("schema repair failed", zap.Error(healErr))
		return nil, err
	}

	return s.insertBatch(ctx, items)
}

func (s *SQLStore) insertBatch(ctx context.Context, items []NewVulnerability) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		res, err := tx.ExecContext(ctx, insertVulnerability, item.Pattern, item.Severity)
		if err != nil {
			return nil, fmt.Errorf("failed to insert vulnerability: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert: %w", err)
	}

	return ids, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, pattern, severity, count, recommendation FROM vulnerabilities ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list vulnerabilities: %w", err)
	}
	defer rows.Close()

	vulns := []Vulnerability{}
	for rows.Next() {
		var v Vulnerability
		var rec sql.NullString
		if err := rows.Scan(&v.ID, &v.Pattern, &v.Severity, &v.Count, &rec); err != nil {
			return nil, fmt.Errorf("failed to scan vulnerability: %w", err)
		}
		if rec.Valid {
			v.Recommendation = &rec.String
		}
		vulns = append(vulns, v)
	}

	return vulns, rows.Err()
}

func (s *SQLStore) UpdateRecommendation(ctx context.Context, id int64, text string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE vulnerabilities SET recommendation = ? WHERE id = ?", text, id)
	if err != nil {
		return fmt.Errorf("failed to update recommendation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateRecommendations applies all texts in one transaction. Ids with no
// row are skipped; the count of updated rows is returned.
func (s *SQLStore) UpdateRecommendations(ctx context.Context, texts map[int64]string) (int, error) {
	if len(texts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updated := 0
	for _, id := range sortedIDs(texts) {
		res, err := tx.ExecContext(ctx, "UPDATE vulnerabilities SET recommendation = ? WHERE id = ?", texts[id], id)
		if err != nil {
			return 0, fmt.Errorf("failed to update recommendation %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		updated += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit recommendations: %w", err)
	}

	return updated, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func sortedIDs(texts map[int64]string) []int64 {
	ids := make([]int64, 0, len(texts))
	for id := range texts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
