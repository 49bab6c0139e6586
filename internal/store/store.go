package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Vulnerability is one persisted finding. Count is always 1: every
// occurrence gets its own row.
type Vulnerability struct {
	ID             int64   `json:"id"`
	Pattern        string  `json:"pattern"`
	Severity       string  `json:"severity"`
	Count          int     `json:"count"`
	Recommendation *string `json:"recommendation"`
}

type NewVulnerability struct {
	Pattern  string
	Severity string
}

// Store persists vulnerability records. Implementations must be safe for
// concurrent use.
type Store interface {
	Migrate(ctx context.Context) error
	Insert(ctx context.Context, pattern, severity string) (int64, error)
	InsertBatch(ctx context.Context, items []NewVulnerability) ([]int64, error)
	List(ctx context.Context) ([]Vulnerability, error)
	UpdateRecommendation(ctx context.Context, id int64, text string) error
	UpdateRecommendations(ctx context.Context, texts map[int64]string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNotFound            = errors.New("vulnerability not found")
	ErrUnsupportedDatabase = errors.New("unsupported database url")
)

const DefaultURL = "sqlite:///./invisithreat.db"

// Open connects to the backend named by the URL scheme. The caller runs
// Migrate before serving traffic.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	scheme, _, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDatabase, databaseURL)
	}

	switch strings.ToLower(scheme) {
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, sqlitePath(databaseURL), logger)
	case "mysql":
		return OpenMySQL(ctx, databaseURL, logger)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, databaseURL, logger)
	case "mongodb", "mongodb+srv":
		return OpenMongo(ctx, databaseURL, logger)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedDatabase, scheme)
	}
}

// sqlitePath maps sqlite:///relative.db and sqlite:////abs/path.db to file
// paths. An empty path means an in-memory database.
func sqlitePath(databaseURL string) string {
	_, rest, _ := strings.Cut(databaseURL, "://")
	path := strings.TrimPrefix(rest, "/")
	if path == "" {
		return ":memory:"
	}
	return path
}
