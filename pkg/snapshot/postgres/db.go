package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the pgx connection pool and provides methods for database operations
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config holds database configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewConfig creates a new database config from environment variables
func NewConfig() *Config {
	port, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}

	return &Config{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            port,
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "d365"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxConns:        25,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// DSN renders the libpq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// New creates a new database connection pool using pgx
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*DB, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = cfg.MaxConns
	config.MinConns = cfg.MinConns
	config.MaxConnLifetime = cfg.MaxConnLifetime
	config.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	db := &DB{
		pool:   pool,
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection pool established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("max_conns", cfg.MaxConns))

	return db, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// InitSchema creates the snapshot tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	db.logger.Info("Initializing database schema")

	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("Database schema initialized successfully")
	return nil
}

const upsertEntitySQL = `
INSERT INTO entity_snapshots (resource, entity_id, document, run_id, captured_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (resource, entity_id) DO UPDATE
SET document = EXCLUDED.document,
    run_id = EXCLUDED.run_id,
    captured_at = EXCLUDED.captured_at`

// SaveEntity upserts one entity document.
func (db *DB) SaveEntity(ctx context.Context, runID uuid.UUID, resource, entityID string, document json.RawMessage) error {
	_, err := db.pool.Exec(ctx, upsertEntitySQL, resource, entityID, []byte(document), runID)
	if err != nil {
		if isUniqueConstraintViolation(err) {
			return fmt.Errorf("entity %s(%s) written concurrently: %w", resource, entityID, err)
		}
		return fmt.Errorf("failed to save entity %s(%s): %w", resource, entityID, err)
	}
	return nil
}

// CreateRun records the start of an export.
func (db *DB) CreateRun(ctx context.Context, runID uuid.UUID, resource string, totalItems int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO export_runs (id, resource, status, total_items, started_at) VALUES ($1, $2, 'running', $3, now())`,
		runID, resource, totalItems)
	if err != nil {
		return fmt.Errorf("failed to create export run: %w", err)
	}
	return nil
}

// CompleteRun records the outcome of an export.
func (db *DB) CompleteRun(ctx context.Context, runID uuid.UUID, status string, succeeded, failed int, duration time.Duration) error {
	durationMs := pgtype.Int4{Int32: int32(duration.Milliseconds()), Valid: true}
	_, err := db.pool.Exec(ctx,
		`UPDATE export_runs
		 SET status = $2, succeeded_items = $3, failed_items = $4, duration_ms = $5, completed_at = now()
		 WHERE id = $1`,
		runID, status, succeeded, failed, durationMs)
	if err != nil {
		return fmt.Errorf("failed to complete export run: %w", err)
	}
	return nil
}

// CountEntities returns how many snapshots are stored for resource.
func (db *DB) CountEntities(ctx context.Context, resource string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx, `SELECT count(*) FROM entity_snapshots WHERE resource = $1`, resource).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

// isUniqueConstraintViolation checks for PostgreSQL error code 23505
func isUniqueConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
