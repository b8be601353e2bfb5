package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"purchasekit/internal/config"
)

// PostgresStore implements Store on a Postgres table, for host processes
// that already run against a database.
type PostgresStore struct {
	db    *sqlx.DB
	appID string
}

// NewPostgresStore connects to Postgres and ensures the schema exists.
func NewPostgresStore(cfg *config.PostgresConfig, appID string) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName)

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store := &PostgresStore{db: db, appID: appID}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sdk_kv_store (
		app_id     TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (app_id, key)
	)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create kv schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(key string) (string, error) {
	var value string
	err := s.db.Get(&value,
		"SELECT value FROM sdk_kv_store WHERE app_id = $1 AND key = $2", s.appID, key)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *PostgresStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO sdk_kv_store (app_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (app_id, key) DO UPDATE SET value = $3, updated_at = now()`,
		s.appID, key, value)
	return err
}

func (s *PostgresStore) Delete(key string) error {
	_, err := s.db.Exec(
		"DELETE FROM sdk_kv_store WHERE app_id = $1 AND key = $2", s.appID, key)
	return err
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
