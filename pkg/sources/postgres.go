package sources

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PGConfig holds PostgreSQL connection settings for the store.
type PGConfig struct {
	DSN          string
	Database     string
	MaxOpenConns int
	MaxIdleConns int
}

// PGStore persists data sources in PostgreSQL.
type PGStore struct {
	db *stdsql.DB
}

// OpenPG opens the database, configures pooling, and applies pending
// embedded migrations.
func OpenPG(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	db, err := stdsql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PGStore{db: db}, nil
}

// NewPGStoreFromDB wraps an existing connection and applies migrations
// (useful for testing).
func NewPGStoreFromDB(db *stdsql.DB, database string) (*PGStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PGStore{db: db}, nil
}

// DB returns the underlying connection for health checks.
func (s *PGStore) DB() *stdsql.DB { return s.db }

// Close closes the database connection.
func (s *PGStore) Close() error { return s.db.Close() }

func runMigrations(db *stdsql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source driver: closing m would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

const sourceColumns = "id, name, type, enabled, config, created_at, updated_at"

// List implements Store, newest first.
func (s *PGStore) List(ctx context.Context) ([]DataSource, error) {
	return s.query(ctx,
		"SELECT "+sourceColumns+" FROM data_sources ORDER BY id DESC")
}

// ListEnabled implements Store.
func (s *PGStore) ListEnabled(ctx context.Context) ([]DataSource, error) {
	return s.query(ctx,
		"SELECT "+sourceColumns+" FROM data_sources WHERE enabled ORDER BY id")
}

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, id int) (*DataSource, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sourceColumns+" FROM data_sources WHERE id = $1", id)
	src, err := scanSource(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data source %d: %w", id, err)
	}
	return &src, nil
}

// Create implements Store.
func (s *PGStore) Create(ctx context.Context, in CreateInput) (*DataSource, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	cfg := in.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode source config: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO data_sources (name, type, enabled, config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+sourceColumns,
		in.Name, in.Type, enabled, cfgJSON)
	src, err := scanSource(row)
	if err != nil {
		return nil, fmt.Errorf("create data source %q: %w", in.Name, err)
	}
	return &src, nil
}

// Update implements Store; nil fields keep current values.
func (s *PGStore) Update(ctx context.Context, id int, in UpdateInput) (*DataSource, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	arg := 1
	if in.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", arg))
		args = append(args, *in.Name)
		arg++
	}
	if in.Enabled != nil {
		sets = append(sets, fmt.Sprintf("enabled = $%d", arg))
		args = append(args, *in.Enabled)
		arg++
	}
	if in.Config != nil {
		cfgJSON, err := json.Marshal(in.Config)
		if err != nil {
			return nil, fmt.Errorf("encode source config: %w", err)
		}
		sets = append(sets, fmt.Sprintf("config = $%d", arg))
		args = append(args, cfgJSON)
		arg++
	}
	args = append(args, id)

	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE data_sources SET %s WHERE id = $%d RETURNING %s",
			strings.Join(sets, ", "), arg, sourceColumns),
		args...)
	src, err := scanSource(row)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update data source %d: %w", id, err)
	}
	return &src, nil
}

// Delete implements Store.
func (s *PGStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM data_sources WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete data source %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) query(ctx context.Context, sql string, args ...any) ([]DataSource, error) {
	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list data sources: %w", err)
	}
	defer rows.Close()

	var out []DataSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan data source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (DataSource, error) {
	var src DataSource
	var cfgJSON []byte
	if err := row.Scan(&src.ID, &src.Name, &src.Type, &src.Enabled, &cfgJSON, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return DataSource{}, err
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &src.Config); err != nil {
			return DataSource{}, fmt.Errorf("decode source config: %w", err)
		}
	}
	if src.Config == nil {
		src.Config = map[string]any{}
	}
	return src, nil
}
