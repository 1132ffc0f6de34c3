package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pos-sync-service/internal/config"
	"pos-sync-service/internal/logger"
)

// Dialect names the SQL flavour behind a Database.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

type Database struct {
	DB      *sql.DB
	Dialect Dialect
}

// NewDatabase opens the storage described by cfg and verifies the connection.
func NewDatabase(cfg config.StateStorage) (*Database, error) {
	switch Dialect(cfg.Type) {
	case MySQL:
		return openMySQL(cfg)
	case SQLite:
		return OpenSQLite(cfg.FilePath)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

func openMySQL(cfg config.StateStorage) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Retry loop for Ping
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for database...", zap.Error(err), zap.Int("attempt", i+1))
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after retries: %w", err)
	}

	// Connection pool settings
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	logger.Log.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{DB: db, Dialect: MySQL}, nil
}

// OpenSQLite opens (creating if needed) the SQLite file at path.
func OpenSQLite(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	logger.Log.Debug("Opened sqlite database", zap.String("path", path))

	return &Database{DB: db, Dialect: SQLite}, nil
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// LockClause returns the row-locking suffix for SELECTs inside a transaction.
// SQLite locks the whole database for writers, so it needs none.
func (d *Database) LockClause() string {
	if d.Dialect == MySQL {
		return " FOR UPDATE"
	}
	return ""
}
