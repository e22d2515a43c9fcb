package storage

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"supportchat/internal/config"
)

// Open connects to the database configured for dbType (sqlite3, mysql or postgres).
func Open(dbType string, cfg *config.Config) (*sqlx.DB, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	driver := strings.ToLower(dbType)
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	dbCfg, ok := cfg.Databases[driver]
	if !ok {
		return nil, errors.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sqlx.DB
		err error
	)

	switch driver {
	case "sqlite3":
		if dbCfg.DSN == "" {
			return nil, errors.New("sqlite dsn must be provided")
		}
		if dir := sqliteDir(dbCfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create sqlite directory %s", dir)
			}
		}
		db, err = sqlx.Open("sqlite3", sqliteDSN(dbCfg.DSN))
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite database")
		}
		// one connection keeps :memory: databases alive and sqlite writers serialized
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "enable sqlite foreign keys")
		}
	case "mysql":
		dsn, err := mysqlDSN(dbCfg)
		if err != nil {
			return nil, err
		}
		db, err = sqlx.Open("mysql", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open mysql database")
		}
	case "postgres":
		if dbCfg.DSN == "" {
			return nil, errors.New("postgres dsn must be provided")
		}
		db, err = sqlx.Open("postgres", dbCfg.DSN)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres database")
		}
	default:
		return nil, errors.Errorf("unsupported driver: %s", dbType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

// sqliteDir returns the directory holding a file backed sqlite database, or "" for
// in-memory databases and files in the working directory.
func sqliteDir(dsn string) string {
	path, params, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || path == ":memory:" || strings.Contains(params, "mode=memory") {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

// mysqlDSN accepts either a full DSN or host/port/user parts and always enables
// parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(dbCfg config.DatabaseConfig) (string, error) {
	var (
		mc  *mysql.Config
		err error
	)
	if dbCfg.DSN != "" {
		mc, err = mysql.ParseDSN(dbCfg.DSN)
	} else {
		port := dbCfg.Port
		if port == 0 {
			port = 3306
		}
		mc, err = mysql.ParseDSN(fmt.Sprintf("%s:%s@tcp(%s)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			net.JoinHostPort(dbCfg.Host, strconv.Itoa(port)),
			dbCfg.DBName,
			dbCfg.Params,
		))
	}
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN(), nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sqlx.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL,
				sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				seq INTEGER NOT NULL,
				UNIQUE(conversation_id, seq),
				FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, seq)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id CHAR(36) NOT NULL,
				created_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id CHAR(36) NOT NULL,
				conversation_id CHAR(36) NOT NULL,
				sender ENUM('user', 'ai') NOT NULL,
				text MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				seq BIGINT NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_messages_conversation_seq (conversation_id, seq),
				INDEX idx_messages_conversation_created (conversation_id, created_at, seq),
				CONSTRAINT fk_messages_conversation FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case "postgres":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				id UUID PRIMARY KEY,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY,
				conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
				text TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				seq BIGINT NOT NULL,
				UNIQUE (conversation_id, seq)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at, seq)`,
		}
	default:
		return errors.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "migrate (%s)", driver)
		}
	}
	return nil
}

// ServerTime asks the database for its current time. It doubles as a liveness probe.
func ServerTime(ctx context.Context, db *sqlx.DB) (string, error) {
	var now string
	if err := db.QueryRowContext(ctx, `SELECT CURRENT_TIMESTAMP`).Scan(&now); err != nil {
		return "", errors.Wrap(err, "query server time")
	}
	return now, nil
}

// IsForeignKeyViolation reports whether err is a foreign key failure from any supported driver.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1452
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

// IsInvalidIdentifier reports a postgres rejection of a malformed uuid, which for a
// client supplied conversation id means the conversation cannot exist.
func IsInvalidIdentifier(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}
