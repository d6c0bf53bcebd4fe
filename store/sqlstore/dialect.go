package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect selects SQL syntax and error classification for a database.
type Dialect string

const (
	// DialectMySQL targets MySQL 8 through github.com/go-sql-driver/mysql.
	DialectMySQL Dialect = "mysql"
	// DialectPostgres targets PostgreSQL through github.com/jackc/pgx/v5/stdlib.
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", s)
	}
}

// DriverName returns the database/sql driver name registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "mysql"
}

// PrepareDSN adjusts dsn for what the store expects from the driver. MySQL
// rows scan DATETIME(6) columns into time.Time, which needs parseTime, and
// the store writes UTC. PostgreSQL DSNs are returned unchanged.
func (d Dialect) PrepareDSN(dsn string) (string, error) {
	if d != DialectMySQL || dsn == "" {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// isDuplicateKeyError reports whether err is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "1062") ||
		strings.Contains(msg, "duplicate key value")
}

// Schema returns the DDL statements that create the payment record table.
func Schema(d Dialect, table string) []string {
	if d == DialectPostgres {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
	id BIGSERIAL PRIMARY KEY,
	idempotency_key VARCHAR(36) NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	status VARCHAR(20) NOT NULL,
	request_fingerprint CHAR(64) NOT NULL,
	request_snapshot TEXT NOT NULL,
	response_snapshot TEXT NULL,
	response_status INTEGER NOT NULL DEFAULT 0,
	transaction_no VARCHAR(64) NULL,
	provider_transaction_id VARCHAR(128) NULL,
	amount NUMERIC(19,4) NOT NULL,
	payment_method VARCHAR(50) NOT NULL,
	description VARCHAR(255) NOT NULL DEFAULT '',
	provider VARCHAR(20) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uk_` + table + `_idempotency_key UNIQUE (idempotency_key),
	CONSTRAINT uk_` + table + `_provider_tx UNIQUE (provider_transaction_id)
)`,
			`CREATE INDEX IF NOT EXISTS idx_` + table + `_status_updated ON ` + table + ` (status, updated_at)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	idempotency_key VARCHAR(36) NOT NULL,
	version INT NOT NULL DEFAULT 0,
	status VARCHAR(20) NOT NULL,
	request_fingerprint CHAR(64) NOT NULL,
	request_snapshot TEXT NOT NULL,
	response_snapshot TEXT NULL,
	response_status INT NOT NULL DEFAULT 0,
	transaction_no VARCHAR(64) NULL,
	provider_transaction_id VARCHAR(128) NULL,
	amount DECIMAL(19,4) NOT NULL,
	payment_method VARCHAR(50) NOT NULL,
	description VARCHAR(255) NOT NULL DEFAULT '',
	provider VARCHAR(20) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	UNIQUE KEY uk_idempotency_key (idempotency_key),
	UNIQUE KEY uk_provider_transaction_id (provider_transaction_id),
	KEY idx_status_updated (status, updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}
