// Package sqlstore implements paygate.RecordStore on database/sql for MySQL
// and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paygate"
)

const defaultTable = "payment_records"

const recordColumns = `id, idempotency_key, version, status, request_fingerprint, request_snapshot,
	response_snapshot, response_status, transaction_no, provider_transaction_id, amount,
	payment_method, description, provider, created_at, updated_at, expires_at`

// Store implements paygate.RecordStore interface using a SQL database
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	clock   func() time.Time
}

var _ paygate.RecordStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// WithClock overrides the time source used by the recovery queries.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// New creates a new Store
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		table:   defaultTable,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(s.dialect, s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrate: %v", paygate.ErrStoreOperationFailed, err)
		}
	}
	return nil
}

// Insert creates a new payment record
func (s *Store) Insert(ctx context.Context, rec *paygate.PaymentRecord) error {
	query := `INSERT INTO ` + s.table + ` (
		idempotency_key, version, status, request_fingerprint, request_snapshot,
		response_snapshot, response_status, transaction_no, provider_transaction_id, amount,
		payment_method, description, provider, created_at, updated_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	args := []any{
		rec.IdempotencyKey,
		rec.Version,
		string(rec.Status),
		rec.RequestFingerprint,
		string(rec.RequestSnapshot),
		nullBytes(rec.ResponseSnapshot),
		rec.ResponseStatus,
		nullString(rec.TransactionNo),
		nullString(rec.ProviderTransactionID),
		rec.Amount,
		rec.Method,
		rec.Description,
		string(rec.Provider),
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ExpiresAt,
	}

	if s.dialect == DialectPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.dialect.rebind(query+` RETURNING id`), args...).Scan(&id)
		if err != nil {
			return s.insertError(rec.IdempotencyKey, err)
		}
		rec.ID = id
		return nil
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.insertError(rec.IdempotencyKey, err)
	}
	if id, err := result.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *Store) insertError(key string, err error) error {
	if isDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", paygate.ErrDuplicateKey, key)
	}
	return fmt.Errorf("%w: insert record: %v", paygate.ErrStoreOperationFailed, err)
}

// FindByKey retrieves a payment record by idempotency key
func (s *Store) FindByKey(ctx context.Context, key string) (*paygate.PaymentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM ` + s.table + ` WHERE idempotency_key = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.dialect.rebind(query), key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, paygate.ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: find record: %v", paygate.ErrStoreOperationFailed, err)
	}
	return rec, nil
}

// FindByProviderTxID retrieves the record holding a provider transaction id
func (s *Store) FindByProviderTxID(ctx context.Context, providerTxID string) (*paygate.PaymentRecord, error) {
	if providerTxID == "" {
		return nil, paygate.ErrRecordNotFound
	}
	query := `SELECT ` + recordColumns + ` FROM ` + s.table + ` WHERE provider_transaction_id = ?`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.dialect.rebind(query), providerTxID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, paygate.ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: find record by provider transaction: %v", paygate.ErrStoreOperationFailed, err)
	}
	return rec, nil
}

// UpdateIfVersionMatches writes every mutable column in one statement guarded
// by the expected version.
func (s *Store) UpdateIfVersionMatches(ctx context.Context, rec *paygate.PaymentRecord, expectedVersion int) error {
	query := `UPDATE ` + s.table + ` SET
		version = ?, status = ?, request_fingerprint = ?, request_snapshot = ?,
		response_snapshot = ?, response_status = ?, transaction_no = ?, provider_transaction_id = ?,
		amount = ?, payment_method = ?, description = ?, provider = ?, updated_at = ?, expires_at = ?
	WHERE idempotency_key = ? AND version = ?`

	newVersion := expectedVersion + 1
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query),
		newVersion,
		string(rec.Status),
		rec.RequestFingerprint,
		string(rec.RequestSnapshot),
		nullBytes(rec.ResponseSnapshot),
		rec.ResponseStatus,
		nullString(rec.TransactionNo),
		nullString(rec.ProviderTransactionID),
		rec.Amount,
		rec.Method,
		rec.Description,
		string(rec.Provider),
		rec.UpdatedAt,
		rec.ExpiresAt,
		rec.IdempotencyKey,
		expectedVersion,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: provider transaction %s", paygate.ErrDuplicateKey, rec.ProviderTransactionID)
		}
		return fmt.Errorf("%w: update record: %v", paygate.ErrStoreOperationFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: get rows affected: %v", paygate.ErrStoreOperationFailed, err)
	}

	if rows == 0 {
		// Either the record is gone or the version moved
		var count int
		checkQuery := `SELECT COUNT(*) FROM ` + s.table + ` WHERE idempotency_key = ?`
		if err := s.db.QueryRowContext(ctx, s.dialect.rebind(checkQuery), rec.IdempotencyKey).Scan(&count); err != nil {
			return fmt.Errorf("%w: check record existence: %v", paygate.ErrStoreOperationFailed, err)
		}
		if count == 0 {
			return paygate.ErrRecordNotFound
		}
		return paygate.ErrVersionConflict
	}

	rec.Version = newVersion
	return nil
}

// FindStuck returns PROCESSING records with no provider transaction id that
// have not been touched for olderThan.
func (s *Store) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*paygate.PaymentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM ` + s.table + `
		WHERE status = ? AND provider_transaction_id IS NULL AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`
	return s.queryRecords(ctx, query, string(paygate.StatusProcessing), s.clock().Add(-olderThan), limit)
}

// FindAwaitingWebhook returns PROCESSING records accepted by an asynchronous
// provider whose callback has not arrived within olderThan.
func (s *Store) FindAwaitingWebhook(ctx context.Context, olderThan time.Duration, limit int) ([]*paygate.PaymentRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM ` + s.table + `
		WHERE status = ? AND provider_transaction_id IS NOT NULL AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`
	return s.queryRecords(ctx, query, string(paygate.StatusProcessing), s.clock().Add(-olderThan), limit)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*paygate.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query records: %v", paygate.ErrStoreOperationFailed, err)
	}
	defer rows.Close()

	var records []*paygate.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", paygate.ErrStoreOperationFailed, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate records: %v", paygate.ErrStoreOperationFailed, err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*paygate.PaymentRecord, error) {
	var (
		rec              paygate.PaymentRecord
		status           string
		provider         string
		requestSnapshot  string
		responseSnapshot sql.NullString
		transactionNo    sql.NullString
		providerTxID     sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.IdempotencyKey,
		&rec.Version,
		&status,
		&rec.RequestFingerprint,
		&requestSnapshot,
		&responseSnapshot,
		&rec.ResponseStatus,
		&transactionNo,
		&providerTxID,
		&rec.Amount,
		&rec.Method,
		&rec.Description,
		&provider,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = paygate.ProcessingStatus(status)
	rec.Provider = paygate.Provider(provider)
	rec.RequestSnapshot = []byte(requestSnapshot)
	if responseSnapshot.Valid {
		rec.ResponseSnapshot = []byte(responseSnapshot.String)
	}
	rec.TransactionNo = transactionNo.String
	rec.ProviderTransactionID = providerTxID.String
	return &rec, nil
}

// nullString stores empty strings as NULL so unique indexes ignore them.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
