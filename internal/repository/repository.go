// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrConflict     = domain.ErrConflict
	ErrInvalidInput = domain.ErrValidation
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const transactionColumns = `
	id, user_id, amount, currency, timestamp, status, transaction_type,
	sender_account, receiver_account, description, merchant_id, merchant_category,
	device_type, os_type, network_operator, location_city, location_country, ip_address,
	is_new_location, is_new_device, is_fraud, risk_score, model_version,
	case_status, reviewed_by, reviewed_at, investigation_notes,
	version, created_at, updated_at`

// CreateTransaction stores a new transaction with Version 1.
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	tx.Version = 1

	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.UserID, tx.Amount, tx.Currency, tx.Timestamp.UTC(), tx.Status, tx.TransactionType,
		tx.SenderAccount, tx.ReceiverAccount, tx.Description, tx.MerchantID, tx.MerchantCategory,
		tx.DeviceType, tx.OSType, tx.NetworkOperator, tx.LocationCity, tx.LocationCountry, tx.IPAddress,
		boolInt(tx.IsNewLocation), boolInt(tx.IsNewDevice), boolInt(tx.IsFraud), tx.RiskScore, tx.ModelVersion,
		string(tx.CaseStatus), tx.ReviewedBy, nullTime(tx.ReviewedAt), tx.InvestigationNotes,
		tx.Version, tx.CreatedAt.UTC(), tx.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s already exists", ErrConflict, tx.ID)
	}
	return err
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("transaction", id)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// FindTransactions returns one page of matching transactions, newest first,
// and the total match count.
func (r *SQLRepository) FindTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, int, error) {
	var where []string
	var args []any

	if len(filter.IDs) > 0 {
		marks := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			marks[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.TransactionType != "" {
		where = append(where, "transaction_type = ?")
		args = append(args, filter.TransactionType)
	}
	if filter.IsFraud != nil {
		where = append(where, "is_fraud = ?")
		args = append(args, boolInt(*filter.IsFraud))
	}
	if !filter.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, filter.To.UTC())
	}

	clause := whereClause(where)

	var total int
	if err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM transactions`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filter.Page.Normalize()
	query := `SELECT ` + transactionColumns + ` FROM transactions` + clause +
		` ORDER BY timestamp DESC, id LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, tx)
	}
	return out, total, rows.Err()
}

// UpdateTransaction writes every mutable column under a version check.
func (r *SQLRepository) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	now := time.Now().UTC()

	query := `
		UPDATE transactions SET
			user_id = ?, amount = ?, currency = ?, timestamp = ?, status = ?, transaction_type = ?,
			sender_account = ?, receiver_account = ?, description = ?, merchant_id = ?, merchant_category = ?,
			device_type = ?, os_type = ?, network_operator = ?, location_city = ?, location_country = ?, ip_address = ?,
			is_new_location = ?, is_new_device = ?, is_fraud = ?, risk_score = ?, model_version = ?,
			case_status = ?, reviewed_by = ?, reviewed_at = ?, investigation_notes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.UserID, tx.Amount, tx.Currency, tx.Timestamp.UTC(), tx.Status, tx.TransactionType,
		tx.SenderAccount, tx.ReceiverAccount, tx.Description, tx.MerchantID, tx.MerchantCategory,
		tx.DeviceType, tx.OSType, tx.NetworkOperator, tx.LocationCity, tx.LocationCountry, tx.IPAddress,
		boolInt(tx.IsNewLocation), boolInt(tx.IsNewDevice), boolInt(tx.IsFraud), tx.RiskScore, tx.ModelVersion,
		string(tx.CaseStatus), tx.ReviewedBy, nullTime(tx.ReviewedAt), tx.InvestigationNotes,
		now, tx.ID, tx.Version,
	)
	if err != nil {
		return err
	}
	if err := r.checkVersioned(ctx, res, "transactions", "transaction", tx.ID); err != nil {
		return err
	}

	tx.Version++
	tx.UpdatedAt = now
	return nil
}

// UserStats summarizes the user's transactions strictly before at.
func (r *SQLRepository) UserStats(ctx context.Context, userID string, at time.Time) (*domain.UserProfile, error) {
	at = at.UTC()
	dayAgo := at.Add(-24 * time.Hour)

	query := `
		SELECT COUNT(*), SUM(amount),
			SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END)
		FROM transactions
		WHERE user_id = ? AND timestamp < ?
	`

	var count int64
	var total decimal.NullDecimal
	var daily sql.NullInt64

	if err := r.db.QueryRowContext(ctx, r.rebind(query), dayAgo, userID, at).Scan(&count, &total, &daily); err != nil {
		return nil, err
	}

	profile := &domain.UserProfile{
		TotalTransactions: count,
		TotalAmount:       decimal.Zero,
		AverageAmount:     decimal.Zero,
		DailyCount:        daily.Int64,
	}
	if total.Valid {
		profile.TotalAmount = total.Decimal
	}
	if count > 0 {
		profile.AverageAmount = profile.TotalAmount.Div(decimal.NewFromInt(count))

		var last time.Time
		lastQuery := `SELECT timestamp FROM transactions WHERE user_id = ? AND timestamp < ? ORDER BY timestamp DESC LIMIT 1`
		if err := r.db.QueryRowContext(ctx, r.rebind(lastQuery), userID, at).Scan(&last); err != nil {
			return nil, err
		}
		profile.LastTransactionAt = &last
	}

	return profile, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for tests and tooling.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// checkVersioned turns a zero-row versioned update into ErrNotFound or
// ErrConflict depending on whether the row still exists.
func (r *SQLRepository) checkVersioned(ctx context.Context, res sql.Result, table, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s was modified concurrently", ErrConflict, entity, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var newLocation, newDevice, fraud int
	var caseStatus string
	var reviewedAt sql.NullTime

	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Amount, &tx.Currency, &tx.Timestamp, &tx.Status, &tx.TransactionType,
		&tx.SenderAccount, &tx.ReceiverAccount, &tx.Description, &tx.MerchantID, &tx.MerchantCategory,
		&tx.DeviceType, &tx.OSType, &tx.NetworkOperator, &tx.LocationCity, &tx.LocationCountry, &tx.IPAddress,
		&newLocation, &newDevice, &fraud, &tx.RiskScore, &tx.ModelVersion,
		&caseStatus, &tx.ReviewedBy, &reviewedAt, &tx.InvestigationNotes,
		&tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.IsNewLocation = newLocation == 1
	tx.IsNewDevice = newDevice == 1
	tx.IsFraud = fraud == 1
	tx.CaseStatus = domain.CaseDecision(caseStatus)
	if reviewedAt.Valid {
		at := reviewedAt.Time.UTC()
		tx.ReviewedAt = &at
	}
	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
