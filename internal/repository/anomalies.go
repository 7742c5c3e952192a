package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

const anomalyColumns = `
	id, transaction_id, user_id, rule_name, description, severity, status,
	timestamp, risk_score, risk_factors, model_version, transaction_data,
	resolved_by, resolved_at, resolution_notes, resolver_info, comments, triggered_by,
	version, created_at, updated_at`

// CreateAnomaly stores a new anomaly with Version 1.
func (r *SQLRepository) CreateAnomaly(ctx context.Context, a *domain.Anomaly) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("%w: anomaly id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Version = 1

	cols, err := encodeAnomaly(a)
	if err != nil {
		return err
	}

	query := `INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, nullString(a.TransactionID), a.UserID, a.RuleName, a.Description, string(a.Severity), string(a.Status),
		a.Timestamp.UTC(), a.RiskScore, cols.riskFactors, a.ModelVersion, cols.transactionData,
		cols.resolvedBy, cols.resolvedAt, cols.resolutionNotes, cols.resolverInfo, cols.comments, cols.triggeredBy,
		a.Version, a.CreatedAt.UTC(), a.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: anomaly %s already exists", ErrConflict, a.ID)
	}
	return err
}

// GetAnomaly retrieves an anomaly by ID.
func (r *SQLRepository) GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = ?`

	a, err := scanAnomaly(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("anomaly", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FindAnomalies returns one page of matching anomalies, newest first, and the
// total match count.
func (r *SQLRepository) FindAnomalies(ctx context.Context, filter domain.AnomalyFilter) ([]*domain.Anomaly, int, error) {
	var where []string
	var args []any

	if filter.TransactionID != "" {
		where = append(where, "transaction_id = ?")
		args = append(args, filter.TransactionID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
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
	if err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM anomalies`+clause), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := filter.Page.Normalize()
	query := `SELECT ` + anomalyColumns + ` FROM anomalies` + clause +
		` ORDER BY timestamp DESC, id LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*domain.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// UpdateAnomaly writes every mutable column under a version check.
// transaction_id is never rewritten.
func (r *SQLRepository) UpdateAnomaly(ctx context.Context, a *domain.Anomaly) error {
	cols, err := encodeAnomaly(a)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	query := `
		UPDATE anomalies SET
			user_id = ?, rule_name = ?, description = ?, severity = ?, status = ?,
			timestamp = ?, risk_score = ?, risk_factors = ?, model_version = ?, transaction_data = ?,
			resolved_by = ?, resolved_at = ?, resolution_notes = ?, resolver_info = ?,
			comments = ?, triggered_by = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		a.UserID, a.RuleName, a.Description, string(a.Severity), string(a.Status),
		a.Timestamp.UTC(), a.RiskScore, cols.riskFactors, a.ModelVersion, cols.transactionData,
		cols.resolvedBy, cols.resolvedAt, cols.resolutionNotes, cols.resolverInfo,
		cols.comments, cols.triggeredBy,
		now, a.ID, a.Version,
	)
	if err != nil {
		return err
	}
	if err := r.checkVersioned(ctx, res, "anomalies", "anomaly", a.ID); err != nil {
		return err
	}

	a.Version++
	a.UpdatedAt = now
	return nil
}

// DeleteAnomaly removes an anomaly. The linked transaction is untouched.
func (r *SQLRepository) DeleteAnomaly(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM anomalies WHERE id = ?`), id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound("anomaly", id)
	}
	return nil
}

type anomalyJSON struct {
	riskFactors     string
	transactionData sql.NullString
	resolvedBy      sql.NullString
	resolvedAt      sql.NullTime
	resolutionNotes sql.NullString
	resolverInfo    sql.NullString
	comments        string
	triggeredBy     string
}

func encodeAnomaly(a *domain.Anomaly) (*anomalyJSON, error) {
	var cols anomalyJSON

	factors := a.RiskFactors
	if factors == nil {
		factors = []string{}
	}
	b, err := json.Marshal(factors)
	if err != nil {
		return nil, fmt.Errorf("encode risk factors: %w", err)
	}
	cols.riskFactors = string(b)

	comments := a.Comments
	if comments == nil {
		comments = []domain.Comment{}
	}
	if b, err = json.Marshal(comments); err != nil {
		return nil, fmt.Errorf("encode comments: %w", err)
	}
	cols.comments = string(b)

	if b, err = json.Marshal(a.TriggeredBy); err != nil {
		return nil, fmt.Errorf("encode triggered_by: %w", err)
	}
	cols.triggeredBy = string(b)

	if a.TransactionData != nil {
		if b, err = json.Marshal(a.TransactionData); err != nil {
			return nil, fmt.Errorf("encode transaction_data: %w", err)
		}
		cols.transactionData = sql.NullString{String: string(b), Valid: true}
	}
	if a.ResolverInfo != nil {
		if b, err = json.Marshal(a.ResolverInfo); err != nil {
			return nil, fmt.Errorf("encode resolver_info: %w", err)
		}
		cols.resolverInfo = sql.NullString{String: string(b), Valid: true}
	}
	if a.ResolvedBy != nil {
		cols.resolvedBy = sql.NullString{String: *a.ResolvedBy, Valid: true}
	}
	if a.ResolvedAt != nil {
		cols.resolvedAt = sql.NullTime{Time: a.ResolvedAt.UTC(), Valid: true}
	}
	if a.ResolutionNotes != nil {
		cols.resolutionNotes = sql.NullString{String: *a.ResolutionNotes, Valid: true}
	}

	return &cols, nil
}

func scanAnomaly(row rowScanner) (*domain.Anomaly, error) {
	var a domain.Anomaly
	var txID sql.NullString
	var severity, status string
	var riskFactors, comments, triggeredBy string
	var txData, resolvedBy, notes, resolverInfo sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&a.ID, &txID, &a.UserID, &a.RuleName, &a.Description, &severity, &status,
		&a.Timestamp, &a.RiskScore, &riskFactors, &a.ModelVersion, &txData,
		&resolvedBy, &resolvedAt, &notes, &resolverInfo, &comments, &triggeredBy,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.TransactionID = txID.String
	a.Severity = domain.Severity(severity)
	a.Status = domain.AnomalyStatus(status)
	a.Timestamp = a.Timestamp.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(riskFactors), &a.RiskFactors); err != nil {
		return nil, fmt.Errorf("decode risk factors of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(comments), &a.Comments); err != nil {
		return nil, fmt.Errorf("decode comments of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(triggeredBy), &a.TriggeredBy); err != nil {
		return nil, fmt.Errorf("decode triggered_by of %s: %w", a.ID, err)
	}
	if txData.Valid && txData.String != "" {
		var snap domain.Transaction
		if err := json.Unmarshal([]byte(txData.String), &snap); err != nil {
			return nil, fmt.Errorf("decode transaction_data of %s: %w", a.ID, err)
		}
		a.TransactionData = &snap
	}
	if resolverInfo.Valid && resolverInfo.String != "" {
		var info domain.ResolverInfo
		if err := json.Unmarshal([]byte(resolverInfo.String), &info); err != nil {
			return nil, fmt.Errorf("decode resolver_info of %s: %w", a.ID, err)
		}
		a.ResolverInfo = &info
	}
	if resolvedBy.Valid {
		v := resolvedBy.String
		a.ResolvedBy = &v
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time.UTC()
		a.ResolvedAt = &v
	}
	if notes.Valid {
		v := notes.String
		a.ResolutionNotes = &v
	}

	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
