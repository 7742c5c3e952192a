package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
)

// AppendAudit stores an audit entry.
func (r *SQLRepository) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	if e.ActionType == "" || e.EntityType == "" {
		return fmt.Errorf("%w: audit action and entity type are required", ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var details sql.NullString
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO audit_logs (
			id, user_id, username, action_type, entity_type, entity_id,
			details, ip_address, user_agent, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.UserID, e.Username, e.ActionType, e.EntityType, e.EntityID,
		details, e.IPAddress, e.UserAgent, e.Timestamp.UTC(),
	)
	return err
}

// ListAudit returns audit entries for an entity, newest first. An empty
// entityID lists every entry of entityType.
func (r *SQLRepository) ListAudit(ctx context.Context, entityType, entityID string, page domain.Page) ([]*domain.AuditEntry, error) {
	page = page.Normalize()

	query := `
		SELECT id, user_id, username, action_type, entity_type, entity_id,
			   details, ip_address, user_agent, timestamp
		FROM audit_logs
		WHERE entity_type = ?`
	args := []any{entityType}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, page.Limit, page.Offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var details sql.NullString

		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Username, &e.ActionType, &e.EntityType, &e.EntityID,
			&details, &e.IPAddress, &e.UserAgent, &e.Timestamp,
		); err != nil {
			return nil, err
		}

		if details.Valid && details.String != "" {
			json.Unmarshal([]byte(details.String), &e.Details)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}
