package domain

import (
	"context"
	"time"
)

// AuditSink receives audit entries. Append must never block or fail the
// calling operation.
type AuditSink interface {
	Append(ctx context.Context, entry *AuditEntry)
}

// AuditEntry records a user-visible action.
type AuditEntry struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId,omitempty"`
	Username   string         `json:"username,omitempty"`
	ActionType string         `json:"actionType"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewAuditEntry fills the actor fields of an entry. A nil actor leaves them empty.
func NewAuditEntry(actor *Actor, action, entityType, entityID string, details map[string]any) *AuditEntry {
	e := &AuditEntry{
		ActionType: action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	if actor != nil {
		e.UserID = actor.UserID
		e.Username = actor.Username
		e.IPAddress = actor.IPAddress
		e.UserAgent = actor.UserAgent
	}
	return e
}

// Audit action types.
const (
	AuditAnomalyCreated        = "ANOMALY_CREATED"
	AuditAnomalyUpdated        = "ANOMALY_UPDATED"
	AuditCaseResolved          = "CASE_RESOLVED"
	AuditAnomalyCommentAdded   = "ANOMALY_COMMENT_ADDED"
	AuditAnomalyDeleted        = "ANOMALY_DELETED"
	AuditTransactionCreated    = "TRANSACTION_CREATED"
	AuditTransactionUpdated    = "TRANSACTION_UPDATED"
	AuditTransactionsIngested  = "TRANSACTIONS_INGESTED"
	AuditAnomaliesIngested     = "ANOMALIES_INGESTED"
	AuditBatchPredictCompleted = "BATCH_FRAUD_PREDICTION_COMPLETED"
	AuditCaseDecision          = "CASE_DECISION"
	AuditFraudConfirmed        = "FRAUD_CONFIRMED"
)

// Audit entity types.
const (
	EntityAnomaly     = "Anomaly"
	EntityTransaction = "Transaction"
)
