package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a completed or attempted money-movement event.
type Transaction struct {
	// ID is the business transaction identifier.
	ID     string `json:"transactionId"`
	UserID string `json:"userId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
	TransactionType string    `json:"transactionType"`

	SenderAccount   string `json:"senderAccount,omitempty"`
	ReceiverAccount string `json:"receiverAccount,omitempty"`
	Description     string `json:"description,omitempty"`

	MerchantID       string `json:"merchantId,omitempty"`
	MerchantCategory string `json:"merchantCategory,omitempty"`

	// Device, location and network descriptors
	DeviceType      string `json:"deviceType,omitempty"`
	OSType          string `json:"osType,omitempty"`
	NetworkOperator string `json:"networkOperator,omitempty"`
	LocationCity    string `json:"locationCity,omitempty"`
	LocationCountry string `json:"locationCountry,omitempty"`
	IPAddress       string `json:"ipAddress,omitempty"`
	IsNewLocation   bool   `json:"isNewLocation"`
	IsNewDevice     bool   `json:"isNewDevice"`

	// Fraud state
	IsFraud      bool    `json:"isFraud"`
	RiskScore    float64 `json:"riskScore"`
	ModelVersion string  `json:"modelVersion,omitempty"`

	// Analyst review
	CaseStatus         CaseDecision `json:"caseStatus,omitempty"`
	ReviewedBy         string       `json:"reviewedBy,omitempty"`
	ReviewedAt         *time.Time   `json:"reviewedAt,omitempty"`
	InvestigationNotes string       `json:"investigationNotes,omitempty"`

	// Version is bumped by the store on every update.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CaseDecision is an analyst's verdict on a transaction.
type CaseDecision string

const (
	DecisionConfirmFraud   CaseDecision = "confirm_fraud"
	DecisionMarkLegitimate CaseDecision = "mark_legitimate"
	DecisionNeedsReview    CaseDecision = "needs_review"
)

// ParseCaseDecision validates a decision name.
func ParseCaseDecision(s string) (CaseDecision, error) {
	switch d := CaseDecision(s); d {
	case DecisionConfirmFraud, DecisionMarkLegitimate, DecisionNeedsReview:
		return d, nil
	}
	return "", Invalid("decision", "must be one of %s, %s, %s; got %q",
		DecisionConfirmFraud, DecisionMarkLegitimate, DecisionNeedsReview, s)
}

// Clone returns a copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.ReviewedAt != nil {
		at := *t.ReviewedAt
		c.ReviewedAt = &at
	}
	return &c
}

// Validate checks the fields required to persist a transaction.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return Invalid("transactionId", "is required")
	}
	if t.UserID == "" {
		return Invalid("userId", "is required")
	}
	if !t.Amount.IsPositive() {
		return Invalid("amount", "must be positive, got %s", t.Amount.String())
	}
	if t.RiskScore < 0 || t.RiskScore > 1 {
		return Invalid("riskScore", "must be within [0, 1], got %.4f", t.RiskScore)
	}
	if t.CaseStatus != "" {
		if _, err := ParseCaseDecision(string(t.CaseStatus)); err != nil {
			return err
		}
	}
	return nil
}

// TransactionPatch holds the editable transaction fields.
// Nil fields are left unchanged.
type TransactionPatch struct {
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	Currency         *string          `json:"currency,omitempty"`
	Status           *string          `json:"status,omitempty"`
	Description      *string          `json:"description,omitempty"`
	MerchantID       *string          `json:"merchantId,omitempty"`
	MerchantCategory *string          `json:"merchantCategory,omitempty"`
	IsFraud          *bool            `json:"isFraud,omitempty"`
	RiskScore        *float64         `json:"riskScore,omitempty"`

	CaseStatus         *CaseDecision `json:"caseStatus,omitempty"`
	ReviewedBy         *string       `json:"reviewedBy,omitempty"`
	ReviewedAt         *time.Time    `json:"reviewedAt,omitempty"`
	InvestigationNotes *string       `json:"investigationNotes,omitempty"`
}

// Apply returns a copy of tx with the patch applied.
func (p TransactionPatch) Apply(tx *Transaction) *Transaction {
	out := tx.Clone()
	if p.Amount != nil {
		out.Amount = *p.Amount
	}
	if p.Currency != nil {
		out.Currency = *p.Currency
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.MerchantID != nil {
		out.MerchantID = *p.MerchantID
	}
	if p.MerchantCategory != nil {
		out.MerchantCategory = *p.MerchantCategory
	}
	if p.IsFraud != nil {
		out.IsFraud = *p.IsFraud
	}
	if p.RiskScore != nil {
		out.RiskScore = *p.RiskScore
	}
	if p.CaseStatus != nil {
		out.CaseStatus = *p.CaseStatus
	}
	if p.ReviewedBy != nil {
		out.ReviewedBy = *p.ReviewedBy
	}
	if p.ReviewedAt != nil {
		at := p.ReviewedAt.UTC()
		out.ReviewedAt = &at
	}
	if p.InvestigationNotes != nil {
		out.InvestigationNotes = *p.InvestigationNotes
	}
	return out
}

// SnapshotChanged reports whether the fields mirrored on anomalies differ.
func SnapshotChanged(before, after *Transaction) bool {
	return !before.Amount.Equal(after.Amount) ||
		before.Status != after.Status ||
		before.Description != after.Description
}

// UserProfile summarizes a user's history before a given transaction.
type UserProfile struct {
	TotalTransactions int64           `json:"totalTransactions"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	AverageAmount     decimal.Decimal `json:"averageAmount"`
	LastTransactionAt *time.Time      `json:"lastTransactionAt,omitempty"`
	DailyCount        int64           `json:"dailyCount"`
}
