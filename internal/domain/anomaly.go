package domain

import (
	"time"
)

// AnomalyStatus is the investigation state of an anomaly.
type AnomalyStatus string

const (
	AnomalyOpen          AnomalyStatus = "open"
	AnomalyInvestigating AnomalyStatus = "investigating"
	AnomalyResolved      AnomalyStatus = "resolved"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
)

// Valid reports whether s is a known status.
func (s AnomalyStatus) Valid() bool {
	switch s {
	case AnomalyOpen, AnomalyInvestigating, AnomalyResolved, AnomalyFalsePositive:
		return true
	}
	return false
}

// Closed reports whether s carries resolution fields.
func (s AnomalyStatus) Closed() bool {
	return s == AnomalyResolved || s == AnomalyFalsePositive
}

// Severity is a coarse risk tier derived from the risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Resolution outcomes recorded in ResolverInfo.
const (
	OutcomeConfirmedFraud      = "CONFIRMED_FRAUD"
	OutcomeMarkedFalsePositive = "MARKED_FALSE_POSITIVE"
)

// Detector types recorded in TriggeredBy.
const (
	TriggerMLModel      = "ML Model"
	TriggerRuleEngine   = "Rule Engine"
	TriggerManualReview = "Manual Review"
	TriggerImport       = "Bulk Import"
)

// Anomaly is a suspected-fraud case linked to one transaction.
type Anomaly struct {
	ID            string        `json:"id"`
	TransactionID string        `json:"transactionId,omitempty"`
	UserID        string        `json:"userId"`
	RuleName      string        `json:"ruleName"`
	Description   string        `json:"description"`
	Severity      Severity      `json:"severity"`
	Status        AnomalyStatus `json:"status"`
	Timestamp     time.Time     `json:"timestamp"`
	RiskScore     float64       `json:"riskScore"`
	RiskFactors   []string      `json:"riskFactors,omitempty"`
	ModelVersion  string        `json:"modelVersion,omitempty"`

	// TransactionData is a snapshot of the linked transaction.
	TransactionData *Transaction `json:"transactionData,omitempty"`

	// Resolution fields; nil while open or investigating.
	ResolvedBy      *string       `json:"resolvedBy"`
	ResolvedAt      *time.Time    `json:"resolvedAt"`
	ResolutionNotes *string       `json:"resolutionNotes"`
	ResolverInfo    *ResolverInfo `json:"resolverInfo"`

	Comments    []Comment   `json:"comments"`
	TriggeredBy TriggeredBy `json:"triggeredBy"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the anomaly.
func (a *Anomaly) Clone() *Anomaly {
	if a == nil {
		return nil
	}
	c := *a
	c.RiskFactors = append([]string(nil), a.RiskFactors...)
	c.Comments = append([]Comment(nil), a.Comments...)
	c.TransactionData = a.TransactionData.Clone()
	if a.ResolvedBy != nil {
		v := *a.ResolvedBy
		c.ResolvedBy = &v
	}
	if a.ResolvedAt != nil {
		v := *a.ResolvedAt
		c.ResolvedAt = &v
	}
	if a.ResolutionNotes != nil {
		v := *a.ResolutionNotes
		c.ResolutionNotes = &v
	}
	if a.ResolverInfo != nil {
		v := *a.ResolverInfo
		c.ResolverInfo = &v
	}
	return &c
}

// ClearResolution nils every resolution field.
func (a *Anomaly) ClearResolution() {
	a.ResolvedBy = nil
	a.ResolvedAt = nil
	a.ResolutionNotes = nil
	a.ResolverInfo = nil
}

// Validate checks the fields required to persist an anomaly.
func (a *Anomaly) Validate() error {
	if a.RiskScore < 0 || a.RiskScore > 1 {
		return Invalid("riskScore", "must be within [0, 1], got %.4f", a.RiskScore)
	}
	if !a.Status.Valid() {
		return Invalid("status", "unknown value %q", a.Status)
	}
	if !a.Severity.Valid() {
		return Invalid("severity", "unknown value %q", a.Severity)
	}
	if !a.Status.Closed() && (a.ResolvedBy != nil || a.ResolvedAt != nil || a.ResolverInfo != nil || a.ResolutionNotes != nil) {
		return Invalid("status", "%s anomaly cannot carry resolution fields", a.Status)
	}
	return nil
}

// ResolverInfo is a snapshot of who closed a case and how.
type ResolverInfo struct {
	UserID     string    `json:"userId,omitempty"`
	Username   string    `json:"username,omitempty"`
	Role       string    `json:"role,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
	Outcome    string    `json:"outcome"`
	SourceIP   string    `json:"sourceIp,omitempty"`
}

// Comment is an analyst note on an anomaly.
type Comment struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	AuthorID   string    `json:"authorId,omitempty"`
	AuthorName string    `json:"authorName"`
	Timestamp  time.Time `json:"timestamp"`
}

// TriggeredBy records the detector that raised an anomaly.
type TriggeredBy struct {
	Type      string `json:"type"`
	Algorithm string `json:"algorithm"`
	Version   string `json:"version,omitempty"`
}

// AnomalyPatch holds analyst-editable anomaly fields.
// TransactionID is deliberately absent.
type AnomalyPatch struct {
	Status          *AnomalyStatus `json:"status,omitempty"`
	Severity        *Severity      `json:"severity,omitempty"`
	Description     *string        `json:"description,omitempty"`
	RuleName        *string        `json:"ruleName,omitempty"`
	ResolutionNotes *string        `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
}

// Actor identifies the user behind a mutation. A nil *Actor means the
// mutation is not attributable.
type Actor struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}
