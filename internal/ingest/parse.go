package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/anomaly"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultRuleName labels imported anomalies that carry no rule_name.
const DefaultRuleName = "CSV_Ingestion"

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTransaction builds a transaction from a record's columns. Missing
// categorical descriptors are filled from defaults.
func ParseTransaction(f map[string]string, defaults domain.FeatureDefaults) (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:               f["transaction_id"],
		UserID:           f["user_id"],
		Currency:         or(f["currency"], defaults.Currency),
		Status:           or(f["status"], defaults.Status),
		TransactionType:  or(f["transaction_type"], defaults.TransactionType),
		SenderAccount:    f["sender_account"],
		ReceiverAccount:  f["receiver_account"],
		Description:      f["description"],
		MerchantID:       f["merchant_id"],
		MerchantCategory: f["merchant_category"],
		DeviceType:       or(f["device_type"], defaults.DeviceType),
		OSType:           f["os_type"],
		NetworkOperator:  or(f["network_operator"], defaults.NetworkOperator),
		LocationCity:     or(f["location_city"], defaults.LocationCity),
		LocationCountry:  or(f["location_country"], defaults.LocationCountry),
		IPAddress:        f["ip_address"],
	}
	if tx.ID == "" {
		tx.ID = "TRX-" + strings.ToUpper(uuid.New().String())
	}
	if tx.UserID == "" {
		return nil, domain.Invalid("user_id", "is required")
	}

	raw := f["amount"]
	if raw == "" {
		return nil, domain.Invalid("amount", "is required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, domain.Invalid("amount", "not a number: %q", raw)
	}
	if !amount.IsPositive() {
		return nil, domain.Invalid("amount", "must be positive, got %s", amount.String())
	}
	tx.Amount = amount

	if tx.Timestamp, err = parseTime("timestamp", f["timestamp"]); err != nil {
		return nil, err
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	if tx.IsNewLocation, err = parseBool("is_new_location", f["is_new_location"]); err != nil {
		return nil, err
	}
	if tx.IsNewDevice, err = parseBool("is_new_device", f["is_new_device"]); err != nil {
		return nil, err
	}
	return tx, nil
}

// ParseAnomaly builds a pre-assessed anomaly from a record's columns.
// Severity is derived from risk_score when absent. Closed statuses get
// resolution fields so the record is a valid anomaly for its status.
func ParseAnomaly(f map[string]string, thresholds anomaly.Thresholds) (*domain.Anomaly, error) {
	a := &domain.Anomaly{
		ID:            or(f["id"], uuid.New().String()),
		TransactionID: f["transaction_id"],
		UserID:        f["user_id"],
		RuleName:      or(f["rule_name"], DefaultRuleName),
		Description:   f["description"],
		ModelVersion:  f["model_version"],
		Status:        domain.AnomalyStatus(strings.ToLower(or(f["status"], string(domain.AnomalyOpen)))),
		Comments:      []domain.Comment{},
	}

	if raw := f["risk_score"]; raw != "" {
		risk, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, domain.Invalid("risk_score", "not a number: %q", raw)
		}
		a.RiskScore = risk
	}

	if raw := f["severity"]; raw != "" {
		a.Severity = domain.Severity(strings.ToLower(raw))
	} else {
		a.Severity = thresholds.Severity(a.RiskScore)
	}

	var err error
	if a.Timestamp, err = parseTime("timestamp", f["timestamp"]); err != nil {
		return nil, err
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	a.RiskFactors = splitList(f["risk_factors"])

	if raw := f["triggered_by"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.TriggeredBy); err != nil {
			return nil, domain.Invalid("triggered_by", "invalid json: %v", err)
		}
	}
	if a.TriggeredBy.Type == "" {
		a.TriggeredBy = domain.TriggeredBy{
			Type:      domain.TriggerImport,
			Algorithm: or(f["algorithm"], "Import"),
			Version:   a.ModelVersion,
		}
	}

	if raw := f["comments"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.Comments); err != nil {
			return nil, domain.Invalid("comments", "invalid json: %v", err)
		}
	}

	if a.Status.Closed() {
		resolvedAt, err := parseTime("resolved_at", f["resolved_at"])
		if err != nil {
			return nil, err
		}
		if resolvedAt.IsZero() {
			resolvedAt = a.Timestamp
		}
		a.ResolvedAt = &resolvedAt

		info := &domain.ResolverInfo{ResolvedAt: resolvedAt, Outcome: domain.OutcomeConfirmedFraud}
		if a.Status == domain.AnomalyFalsePositive {
			info.Outcome = domain.OutcomeMarkedFalsePositive
		}
		if by := f["resolved_by"]; by != "" {
			a.ResolvedBy = &by
			info.UserID = by
		}
		if notes := f["resolution_notes"]; notes != "" {
			a.ResolutionNotes = &notes
		}
		a.ResolverInfo = info
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func parseTime(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.Invalid(field, "unrecognized time %q", raw)
}

func parseBool(field, raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	switch strings.ToLower(raw) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, domain.Invalid(field, "not a boolean: %q", raw)
	}
	return v, nil
}

// splitList accepts a JSON array or a ';' / ',' separated list.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' || r == ',' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
