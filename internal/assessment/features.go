package assessment

import (
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// Project builds the scorer feature record for tx. Missing categorical
// descriptors take the configured defaults. A nil profile means no history.
func Project(tx *domain.Transaction, profile *domain.UserProfile, defaults domain.FeatureDefaults) domain.Features {
	ts := tx.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	amount, _ := tx.Amount.Float64()

	f := domain.Features{
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		Amount:           amount,
		Currency:         orDefault(tx.Currency, defaults.Currency),
		Timestamp:        ts,
		Hour:             ts.Hour(),
		DayOfWeek:        int(ts.Weekday()),
		IsWeekend:        ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday,
		TransactionType:  orDefault(tx.TransactionType, defaults.TransactionType),
		Status:           orDefault(tx.Status, defaults.Status),
		NetworkOperator:  orDefault(tx.NetworkOperator, defaults.NetworkOperator),
		DeviceType:       orDefault(tx.DeviceType, defaults.DeviceType),
		OSType:           tx.OSType,
		LocationCity:     orDefault(tx.LocationCity, defaults.LocationCity),
		LocationCountry:  orDefault(tx.LocationCountry, defaults.LocationCountry),
		MerchantCategory: tx.MerchantCategory,
		IsNewLocation:    tx.IsNewLocation,
		IsNewDevice:      tx.IsNewDevice,
	}

	if profile != nil {
		f.UserTotalTransactions = profile.TotalTransactions
		f.UserTotalAmountSpent, _ = profile.TotalAmount.Float64()
		f.UserAverageAmount, _ = profile.AverageAmount.Float64()
		f.DailyTransactionCount = profile.DailyCount
		if profile.LastTransactionAt != nil {
			if since := ts.Sub(*profile.LastTransactionAt).Seconds(); since > 0 {
				f.TimeSinceLastTransactionSeconds = since
			}
		}
	}

	return f
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
