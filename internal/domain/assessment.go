package domain

import "time"

// Assessment is the normalized output of a scoring call.
type Assessment struct {
	IsAnomaly    bool     `json:"isAnomaly"`
	RiskScore    float64  `json:"riskScore"`
	RawScore     float64  `json:"rawScore"`
	ModelVersion string   `json:"modelVersion"`
	ModelName    string   `json:"modelName,omitempty"`
	RiskFactors  []string `json:"riskFactors,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}

// Features is the projection of a transaction sent to the scorer.
// Keys follow the scoring service's wire format.
type Features struct {
	TransactionID    string    `json:"transaction_id"`
	UserID           string    `json:"user_id"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	Timestamp        time.Time `json:"timestamp"`
	Hour             int       `json:"hour"`
	DayOfWeek        int       `json:"day_of_week"`
	IsWeekend        bool      `json:"is_weekend"`
	TransactionType  string    `json:"transaction_type"`
	Status           string    `json:"status"`
	NetworkOperator  string    `json:"network_operator"`
	DeviceType       string    `json:"device_type"`
	OSType           string    `json:"os_type"`
	LocationCity     string    `json:"location_city"`
	LocationCountry  string    `json:"location_country"`
	MerchantCategory string    `json:"merchant_category"`
	IsNewLocation    bool      `json:"is_new_location"`
	IsNewDevice      bool      `json:"is_new_device"`

	// Behavioural counters from the user's history.
	UserTotalTransactions           int64   `json:"user_total_transactions"`
	UserTotalAmountSpent            float64 `json:"user_total_amount_spent"`
	UserAverageAmount               float64 `json:"user_average_amount"`
	TimeSinceLastTransactionSeconds float64 `json:"time_since_last_transaction_seconds"`
	DailyTransactionCount           int64   `json:"daily_transaction_count"`
}
