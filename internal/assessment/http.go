package assessment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

// HTTPScorer calls a remote scoring service at POST {baseURL}/predict.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPScorer creates an HTTP scorer. A zero timeout defaults to 10s.
func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPScorer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type predictResponse struct {
	AnomalyScore *float64 `json:"anomaly_score"`
	IsAnomaly    bool     `json:"is_anomaly"`
	ModelVersion string   `json:"model_version"`
	ModelName    string   `json:"model_name"`
	RiskFactors  []string `json:"risk_factors"`
	Confidence   float64  `json:"confidence"`
	Threshold    float64  `json:"threshold"`
}

// Score posts the feature record and decodes the prediction.
func (s *HTTPScorer) Score(ctx context.Context, features domain.Features) (*RawScore, error) {
	body, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call scorer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scorer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var pr predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode scorer response: %w", err)
	}
	if pr.AnomalyScore == nil {
		return nil, fmt.Errorf("scorer response has no anomaly_score")
	}
	if math.IsNaN(*pr.AnomalyScore) || math.IsInf(*pr.AnomalyScore, 0) {
		return nil, fmt.Errorf("scorer returned non-finite anomaly_score")
	}

	return &RawScore{
		Score:        *pr.AnomalyScore,
		IsAnomaly:    pr.IsAnomaly,
		ModelVersion: pr.ModelVersion,
		ModelName:    pr.ModelName,
		RiskFactors:  pr.RiskFactors,
		Confidence:   pr.Confidence,
		Threshold:    pr.Threshold,
	}, nil
}
