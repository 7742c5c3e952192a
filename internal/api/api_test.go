package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/heron/internal/assessment"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/orchestrator"
	"github.com/opensource-finance/heron/internal/repository"
)

type scorerFunc func(ctx context.Context, f domain.Features) (*assessment.RawScore, error)

func (s scorerFunc) Score(ctx context.Context, f domain.Features) (*assessment.RawScore, error) {
	return s(ctx, f)
}

// highValueScorer flags amounts above 100000.
var highValueScorer = scorerFunc(func(_ context.Context, f domain.Features) (*assessment.RawScore, error) {
	if f.Amount > 100000 {
		return &assessment.RawScore{Score: -0.4, IsAnomaly: true, ModelVersion: "test-v1"}, nil
	}
	return &assessment.RawScore{Score: 0.3, ModelVersion: "test-v1"}, nil
})

// createTestServer creates a server over a temporary SQLite store.
func createTestServer(t *testing.T, async bool) (*Server, *bus.ChannelBus) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "heron-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	client, err := assessment.NewClient(highValueScorer, -0.5, 0.5, time.Second)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.DefaultConfig()
	cfg.Scoring.Policy = domain.PolicyFail
	svc, err := orchestrator.New(cfg, orchestrator.Deps{
		Repository: repo,
		Scorer:     client,
		Bus:        eventBus,
	})
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	return NewServer(cfg.Server, svc, Options{Bus: eventBus, Async: async, Version: "test-v1"}), eventBus
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, "u-42")
	req.Header.Set(UsernameHeader, "analyst")
	req.Header.Set(UserRoleHeader, "investigator")

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestTransactionEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("FlaggedTransactionRaisesAnomaly", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions", map[string]any{
			"transactionId": "TX-HIGH",
			"userId":        "user-1",
			"amount":        "500000",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Transaction domain.Transaction `json:"transaction"`
			Anomaly     *domain.Anomaly    `json:"anomaly"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if !resp.Transaction.IsFraud {
			t.Error("expected transaction to be flagged")
		}
		if resp.Anomaly == nil || resp.Anomaly.Severity != domain.SeverityHigh {
			t.Fatalf("expected a high severity anomaly, got %+v", resp.Anomaly)
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
	})

	t.Run("CleanTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions", map[string]any{
			"userId": "user-2",
			"amount": 1500,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]json.RawMessage
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if _, ok := resp["anomaly"]; ok {
			t.Error("expected no anomaly for a clean transaction")
		}

		var tx domain.Transaction
		json.Unmarshal(resp["transaction"], &tx)
		if !strings.HasPrefix(tx.ID, "TRX-") {
			t.Errorf("expected generated id, got %q", tx.ID)
		}
		if tx.Currency != "MWK" {
			t.Errorf("expected default currency MWK, got %q", tx.Currency)
		}
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions", map[string]any{
			"transactionId": "TX-NEG",
			"userId":        "user-1",
			"amount":        "-40",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/transactions", strings.NewReader("{invalid"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions/TX-MISSING", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("FraudFlagRequiresValue", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/transactions/TX-HIGH/fraud-flag", map[string]any{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnflagClosesAnomaly", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/transactions/TX-HIGH/fraud-flag", map[string]any{"isFraud": false})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/anomalies?transactionId=TX-HIGH", nil)
		var list struct {
			Anomalies []domain.Anomaly `json:"anomalies"`
			Total     int              `json:"total"`
		}
		json.Unmarshal(rr.Body.Bytes(), &list)
		if list.Total != 1 || list.Anomalies[0].Status != domain.AnomalyFalsePositive {
			t.Errorf("expected one false_positive anomaly, got %+v", list.Anomalies)
		}
	})

	t.Run("ListFiltersByFraud", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions?isFraud=false&limit=10", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var list struct {
			Total int `json:"total"`
		}
		json.Unmarshal(rr.Body.Bytes(), &list)
		if list.Total != 2 {
			t.Errorf("expected 2 unflagged transactions, got %d", list.Total)
		}
	})

	t.Run("BadFilter", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions?isFraud=maybe", nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("CaseDecision", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/TX-HIGH/decision", map[string]any{
			"decision": "confirm_fraud",
			"notes":    "agent confirmed the cash-out",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Transaction domain.Transaction `json:"transaction"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		tx := resp.Transaction
		if !tx.IsFraud || tx.CaseStatus != domain.DecisionConfirmFraud {
			t.Errorf("expected a confirmed fraud case, got is_fraud=%v status=%q", tx.IsFraud, tx.CaseStatus)
		}
		if tx.ReviewedBy != "u-42" || tx.ReviewedAt == nil || tx.InvestigationNotes != "agent confirmed the cash-out" {
			t.Errorf("review metadata missing: %+v", tx)
		}
	})

	t.Run("CaseDecisionInvalid", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/TX-HIGH/decision", map[string]any{"decision": "escalate"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodPost, "/transactions/TX-404/decision", map[string]any{"decision": "needs_review"})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("RescoreSingle", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/TX-HIGH/predict", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res struct {
			Processed int `json:"processed"`
		}
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Processed != 1 {
			t.Errorf("expected 1 processed, got %d", res.Processed)
		}

		rr = do(t, server, http.MethodPost, "/transactions/TX-404/predict", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("PredictBatchByIDs", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/transactions/predict-batch", map[string]any{
			"transactionIds": []string{"TX-HIGH"},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res struct {
			Processed int `json:"processed"`
		}
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Processed != 1 {
			t.Errorf("expected 1 processed, got %d", res.Processed)
		}
	})
}

func TestAnomalyEndpoints(t *testing.T) {
	server, _ := createTestServer(t, false)

	rr := do(t, server, http.MethodPost, "/transactions", map[string]any{
		"transactionId": "TX-CASE",
		"userId":        "user-1",
		"amount":        "750000",
	})
	var created struct {
		Anomaly domain.Anomaly `json:"anomaly"`
	}
	json.Unmarshal(rr.Body.Bytes(), &created)
	id := created.Anomaly.ID
	if id == "" {
		t.Fatalf("expected an anomaly, got %s", rr.Body.String())
	}

	t.Run("Comment", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/anomalies/"+id+"/comments", map[string]any{"text": "calling the customer"})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Comment domain.Comment `json:"comment"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Comment.AuthorName != "analyst" {
			t.Errorf("expected author 'analyst', got %q", resp.Comment.AuthorName)
		}
	})

	t.Run("ResolveKeepsFraudFlag", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/anomalies/"+id+"/status", map[string]any{
			"status": "resolved",
			"notes":  "confirmed with customer",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Anomaly domain.Anomaly `json:"anomaly"`
			Changed bool           `json:"changed"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.Changed || resp.Anomaly.Status != domain.AnomalyResolved {
			t.Errorf("expected resolved anomaly, got %+v", resp.Anomaly)
		}
		if resp.Anomaly.ResolverInfo == nil || resp.Anomaly.ResolverInfo.Username != "analyst" {
			t.Errorf("expected resolver info from headers, got %+v", resp.Anomaly.ResolverInfo)
		}

		rr = do(t, server, http.MethodGet, "/transactions/TX-CASE", nil)
		var tx domain.Transaction
		json.Unmarshal(rr.Body.Bytes(), &tx)
		if !tx.IsFraud {
			t.Error("expected transaction to stay flagged")
		}
	})

	t.Run("UnknownStatus", func(t *testing.T) {
		rr := do(t, server, http.MethodPut, "/anomalies/"+id+"/status", map[string]any{"status": "archived"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/anomalies/"+id+"/audit", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := do(t, server, http.MethodDelete, "/anomalies/"+id, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = do(t, server, http.MethodGet, "/anomalies/"+id, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})

	t.Run("ManualAnomaly", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/anomalies", map[string]any{
			"transactionId": "TX-CASE",
			"riskScore":     0.96,
			"ruleName":      "Manual_Review",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Anomaly domain.Anomaly `json:"anomaly"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Anomaly.Severity != domain.SeverityCritical {
			t.Errorf("expected critical severity, got %s", resp.Anomaly.Severity)
		}
	})

	t.Run("ManualAnomalyMissingTransaction", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/anomalies", map[string]any{
			"transactionId": "TX-NOPE",
			"riskScore":     0.9,
		})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestIngestEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("RawCSVBody", func(t *testing.T) {
		csv := "transaction_id,user_id,amount\nTX-1,u1,100\nTX-2,u1,-5\nTX-3,u2,250000\n"
		req := httptest.NewRequest(http.MethodPost, "/ingest/transactions", strings.NewReader(csv))
		req.Header.Set("Content-Type", "text/csv")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res struct {
			Processed int `json:"processed"`
			Inserted  int `json:"inserted"`
			Errors    []struct {
				Ref string `json:"ref"`
			} `json:"errors"`
		}
		json.Unmarshal(rr.Body.Bytes(), &res)
		if res.Processed != 3 || res.Inserted != 2 || len(res.Errors) != 1 {
			t.Errorf("expected 3 processed, 2 inserted, 1 error; got %+v", res)
		}
	})

	t.Run("MultipartNDJSON", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, _ := mw.CreateFormFile("file", "batch.jsonl")
		part.Write([]byte(`{"transaction_id":"TX-J1","user_id":"u3","amount":42}` + "\n"))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/ingest/transactions", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr := do(t, server, http.MethodGet, "/transactions/TX-J1", nil); rr.Code != http.StatusOK {
			t.Errorf("expected ingested transaction, got %d", rr.Code)
		}
	})

	t.Run("AllRowsFail", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ingest/transactions", strings.NewReader("transaction_id,user_id,amount\nTX-X,,10\n"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", rr.Code)
		}
	})

	t.Run("UnknownKind", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/ingest/users", strings.NewReader("a\n1\n"))
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestTrendEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("Defaults", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/trends/anomaly-rate", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var series domain.TrendSeries
		json.Unmarshal(rr.Body.Bytes(), &series)
		if series.Interval != domain.IntervalDay || len(series.Points) != 30 {
			t.Errorf("expected 30 daily points, got %s/%d", series.Interval, len(series.Points))
		}
	})

	tests := []struct {
		name  string
		query string
	}{
		{"BadPeriod", "?period=abc"},
		{"ZeroPeriod", "?period=0"},
		{"BadInterval", "?interval=minute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, server, http.MethodGet, "/trends/anomaly-rate"+tt.query, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", rr.Code)
			}
		})
	}
}

func TestAsyncSubmission(t *testing.T) {
	t.Run("DisabledWithoutWorker", func(t *testing.T) {
		server, _ := createTestServer(t, false)
		rr := do(t, server, http.MethodPost, "/transactions?async=true", map[string]any{
			"userId": "u1", "amount": 10,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Queued", func(t *testing.T) {
		server, eventBus := createTestServer(t, true)

		got := make(chan []byte, 1)
		sub, err := eventBus.Subscribe(context.Background(), domain.TopicTransactionSubmitted, func(_ context.Context, msg *domain.Message) error {
			got <- msg.Payload
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		rr := do(t, server, http.MethodPost, "/transactions?async=true", map[string]any{
			"transactionId": "TX-ASYNC", "userId": "u1", "amount": 10,
		})
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case payload := <-got:
			if !bytes.Contains(payload, []byte("TX-ASYNC")) {
				t.Errorf("unexpected submission payload: %s", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("submission not published")
		}
	})
}

func TestEventsFeed(t *testing.T) {
	server, _ := createTestServer(t, false)
	ts := httptest.NewServer(server.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	body := strings.NewReader(`{"transactionId":"TX-LIVE","userId":"u1","amount":"20"}`)
	resp, err := http.Post(ts.URL+"/transactions", "application/json", body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var ev domain.Event
	json.Unmarshal(msg, &ev)
	if ev.Type != domain.TopicNewTransaction {
		t.Errorf("expected %s event, got %s", domain.TopicNewTransaction, ev.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := createTestServer(t, false)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("ActorMiddlewareReadsHeaders", func(t *testing.T) {
		var captured *domain.Actor

		handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetActor(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		req.Header.Set(UserIDHeader, "u-7")
		req.Header.Set(UsernameHeader, "reviewer")
		req.Header.Set(UserRoleHeader, "admin")
		req.Header.Set("User-Agent", "heron-test")

		handler.ServeHTTP(httptest.NewRecorder(), req)

		if captured == nil {
			t.Fatal("expected actor in context")
		}
		if captured.UserID != "u-7" || captured.Username != "reviewer" || captured.Role != "admin" {
			t.Errorf("unexpected actor: %+v", captured)
		}
		if captured.IPAddress != "10.1.2.3" || captured.UserAgent != "heron-test" {
			t.Errorf("unexpected request metadata: %+v", captured)
		}
	})

	t.Run("ActorMiddlewareAnonymous", func(t *testing.T) {
		captured := &domain.Actor{}
		handler := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetActor(r.Context())
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if captured != nil {
			t.Errorf("expected no actor, got %+v", captured)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
