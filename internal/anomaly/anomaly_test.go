package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

// memStore is a versioned in-memory anomaly store.
type memStore struct {
	mu       sync.Mutex
	items    map[string]*domain.Anomaly
	writes   int
	conflict int // number of upcoming updates to reject
}

func newMemStore(anomalies ...*domain.Anomaly) *memStore {
	s := &memStore{items: make(map[string]*domain.Anomaly)}
	for _, a := range anomalies {
		a.Version = 1
		s.items[a.ID] = a.Clone()
	}
	return s
}

func (s *memStore) GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[id]
	if !ok {
		return nil, domain.NotFound("anomaly", id)
	}
	return a.Clone(), nil
}

func (s *memStore) UpdateAnomaly(ctx context.Context, a *domain.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[a.ID]
	if !ok {
		return domain.NotFound("anomaly", a.ID)
	}
	if s.conflict > 0 {
		s.conflict--
		return domain.ErrConflict
	}
	if cur.Version != a.Version {
		return domain.ErrConflict
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	s.items[a.ID] = a.Clone()
	s.writes++
	return nil
}

func openAnomaly(id string) *domain.Anomaly {
	return &domain.Anomaly{
		ID:            id,
		TransactionID: "tx-" + id,
		UserID:        "user-1",
		RuleName:      "ML_Anomaly_Detection",
		Severity:      domain.SeverityHigh,
		Status:        domain.AnomalyOpen,
		Timestamp:     time.Now().UTC(),
		RiskScore:     0.9,
		UpdatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func assertCoupling(t *testing.T, a *domain.Anomaly) {
	t.Helper()
	if a.Status.Closed() {
		if a.ResolvedAt == nil || a.ResolverInfo == nil {
			t.Errorf("%s anomaly must carry resolved_at and resolver_info", a.Status)
		}
		return
	}
	if a.ResolvedBy != nil || a.ResolvedAt != nil || a.ResolutionNotes != nil || a.ResolverInfo != nil {
		t.Errorf("%s anomaly must not carry resolution fields: %+v", a.Status, a)
	}
}

func TestSeverity(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		risk float64
		want domain.Severity
	}{
		{0.99, domain.SeverityCritical},
		{0.95, domain.SeverityCritical},
		{0.9, domain.SeverityHigh},
		{0.8, domain.SeverityHigh},
		{0.5, domain.SeverityMedium},
		{0.49, domain.SeverityLow},
		{0.01, domain.SeverityLow},
	}

	for _, tt := range tests {
		if got := th.Severity(tt.risk); got != tt.want {
			t.Errorf("Severity(%v) = %s, want %s", tt.risk, got, tt.want)
		}
	}
}

func TestAttribute(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		risk    float64
		amount  int64
		algo    string
		trigger string
	}{
		{"RuleModel", "fallback_rules_v1.0", 0.99, 1000000, "RuleBasedDetection", domain.TriggerRuleEngine},
		{"VeryHighRisk", "iforest_v2", 0.92, 10, "Autoencoder", domain.TriggerMLModel},
		{"LargeAmountHighRisk", "iforest_v2", 0.75, 150000, "OneClassSVM", domain.TriggerMLModel},
		{"LargeAmount", "iforest_v2", 0.55, 60000, "EnsembleDetection", domain.TriggerMLModel},
		{"ModerateRisk", "iforest_v2", 0.65, 100, "LocalOutlierFactor", domain.TriggerMLModel},
		{"Default", "iforest_v2", 0.5, 100, "IsolationForest", domain.TriggerMLModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Attribute(tt.model, tt.risk, decimal.NewFromInt(tt.amount))
			if got.Algorithm != tt.algo || got.Type != tt.trigger {
				t.Errorf("expected %s/%s, got %s/%s", tt.trigger, tt.algo, got.Type, got.Algorithm)
			}
			if got.Version != tt.model {
				t.Errorf("expected version %s, got %s", tt.model, got.Version)
			}
		})
	}
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	tx := &domain.Transaction{
		ID:        "tx-500k",
		UserID:    "user-9",
		Amount:    decimal.NewFromInt(500000),
		Timestamp: time.Now().UTC(),
	}

	t.Run("FromAssessment", func(t *testing.T) {
		f := NewFactory(DefaultThresholds(), nil)
		a, err := f.FromTransaction(ctx, tx, &domain.Assessment{
			IsAnomaly:    true,
			RiskScore:    0.9,
			ModelVersion: "iforest_v2",
			RiskFactors:  []string{"high_amount"},
		}, Options{})
		if err != nil {
			t.Fatalf("FromTransaction failed: %v", err)
		}
		if a.Severity != domain.SeverityHigh {
			t.Errorf("expected high severity, got %s", a.Severity)
		}
		if a.Status != domain.AnomalyOpen || a.RuleName != DefaultRuleName {
			t.Errorf("unexpected defaults status=%s rule=%s", a.Status, a.RuleName)
		}
		if a.TransactionID != tx.ID || a.UserID != tx.UserID || a.ID == "" {
			t.Errorf("unexpected identity fields %+v", a)
		}
		if a.TransactionData == nil || a.TransactionData == tx {
			t.Error("expected a detached transaction snapshot")
		}
		if a.Description != "Anomaly detected with risk score 0.90 using "+a.TriggeredBy.Algorithm+"." {
			t.Errorf("unexpected description %q", a.Description)
		}
		if err := a.Validate(); err != nil {
			t.Errorf("factory output must validate: %v", err)
		}
	})

	t.Run("OptionsOverride", func(t *testing.T) {
		f := NewFactory(DefaultThresholds(), nil)
		tb := domain.TriggeredBy{Type: domain.TriggerManualReview, Algorithm: "Human_Analysis", Version: "1.0"}
		a, err := f.FromTransaction(ctx, tx, &domain.Assessment{IsAnomaly: true, RiskScore: 0.9}, Options{
			RuleName:    "Manual_Fraud_Flag",
			TriggeredBy: &tb,
		})
		if err != nil {
			t.Fatalf("FromTransaction failed: %v", err)
		}
		if a.RuleName != "Manual_Fraud_Flag" || a.TriggeredBy != tb {
			t.Errorf("options not applied: %+v", a)
		}
	})

	t.Run("SelfAssessNotAnomalous", func(t *testing.T) {
		f := NewFactory(DefaultThresholds(), AssessorFunc(func(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
			return &domain.Assessment{IsAnomaly: false, RiskScore: 0.2}, nil
		}))
		a, err := f.FromTransaction(ctx, tx, nil, Options{})
		if err != nil || a != nil {
			t.Errorf("expected nil, nil for a clean transaction, got %v, %v", a, err)
		}
	})

	t.Run("SelfAssessFlagged", func(t *testing.T) {
		f := NewFactory(DefaultThresholds(), AssessorFunc(func(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
			return &domain.Assessment{IsAnomaly: true, RiskScore: 0.97, ModelVersion: "iforest_v2"}, nil
		}))
		a, err := f.FromTransaction(ctx, tx, nil, Options{})
		if err != nil || a == nil {
			t.Fatalf("expected anomaly, got %v, %v", a, err)
		}
		if a.Severity != domain.SeverityCritical {
			t.Errorf("expected critical, got %s", a.Severity)
		}
	})

	t.Run("AssessorError", func(t *testing.T) {
		f := NewFactory(DefaultThresholds(), AssessorFunc(func(ctx context.Context, tx *domain.Transaction) (*domain.Assessment, error) {
			return nil, domain.ScoringUnavailable(errors.New("down"))
		}))
		if _, err := f.FromTransaction(ctx, tx, nil, Options{}); !errors.Is(err, domain.ErrScoringUnavailable) {
			t.Errorf("expected ErrScoringUnavailable, got %v", err)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		f := NewFactory(DefaultThresholds(), nil)
		if _, err := f.FromTransaction(ctx, nil, &domain.Assessment{}, Options{}); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error for nil transaction, got %v", err)
		}
		if _, err := f.FromTransaction(ctx, tx, &domain.Assessment{RiskScore: 1.2}, Options{}); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error for risk 1.2, got %v", err)
		}
	})
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	actor := &domain.Actor{UserID: "u-7", Username: "ann", Role: "analyst", IPAddress: "10.1.1.1"}

	t.Run("ResolveSetsResolverInfo", func(t *testing.T) {
		store := newMemStore(openAnomaly("a1"))
		m := NewManager(store)
		notes := "customer confirmed"

		res, err := m.Transition(ctx, "a1", TransitionRequest{Status: domain.AnomalyResolved, Notes: &notes}, actor)
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if !res.Changed || !res.StatusChanged() || !res.Closed() {
			t.Errorf("expected a closing change, got %+v", res)
		}
		a := res.After
		assertCoupling(t, a)
		if a.ResolvedBy == nil || *a.ResolvedBy != "u-7" {
			t.Errorf("expected resolved_by u-7, got %v", a.ResolvedBy)
		}
		if a.ResolverInfo.Outcome != domain.OutcomeConfirmedFraud || a.ResolverInfo.Role != "analyst" || a.ResolverInfo.SourceIP != "10.1.1.1" {
			t.Errorf("unexpected resolver info %+v", a.ResolverInfo)
		}
		if a.ResolutionNotes == nil || *a.ResolutionNotes != notes {
			t.Errorf("expected notes to be stored")
		}
	})

	t.Run("FalsePositiveOutcome", func(t *testing.T) {
		store := newMemStore(openAnomaly("a2"))
		m := NewManager(store)
		at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

		res, err := m.Transition(ctx, "a2", TransitionRequest{Status: domain.AnomalyFalsePositive, ResolvedAt: &at}, actor)
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if res.After.ResolverInfo.Outcome != domain.OutcomeMarkedFalsePositive {
			t.Errorf("expected MARKED_FALSE_POSITIVE, got %s", res.After.ResolverInfo.Outcome)
		}
		if !res.After.ResolvedAt.Equal(at) {
			t.Errorf("expected supplied resolved_at %v, got %v", at, res.After.ResolvedAt)
		}
	})

	t.Run("NilActorResolves", func(t *testing.T) {
		store := newMemStore(openAnomaly("a3"))
		res, err := NewManager(store).Transition(ctx, "a3", TransitionRequest{Status: domain.AnomalyResolved}, nil)
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if res.After.ResolvedBy != nil {
			t.Errorf("expected null resolved_by, got %v", *res.After.ResolvedBy)
		}
		assertCoupling(t, res.After)
	})

	t.Run("ReopenClearsResolution", func(t *testing.T) {
		store := newMemStore(openAnomaly("a4"))
		m := NewManager(store)
		notes := "n"
		if _, err := m.Transition(ctx, "a4", TransitionRequest{Status: domain.AnomalyResolved, Notes: &notes}, actor); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}

		for _, s := range []domain.AnomalyStatus{domain.AnomalyInvestigating, domain.AnomalyFalsePositive, domain.AnomalyOpen} {
			res, err := m.Transition(ctx, "a4", TransitionRequest{Status: s}, actor)
			if err != nil {
				t.Fatalf("transition to %s failed: %v", s, err)
			}
			if res.After.Status != s {
				t.Errorf("expected %s, got %s", s, res.After.Status)
			}
			assertCoupling(t, res.After)
		}
	})

	t.Run("IdempotentNoOp", func(t *testing.T) {
		store := newMemStore(openAnomaly("a5"))
		m := NewManager(store)
		before, _ := store.GetAnomaly(ctx, "a5")

		res, err := m.Transition(ctx, "a5", TransitionRequest{Status: domain.AnomalyOpen}, actor)
		if err != nil {
			t.Fatalf("no-op transition must succeed: %v", err)
		}
		if res.Changed {
			t.Error("expected Changed=false")
		}
		after, _ := store.GetAnomaly(ctx, "a5")
		if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Version != before.Version {
			t.Error("no-op must not write")
		}
		if store.writes != 0 {
			t.Errorf("expected no writes, got %d", store.writes)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		store := newMemStore(openAnomaly("a6"))
		m := NewManager(store)
		notes := "why"

		if _, err := m.Transition(ctx, "a6", TransitionRequest{Status: "closed"}, actor); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error for unknown status, got %v", err)
		}
		if _, err := m.Transition(ctx, "a6", TransitionRequest{Status: domain.AnomalyInvestigating, Notes: &notes}, actor); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error for notes on open status, got %v", err)
		}
		if store.writes != 0 {
			t.Errorf("validation failures must not write, got %d writes", store.writes)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		m := NewManager(newMemStore())
		if _, err := m.Transition(ctx, "missing", TransitionRequest{Status: domain.AnomalyResolved}, actor); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ConflictSurfaces", func(t *testing.T) {
		store := newMemStore(openAnomaly("a7"))
		store.conflict = 1
		if _, err := NewManager(store).Transition(ctx, "a7", TransitionRequest{Status: domain.AnomalyResolved}, actor); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})
}

func TestLifecycleUpdate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(openAnomaly("u1"))
	m := NewManager(store)

	sev := domain.SeverityCritical
	desc := "escalated"
	res, err := m.Update(ctx, "u1", domain.AnomalyPatch{Severity: &sev, Description: &desc}, nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !res.Changed || res.StatusChanged() {
		t.Errorf("expected a non-status change, got %+v", res)
	}
	if res.After.Severity != sev || res.After.Description != desc {
		t.Errorf("patch not applied: %+v", res.After)
	}
	if res.After.TransactionID != "tx-u1" {
		t.Error("transaction id must not change")
	}

	bad := domain.Severity("extreme")
	if _, err := m.Update(ctx, "u1", domain.AnomalyPatch{Severity: &bad}, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAddComment(t *testing.T) {
	ctx := context.Background()

	t.Run("Appends", func(t *testing.T) {
		store := newMemStore(openAnomaly("c1"))
		m := NewManager(store)

		a, c, err := m.AddComment(ctx, "c1", "  called the customer ", &domain.Actor{UserID: "u-1", Username: "ann"})
		if err != nil {
			t.Fatalf("AddComment failed: %v", err)
		}
		if c.Text != "called the customer" || c.AuthorName != "ann" || c.AuthorID != "u-1" || c.ID == "" {
			t.Errorf("unexpected comment %+v", c)
		}
		if len(a.Comments) != 1 || a.Status != domain.AnomalyOpen {
			t.Errorf("unexpected anomaly after comment %+v", a)
		}

		a, _, _ = m.AddComment(ctx, "c1", "second", nil)
		if len(a.Comments) != 2 || a.Comments[1].AuthorName != AnonymousAuthor {
			t.Errorf("expected anonymous second comment, got %+v", a.Comments)
		}
	})

	t.Run("EmptyText", func(t *testing.T) {
		m := NewManager(newMemStore(openAnomaly("c2")))
		if _, _, err := m.AddComment(ctx, "c2", "   ", nil); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("RetriesConflict", func(t *testing.T) {
		store := newMemStore(openAnomaly("c3"))
		store.conflict = 2
		a, _, err := NewManager(store).AddComment(ctx, "c3", "eventually", nil)
		if err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
		if len(a.Comments) != 1 {
			t.Errorf("expected exactly one comment, got %d", len(a.Comments))
		}
	})

	t.Run("GivesUpAfterRetries", func(t *testing.T) {
		store := newMemStore(openAnomaly("c4"))
		store.conflict = commentRetries
		if _, _, err := NewManager(store).AddComment(ctx, "c4", "never", nil); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})
}
