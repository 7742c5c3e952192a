package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "heron-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() {
		os.Remove(tmpPath)
		os.Remove(tmpPath + "-wal")
		os.Remove(tmpPath + "-shm")
	})

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testTransaction(id, user string, amount int64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:              id,
		UserID:          user,
		Amount:          decimal.NewFromInt(amount),
		Currency:        "MWK",
		Timestamp:       ts,
		Status:          "completed",
		TransactionType: "transfer",
		DeviceType:      "mobile",
		LocationCity:    "Lilongwe",
		LocationCountry: "Malawi",
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetTransaction", func(t *testing.T) {
		tx := testTransaction("tx-001", "user-001", 1500, now)
		tx.IsNewDevice = true
		tx.RiskScore = 0.42

		if err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
		if tx.Version != 1 {
			t.Errorf("expected version 1, got %d", tx.Version)
		}

		got, err := repo.GetTransaction(ctx, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if !got.Amount.Equal(tx.Amount) {
			t.Errorf("expected amount %s, got %s", tx.Amount, got.Amount)
		}
		if !got.IsNewDevice || got.IsNewLocation {
			t.Errorf("unexpected behaviour flags: new_device=%v new_location=%v", got.IsNewDevice, got.IsNewLocation)
		}
		if got.RiskScore != 0.42 {
			t.Errorf("expected risk 0.42, got %v", got.RiskScore)
		}
		if !got.Timestamp.Equal(now) {
			t.Errorf("expected timestamp %v, got %v", now, got.Timestamp)
		}
	})

	t.Run("DuplicateTransaction", func(t *testing.T) {
		err := repo.CreateTransaction(ctx, testTransaction("tx-001", "user-001", 10, now))
		if !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("TransactionNotFound", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateTransactionVersioning", func(t *testing.T) {
		tx, err := repo.GetTransaction(ctx, "tx-001")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		stale := tx.Clone()

		tx.IsFraud = true
		if err := repo.UpdateTransaction(ctx, tx); err != nil {
			t.Fatalf("UpdateTransaction failed: %v", err)
		}
		if tx.Version != 2 {
			t.Errorf("expected version 2, got %d", tx.Version)
		}

		stale.Description = "lost update"
		if err := repo.UpdateTransaction(ctx, stale); !errors.Is(err, domain.ErrConflict) {
			t.Errorf("expected ErrConflict for stale write, got %v", err)
		}

		ghost := testTransaction("ghost", "user-001", 1, now)
		ghost.Version = 1
		if err := repo.UpdateTransaction(ctx, ghost); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		got, _ := repo.GetTransaction(ctx, "tx-001")
		if !got.IsFraud || got.Description == "lost update" {
			t.Errorf("unexpected stored state: is_fraud=%v description=%q", got.IsFraud, got.Description)
		}
	})

	t.Run("FindTransactions", func(t *testing.T) {
		for i, id := range []string{"tx-101", "tx-102", "tx-103"} {
			tx := testTransaction(id, "user-100", int64(100*(i+1)), now.Add(time.Duration(i)*time.Minute))
			if err := repo.CreateTransaction(ctx, tx); err != nil {
				t.Fatalf("CreateTransaction %s failed: %v", id, err)
			}
		}

		txs, total, err := repo.FindTransactions(ctx, domain.TransactionFilter{
			UserID: "user-100",
			Page:   domain.Page{Limit: 2},
		})
		if err != nil {
			t.Fatalf("FindTransactions failed: %v", err)
		}
		if total != 3 {
			t.Errorf("expected total 3, got %d", total)
		}
		if len(txs) != 2 {
			t.Fatalf("expected 2 results, got %d", len(txs))
		}
		if txs[0].ID != "tx-103" {
			t.Errorf("expected newest first, got %s", txs[0].ID)
		}

		fraud := true
		_, total, err = repo.FindTransactions(ctx, domain.TransactionFilter{IsFraud: &fraud})
		if err != nil {
			t.Fatalf("FindTransactions failed: %v", err)
		}
		if total != 1 {
			t.Errorf("expected 1 fraud transaction, got %d", total)
		}
	})

	t.Run("UserStats", func(t *testing.T) {
		at := now.Add(time.Hour)
		profile, err := repo.UserStats(ctx, "user-100", at)
		if err != nil {
			t.Fatalf("UserStats failed: %v", err)
		}
		if profile.TotalTransactions != 3 {
			t.Errorf("expected 3 transactions, got %d", profile.TotalTransactions)
		}
		if !profile.TotalAmount.Equal(decimal.NewFromInt(600)) {
			t.Errorf("expected total 600, got %s", profile.TotalAmount)
		}
		if !profile.AverageAmount.Equal(decimal.NewFromInt(200)) {
			t.Errorf("expected average 200, got %s", profile.AverageAmount)
		}
		if profile.DailyCount != 3 {
			t.Errorf("expected daily count 3, got %d", profile.DailyCount)
		}
		if profile.LastTransactionAt == nil || !profile.LastTransactionAt.Equal(now.Add(2*time.Minute)) {
			t.Errorf("unexpected last transaction time: %v", profile.LastTransactionAt)
		}

		empty, err := repo.UserStats(ctx, "nobody", at)
		if err != nil {
			t.Fatalf("UserStats failed: %v", err)
		}
		if empty.TotalTransactions != 0 || empty.LastTransactionAt != nil {
			t.Errorf("expected empty profile, got %+v", empty)
		}
	})
}

func TestTransactionReviewAndIDFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"tx-a", "tx-b", "tx-c"} {
		if err := repo.CreateTransaction(ctx, testTransaction(id, "user-1", int64(100*(i+1)), now)); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
	}

	t.Run("ReviewColumns", func(t *testing.T) {
		tx, err := repo.GetTransaction(ctx, "tx-b")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if tx.ReviewedAt != nil || tx.CaseStatus != "" {
			t.Fatalf("expected an unreviewed transaction, got %+v", tx)
		}

		tx.CaseStatus = domain.DecisionConfirmFraud
		tx.ReviewedBy = "analyst-7"
		tx.ReviewedAt = &now
		tx.InvestigationNotes = "SIM swap reported by customer"
		if err := repo.UpdateTransaction(ctx, tx); err != nil {
			t.Fatalf("UpdateTransaction failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, "tx-b")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.CaseStatus != domain.DecisionConfirmFraud || got.ReviewedBy != "analyst-7" {
			t.Errorf("unexpected review fields: %q %q", got.CaseStatus, got.ReviewedBy)
		}
		if got.ReviewedAt == nil || !got.ReviewedAt.Equal(now) {
			t.Errorf("expected reviewed at %v, got %v", now, got.ReviewedAt)
		}
		if got.InvestigationNotes != "SIM swap reported by customer" {
			t.Errorf("unexpected notes %q", got.InvestigationNotes)
		}
	})

	t.Run("FilterByIDs", func(t *testing.T) {
		list, total, err := repo.FindTransactions(ctx, domain.TransactionFilter{IDs: []string{"tx-a", "tx-c", "tx-missing"}})
		if err != nil {
			t.Fatalf("FindTransactions failed: %v", err)
		}
		if total != 2 || len(list) != 2 {
			t.Fatalf("expected 2 matches, got total=%d len=%d", total, len(list))
		}
		for _, tx := range list {
			if tx.ID == "tx-b" {
				t.Error("tx-b should not match the id filter")
			}
		}
	})
}

func TestAnomalyPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	tx := testTransaction("tx-a1", "user-a", 500000, now)
	if err := repo.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	anomaly := &domain.Anomaly{
		ID:              "an-001",
		TransactionID:   tx.ID,
		UserID:          tx.UserID,
		RuleName:        "ML_Anomaly_Detection",
		Description:     "test anomaly",
		Severity:        domain.SeverityHigh,
		Status:          domain.AnomalyOpen,
		Timestamp:       now,
		RiskScore:       0.9,
		RiskFactors:     []string{"high_amount"},
		ModelVersion:    "iforest_v2",
		TransactionData: tx.Clone(),
		TriggeredBy:     domain.TriggeredBy{Type: domain.TriggerMLModel, Algorithm: "Autoencoder", Version: "iforest_v2"},
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		if err := repo.CreateAnomaly(ctx, anomaly); err != nil {
			t.Fatalf("CreateAnomaly failed: %v", err)
		}

		got, err := repo.GetAnomaly(ctx, "an-001")
		if err != nil {
			t.Fatalf("GetAnomaly failed: %v", err)
		}
		if got.TransactionID != tx.ID {
			t.Errorf("expected transaction %s, got %s", tx.ID, got.TransactionID)
		}
		if got.TriggeredBy.Algorithm != "Autoencoder" {
			t.Errorf("expected Autoencoder, got %s", got.TriggeredBy.Algorithm)
		}
		if got.TransactionData == nil || !got.TransactionData.Amount.Equal(tx.Amount) {
			t.Errorf("transaction snapshot not round-tripped: %+v", got.TransactionData)
		}
		if got.ResolvedAt != nil || got.ResolverInfo != nil || got.ResolvedBy != nil {
			t.Error("expected empty resolution fields")
		}
		if len(got.Comments) != 0 {
			t.Errorf("expected no comments, got %d", len(got.Comments))
		}
	})

	t.Run("UpdateResolution", func(t *testing.T) {
		got, _ := repo.GetAnomaly(ctx, "an-001")
		by := "analyst-1"
		notes := "confirmed with customer"
		resolvedAt := now.Add(time.Minute)
		got.Status = domain.AnomalyResolved
		got.ResolvedBy = &by
		got.ResolvedAt = &resolvedAt
		got.ResolutionNotes = &notes
		got.ResolverInfo = &domain.ResolverInfo{UserID: by, Outcome: domain.OutcomeConfirmedFraud, ResolvedAt: resolvedAt}
		got.Comments = append(got.Comments, domain.Comment{ID: "c1", Text: "called user", AuthorName: "Ann", Timestamp: now})

		if err := repo.UpdateAnomaly(ctx, got); err != nil {
			t.Fatalf("UpdateAnomaly failed: %v", err)
		}

		reread, _ := repo.GetAnomaly(ctx, "an-001")
		if reread.Status != domain.AnomalyResolved {
			t.Errorf("expected resolved, got %s", reread.Status)
		}
		if reread.ResolvedAt == nil || !reread.ResolvedAt.Equal(resolvedAt) {
			t.Errorf("unexpected resolved_at %v", reread.ResolvedAt)
		}
		if reread.ResolverInfo == nil || reread.ResolverInfo.Outcome != domain.OutcomeConfirmedFraud {
			t.Errorf("unexpected resolver info %+v", reread.ResolverInfo)
		}
		if len(reread.Comments) != 1 || reread.Comments[0].Text != "called user" {
			t.Errorf("unexpected comments %+v", reread.Comments)
		}
		if reread.Version != 2 {
			t.Errorf("expected version 2, got %d", reread.Version)
		}
	})

	t.Run("FindByTransactionAndStatus", func(t *testing.T) {
		second := anomaly.Clone()
		second.ID = "an-002"
		second.Status = domain.AnomalyOpen
		second.Timestamp = now.Add(time.Second)
		if err := repo.CreateAnomaly(ctx, second); err != nil {
			t.Fatalf("CreateAnomaly failed: %v", err)
		}

		open, total, err := repo.FindAnomalies(ctx, domain.AnomalyFilter{
			TransactionID: tx.ID,
			Statuses:      []domain.AnomalyStatus{domain.AnomalyOpen},
		})
		if err != nil {
			t.Fatalf("FindAnomalies failed: %v", err)
		}
		if total != 1 || len(open) != 1 || open[0].ID != "an-002" {
			t.Errorf("expected only an-002 open, got total=%d", total)
		}

		_, total, _ = repo.FindAnomalies(ctx, domain.AnomalyFilter{TransactionID: tx.ID})
		if total != 2 {
			t.Errorf("expected 2 anomalies for transaction, got %d", total)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.DeleteAnomaly(ctx, "an-002"); err != nil {
			t.Fatalf("DeleteAnomaly failed: %v", err)
		}
		if _, err := repo.GetAnomaly(ctx, "an-002"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.DeleteAnomaly(ctx, "an-002"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
		if _, err := repo.GetTransaction(ctx, tx.ID); err != nil {
			t.Errorf("transaction must survive anomaly deletion: %v", err)
		}
	})
}

func TestBucketStats(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		tx := testTransaction("tx-b"+string(rune('0'+i)), "user-b", 100, start.Add(time.Duration(i)*time.Hour))
		if err := repo.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
	}
	for i, risk := range []float64{0.6, 0.8} {
		a := &domain.Anomaly{
			ID:        "an-b" + string(rune('0'+i)),
			UserID:    "user-b",
			RuleName:  "test",
			Severity:  domain.SeverityMedium,
			Status:    domain.AnomalyOpen,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			RiskScore: risk,
		}
		if err := repo.CreateAnomaly(ctx, a); err != nil {
			t.Fatalf("CreateAnomaly failed: %v", err)
		}
	}

	tests := []struct {
		name      string
		from, to  time.Time
		wantTx    int64
		wantAn    int64
		wantAvgGt float64
	}{
		{"WholeDay", start, start.Add(24 * time.Hour), 4, 2, 0.69},
		{"FirstHour", start, start.Add(time.Hour), 1, 1, 0.59},
		{"Empty", start.Add(-time.Hour), start, 0, 0, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats, err := repo.BucketStats(ctx, tt.from, tt.to)
			if err != nil {
				t.Fatalf("BucketStats failed: %v", err)
			}
			if stats.TotalTransactions != tt.wantTx {
				t.Errorf("expected %d transactions, got %d", tt.wantTx, stats.TotalTransactions)
			}
			if stats.AnomalyCount != tt.wantAn {
				t.Errorf("expected %d anomalies, got %d", tt.wantAn, stats.AnomalyCount)
			}
			if stats.AverageRiskScore <= tt.wantAvgGt {
				t.Errorf("expected average above %.2f, got %.3f", tt.wantAvgGt, stats.AverageRiskScore)
			}
		})
	}
}

func TestAuditLog(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	actor := &domain.Actor{UserID: "u-1", Username: "ann", IPAddress: "10.0.0.1"}
	entry := domain.NewAuditEntry(actor, domain.AuditCaseResolved, domain.EntityAnomaly, "an-1", map[string]any{"status": "resolved"})
	if err := repo.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("AppendAudit failed: %v", err)
	}

	entries, err := repo.ListAudit(ctx, domain.EntityAnomaly, "an-1", domain.Page{})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Username != "ann" || entries[0].ActionType != domain.AuditCaseResolved {
		t.Errorf("unexpected entry %+v", entries[0])
	}
	if entries[0].Details["status"] != "resolved" {
		t.Errorf("expected details to round-trip, got %v", entries[0].Details)
	}

	if err := repo.AppendAudit(ctx, &domain.AuditEntry{}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for empty entry, got %v", err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	lite := &SQLRepository{driver: "sqlite"}

	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	if got := pg.rebind(q); got != "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)" {
		t.Errorf("unexpected postgres rebind: %s", got)
	}
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite query must be unchanged, got %s", got)
	}
}
