package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestUsageStore(t *testing.T) *SQLUsageStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// In-memory sqlite gives each connection its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLUsageStoreWithDB(db, "sqlite")
	if err != nil {
		t.Fatalf("failed to create usage store: %v", err)
	}
	return s
}

func TestUsageStoreAddAndLoad(t *testing.T) {
	s := newTestUsageStore(t)
	ctx := context.Background()

	if tokens, err := s.LoadDay(ctx, "n1", "2026-03-01"); err != nil || tokens != 0 {
		t.Fatalf("empty ledger: tokens=%d err=%v", tokens, err)
	}

	total, err := s.AddTokens(ctx, "n1", "2026-03-01", 40)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if total != 40 {
		t.Errorf("total = %d, want 40", total)
	}

	total, err = s.AddTokens(ctx, "n1", "2026-03-01", 60)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if total != 100 {
		t.Errorf("total = %d, want 100", total)
	}

	if tokens, err := s.LoadDay(ctx, "n1", "2026-03-01"); err != nil || tokens != 100 {
		t.Errorf("load: tokens=%d err=%v", tokens, err)
	}

	// Days and nodes are independent rows.
	if tokens, _ := s.LoadDay(ctx, "n1", "2026-03-02"); tokens != 0 {
		t.Errorf("next day tokens = %d, want 0", tokens)
	}
	if tokens, _ := s.LoadDay(ctx, "n2", "2026-03-01"); tokens != 0 {
		t.Errorf("other node tokens = %d, want 0", tokens)
	}
}

func TestUsageStoreDeleteNode(t *testing.T) {
	s := newTestUsageStore(t)
	ctx := context.Background()

	_, _ = s.AddTokens(ctx, "n1", "2026-03-01", 10)
	_, _ = s.AddTokens(ctx, "n1", "2026-03-02", 20)
	_, _ = s.AddTokens(ctx, "n2", "2026-03-01", 30)

	if err := s.DeleteNode(ctx, "n1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if tokens, _ := s.LoadDay(ctx, "n1", "2026-03-02"); tokens != 0 {
		t.Errorf("n1 tokens after delete = %d", tokens)
	}
	if tokens, _ := s.LoadDay(ctx, "n2", "2026-03-01"); tokens != 30 {
		t.Errorf("n2 tokens = %d, want 30", tokens)
	}
}

func TestUsageStoreDeleteBefore(t *testing.T) {
	s := newTestUsageStore(t)
	ctx := context.Background()

	_, _ = s.AddTokens(ctx, "n1", "2026-02-27", 10)
	_, _ = s.AddTokens(ctx, "n1", "2026-02-28", 20)
	_, _ = s.AddTokens(ctx, "n1", "2026-03-01", 30)

	deleted, err := s.DeleteBefore(ctx, "2026-03-01")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if tokens, _ := s.LoadDay(ctx, "n1", "2026-03-01"); tokens != 30 {
		t.Errorf("kept day tokens = %d, want 30", tokens)
	}
}

func TestPersistenceConfigValidate(t *testing.T) {
	var cfg PersistenceConfig
	cfg.SetDefaults()
	if cfg.Driver != "sqlite" || cfg.DSN == "" {
		t.Errorf("defaults = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}

	bad := PersistenceConfig{Driver: "oracle", DSN: "x"}
	if err := bad.Validate(); err == nil {
		t.Error("expected an error for an unsupported driver")
	}
	missing := PersistenceConfig{Driver: "postgres"}
	if err := missing.Validate(); err == nil {
		t.Error("expected an error for a missing dsn")
	}
}

func newPersistentController(t *testing.T, cfg Config, store UsageStore) (*Controller, *time.Time) {
	t.Helper()
	c, err := NewControllerWithStore(cfg, store, nil)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestControllerHydratesFromStore(t *testing.T) {
	store := newTestUsageStore(t)

	// First controller settles usage and exhausts the daily bucket.
	c1, _ := newPersistentController(t, Config{TokensPerDay: 100}, store)
	if d := c1.Consume("n1", ConsumeOptions{}); !d.Allowed {
		t.Fatalf("unexpected denial: %+v", d)
	}
	c1.Complete("n1", CompleteOptions{Tokens: 150})

	// A fresh controller over the same ledger sees the exhausted bucket.
	c2, now := newPersistentController(t, Config{TokensPerDay: 100}, store)
	if u := c2.Usage("n1"); u.TokensToday != 150 {
		t.Errorf("hydrated tokens = %d, want 150", u.TokensToday)
	}
	if d := c2.Consume("n1", ConsumeOptions{}); d.Allowed || d.Code != CodeTokenQuotaExceeded {
		t.Fatalf("expected token_quota_exceeded after restart, got %+v", d)
	}

	// The next day starts from the (empty) persisted count.
	*now = now.Add(24 * time.Hour)
	if d := c2.Consume("n1", ConsumeOptions{}); !d.Allowed {
		t.Errorf("request on a new day should be allowed: %+v", d)
	}
}

func TestControllerResetClearsStore(t *testing.T) {
	store := newTestUsageStore(t)

	c, _ := newPersistentController(t, Config{}, store)
	c.Complete("n1", CompleteOptions{Tokens: 50})
	c.Reset("n1")

	if tokens, err := store.LoadDay(context.Background(), "n1", "2026-03-01"); err != nil || tokens != 0 {
		t.Errorf("persisted tokens after reset = %d err=%v", tokens, err)
	}
}

func TestPruneUsageBefore(t *testing.T) {
	store := newTestUsageStore(t)
	ctx := context.Background()
	_, _ = store.AddTokens(ctx, "n1", "2026-02-27", 10)
	_, _ = store.AddTokens(ctx, "n1", "2026-03-01", 30)

	c, _ := newPersistentController(t, Config{}, store)
	deleted, err := c.PruneUsageBefore(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}
