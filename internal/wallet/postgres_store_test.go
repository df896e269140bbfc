//go:build integration

package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/velora-app/velora/internal/pagination"
	"github.com/velora-app/velora/internal/testutil"
)

func TestPostgres_CreditAndBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	err := store.Credit(ctx, "user_a", decimal.RequireFromString("10.50"), EntryTopUp, "txn_1")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	bal, err := store.Balance(ctx, "user_a")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}

	if !bal.Balance.Equal(decimal.RequireFromString("10.50")) {
		t.Errorf("Expected balance 10.50, got %s", bal.Balance)
	}
	if !bal.TotalIn.Equal(decimal.RequireFromString("10.50")) {
		t.Errorf("Expected totalIn 10.50, got %s", bal.TotalIn)
	}
}

func TestPostgres_CreditThenDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user_b", decimal.RequireFromString("100"), EntryTopUp, "")

	err := store.Debit(ctx, "user_b", decimal.RequireFromString("30"), EntryCharge, "esc_1")
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	bal, _ := store.Balance(ctx, "user_b")
	if !bal.Balance.Equal(decimal.RequireFromString("70")) {
		t.Errorf("Expected balance 70, got %s", bal.Balance)
	}
	if !bal.TotalOut.Equal(decimal.RequireFromString("30")) {
		t.Errorf("Expected totalOut 30, got %s", bal.TotalOut)
	}
}

func TestPostgres_OverdraftPrevention(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user_c", decimal.RequireFromString("5"), EntryTopUp, "")

	err := store.Debit(ctx, "user_c", decimal.RequireFromString("10"), EntryCharge, "esc_1")
	if err != ErrInsufficientFunds {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	// Balance unchanged after the rejected debit
	bal, _ := store.Balance(ctx, "user_c")
	if !bal.Balance.Equal(decimal.RequireFromString("5")) {
		t.Errorf("Expected balance 5 after failed overdraft, got %s", bal.Balance)
	}
}

func TestPostgres_DebitUnknownUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	err := store.Debit(context.Background(), "ghost", decimal.RequireFromString("1"), EntryCharge, "")
	if err != ErrInsufficientFunds {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPostgres_History(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user_d", decimal.RequireFromString("100"), EntryTopUp, "txn_1")
	store.Debit(ctx, "user_d", decimal.RequireFromString("10"), EntryCharge, "esc_1")
	store.Debit(ctx, "user_d", decimal.RequireFromString("20"), EntryCharge, "esc_2")

	entries, err := store.History(ctx, "user_d", 10, nil)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}

	// Most recent first
	if entries[0].Type != EntryCharge {
		t.Errorf("Expected first entry type 'charge', got %s", entries[0].Type)
	}
}

func TestPostgres_HistoryCursor(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		store.Credit(ctx, "user_f", decimal.RequireFromString("1"), EntryTopUp, "")
	}

	first, err := store.History(ctx, "user_f", 2, nil)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(first))
	}

	last := first[len(first)-1]
	rest, err := store.History(ctx, "user_f", 10, &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	if err != nil {
		t.Fatalf("History with cursor failed: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("Expected 2 remaining entries, got %d", len(rest))
	}
	for _, e := range rest {
		if e.ID == first[0].ID || e.ID == first[1].ID {
			t.Errorf("Entry %s appeared on both pages", e.ID)
		}
	}
}

func TestPostgres_ConcurrentDebits_NoOverdraft(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Credit(ctx, "user_e", decimal.RequireFromString("5"), EntryTopUp, "")

	// 10 concurrent debits of 1.00 each, only 5 should succeed
	var wg sync.WaitGroup
	var successCount int32
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Debit(ctx, "user_e", decimal.RequireFromString("1"), EntryCharge, "esc_x")
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successCount != 5 {
		t.Errorf("Expected exactly 5 successful debits, got %d", successCount)
	}

	bal, _ := store.Balance(ctx, "user_e")
	if !bal.Balance.IsZero() {
		t.Errorf("Expected balance 0 after draining, got %s", bal.Balance)
	}
}
