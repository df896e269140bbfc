package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedger_CreditAndBalance(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	err := ledger.Credit(ctx, "user1", d("100"), EntryTopUp, "txn_abc")
	require.NoError(t, err)

	bal, err := ledger.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Balance.Equal(d("100")))
	assert.True(t, bal.TotalIn.Equal(d("100")))
}

func TestLedger_UnknownUserHasZeroBalance(t *testing.T) {
	ledger := New(NewMemoryStore())

	bal, err := ledger.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero())
}

func TestLedger_Debit(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "user1", d("50"), EntryTopUp, ""))

	err := ledger.Debit(ctx, "user1", d("30"), EntryCharge, "esc_1")
	require.NoError(t, err)

	bal, _ := ledger.Balance(ctx, "user1")
	assert.True(t, bal.Balance.Equal(d("20")))
	assert.True(t, bal.TotalOut.Equal(d("30")))
}

func TestLedger_DebitInsufficientFunds(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "user1", d("10"), EntryTopUp, ""))

	err := ledger.Debit(ctx, "user1", d("10.01"), EntryCharge, "esc_1")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Balance untouched after the failed debit
	bal, _ := ledger.Balance(ctx, "user1")
	assert.True(t, bal.Balance.Equal(d("10")))
}

func TestLedger_DebitUnknownUser(t *testing.T) {
	ledger := New(NewMemoryStore())

	err := ledger.Debit(context.Background(), "ghost", d("5"), EntryCharge, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestLedger_InvalidAmounts(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	assert.ErrorIs(t, ledger.Credit(ctx, "u", decimal.Zero, EntryTopUp, ""), ErrInvalidAmount)
	assert.ErrorIs(t, ledger.Debit(ctx, "u", d("-1"), EntryCharge, ""), ErrInvalidAmount)
	assert.ErrorIs(t, ledger.Debit(ctx, "u", d("1.005"), EntryCharge, ""), ErrInvalidAmount)
}

// Concurrent debits against one balance must never overdraw it.
func TestLedger_ConcurrentDebitsNoDoubleSpend(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "user1", d("100"), EntryTopUp, ""))

	const attempts = 50
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ledger.Debit(ctx, "user1", d("10"), EntryCharge, "esc_x")
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}

	assert.Equal(t, 10, succeeded)
	bal, _ := ledger.Balance(ctx, "user1")
	assert.True(t, bal.Balance.IsZero(), "balance = %s", bal.Balance)
}

func TestLedger_CanSpend(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "user1", d("25"), EntryTopUp, ""))

	ok, err := ledger.CanSpend(ctx, "user1", d("25"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.CanSpend(ctx, "user1", d("25.01"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_History(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, ledger.Credit(ctx, "user1", d("100"), EntryTopUp, "txn_1"))
	require.NoError(t, ledger.Debit(ctx, "user1", d("40"), EntryCharge, "esc_1"))
	require.NoError(t, ledger.Credit(ctx, "user2", d("5"), EntryTopUp, "txn_2"))

	entries, next, hasMore, err := ledger.History(ctx, "user1", 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, hasMore)
	assert.Empty(t, next)

	// Newest first
	assert.Equal(t, EntryCharge, entries[0].Type)
	assert.Equal(t, "esc_1", entries[0].Reference)
	assert.Equal(t, EntryTopUp, entries[1].Type)
}

func TestLedger_HistoryPagination(t *testing.T) {
	ledger := New(NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.Credit(ctx, "user1", d("1"), EntryTopUp, ""))
	}

	page1, next, hasMore, err := ledger.History(ctx, "user1", 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, hasMore)
	require.NotEmpty(t, next)

	page2, next2, hasMore2, err := ledger.History(ctx, "user1", 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.True(t, hasMore2)

	page3, next3, hasMore3, err := ledger.History(ctx, "user1", 2, next2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.False(t, hasMore3)
	assert.Empty(t, next3)

	// No entry appears on two pages.
	seen := map[string]bool{}
	for _, e := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[e.ID], "entry %s repeated across pages", e.ID)
		seen[e.ID] = true
	}
}

func TestLedger_HistoryInvalidCursor(t *testing.T) {
	ledger := New(NewMemoryStore())

	_, _, _, err := ledger.History(context.Background(), "user1", 10, "!!not-base64!!")
	assert.Error(t, err)
}
