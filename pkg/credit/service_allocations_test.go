package credit

import (
	"context"
	"errors"
	"testing"
)

func TestAllocateSplitsAcrossAccountsInPriorityOrder(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "acct-topup", CreditTopup, AccountActive, 100)
	store.seedAccount(test, "acct-sub", CreditSubscription, AccountActive, 500)
	service := mustNewService(test, store)

	allocations, err := service.Allocate(context.Background(), "usage-1", "user-1",
		[]string{"acct-topup", "acct-sub"}, 150)
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if len(allocations) != 2 {
		test.Fatalf("expected 2 allocations, got %d", len(allocations))
	}
	if allocations[0].AccountID != "acct-topup" || allocations[0].AmountCredits != 100 {
		test.Fatalf("expected first allocation to drain topup, got %+v", allocations[0])
	}
	if allocations[1].AccountID != "acct-sub" || allocations[1].AmountCredits != 50 {
		test.Fatalf("expected remainder on subscription, got %+v", allocations[1])
	}
	if got := store.mustAccount(test, "acct-topup").BalanceCredits; got != 0 {
		test.Fatalf("expected topup balance 0, got %d", got)
	}
	if got := store.mustAccount(test, "acct-sub").BalanceCredits; got != 450 {
		test.Fatalf("expected subscription balance 450, got %d", got)
	}

	entries := store.entriesFor("acct-topup")
	if len(entries) != 1 || entries[0].Type != EntryUsage || entries[0].AmountCredits != -100 {
		test.Fatalf("unexpected topup entries: %+v", entries)
	}
	if entries[0].Correlation.UsageLogID != "usage-1" {
		test.Fatalf("expected usage correlation, got %+v", entries[0].Correlation)
	}
}

func TestAllocateInsufficientCombinedBalanceWritesNothing(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "acct-x", CreditTopup, AccountActive, 300)
	store.seedAccount(test, "acct-y", CreditSubscription, AccountActive, 500)
	service := mustNewService(test, store)

	_, err := service.Allocate(context.Background(), "usage-over", "user-1",
		[]string{"acct-x", "acct-y"}, 1000)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(store.entries) != 0 {
		test.Fatalf("failed allocation must not write entries, got %d", len(store.entries))
	}
	if len(store.allocations) != 0 {
		test.Fatalf("failed allocation must not record allocations, got %d", len(store.allocations))
	}
	if got := store.mustAccount(test, "acct-x").BalanceCredits; got != 300 {
		test.Fatalf("balance must be untouched, got %d", got)
	}
}

func TestAllocateRepeatedUsageLogIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "acct-x", CreditTopup, AccountActive, 200)
	service := mustNewService(test, store)

	first, err := service.Allocate(context.Background(), "usage-dup", "user-1", []string{"acct-x"}, 80)
	if err != nil {
		test.Fatalf("first allocate: %v", err)
	}
	second, err := service.Allocate(context.Background(), "usage-dup", "user-1", []string{"acct-x"}, 80)
	if err != nil {
		test.Fatalf("second allocate: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		test.Fatalf("expected one allocation each, got %d and %d", len(first), len(second))
	}
	if first[0].AllocationID != second[0].AllocationID {
		test.Fatalf("repeat must return the existing allocation")
	}
	if got := store.mustAccount(test, "acct-x").BalanceCredits; got != 120 {
		test.Fatalf("account must be charged once, balance %d", got)
	}
}

func TestAllocateSkipsInactiveAccounts(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "acct-suspended", CreditTopup, AccountSuspended, 500)
	store.seedAccount(test, "acct-active", CreditSubscription, AccountActive, 200)
	service := mustNewService(test, store)

	allocations, err := service.Allocate(context.Background(), "usage-skip", "user-1",
		[]string{"acct-suspended", "acct-active"}, 150)
	if err != nil {
		test.Fatalf("allocate: %v", err)
	}
	if len(allocations) != 1 || allocations[0].AccountID != "acct-active" {
		test.Fatalf("suspended account must not fund usage, got %+v", allocations)
	}
	if got := store.mustAccount(test, "acct-suspended").BalanceCredits; got != 500 {
		test.Fatalf("suspended balance must be untouched, got %d", got)
	}
}

func TestAllocateValidation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.seedAccount(test, "acct-x", CreditTopup, AccountActive, 100)
	service := mustNewService(test, store)

	cases := []struct {
		name       string
		usageLogID string
		userID     string
		accounts   []string
		amount     int64
	}{
		{"missing usage log", "", "user-1", []string{"acct-x"}, 10},
		{"missing user", "usage-1", "", []string{"acct-x"}, 10},
		{"no candidates", "usage-1", "user-1", nil, 10},
		{"zero amount", "usage-1", "user-1", []string{"acct-x"}, 0},
		{"duplicate candidate", "usage-1", "user-1", []string{"acct-x", "acct-x"}, 10},
	}
	for _, testCase := range cases {
		_, err := service.Allocate(context.Background(), testCase.usageLogID, testCase.userID, testCase.accounts, testCase.amount)
		if !errors.Is(err, ErrValidation) {
			test.Fatalf("%s: expected ErrValidation, got %v", testCase.name, err)
		}
	}
}
