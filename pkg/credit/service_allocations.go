package credit

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Allocate debits one or more accounts for a single usage event, splitting
// amountTotal across the candidate accounts in priority order. All-or-nothing:
// when the candidates' combined balance cannot cover the total, nothing is
// written and ErrInsufficientBalance is returned. Repeating the call for an
// already-allocated usage_log_id returns the existing allocations without
// double-charging.
func (service *Service) Allocate(ctx context.Context, usageLogID, userID string, candidateAccountIDs []string, amountTotal int64) ([]UsageAllocation, error) {
	var allocations []UsageAllocation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if strings.TrimSpace(usageLogID) == "" {
			return fmt.Errorf("%w: usage log id is required", ErrValidation)
		}
		if strings.TrimSpace(userID) == "" {
			return fmt.Errorf("%w: user id is required", ErrValidation)
		}
		if amountTotal <= 0 {
			return fmt.Errorf("%w: allocation total must be greater than zero", ErrValidation)
		}
		if len(candidateAccountIDs) == 0 {
			return fmt.Errorf("%w: at least one candidate account is required", ErrValidation)
		}
		if duplicated := firstDuplicate(candidateAccountIDs); duplicated != "" {
			return fmt.Errorf("%w: candidate account %s listed twice", ErrValidation, duplicated)
		}

		existing, err := txStore.ListAllocationsByUsageLog(ctx, usageLogID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			allocations = existing
			return nil
		}

		accounts, err := lockAccountsOrdered(ctx, txStore, candidateAccountIDs)
		if err != nil {
			return err
		}
		var available int64
		for _, accountID := range candidateAccountIDs {
			available += fundable(accounts[accountID])
		}
		if available < amountTotal {
			return fmt.Errorf("%w: candidates hold %d credits, usage needs %d",
				ErrInsufficientBalance, available, amountTotal)
		}

		now := service.nowFn()
		remaining := amountTotal
		for _, accountID := range candidateAccountIDs {
			if remaining == 0 {
				break
			}
			take := fundable(accounts[accountID])
			if take > remaining {
				take = remaining
			}
			if take == 0 {
				continue
			}
			if _, err := service.appendEntry(ctx, txStore, EntryInput{
				AccountID:     accountID,
				Type:          EntryUsage,
				AmountCredits: -take,
				OccurredAt:    now,
				Correlation:   Correlation{UsageLogID: usageLogID},
			}); err != nil {
				return err
			}
			allocation, err := txStore.InsertAllocation(ctx, UsageAllocation{
				UsageLogID:    usageLogID,
				UserID:        userID,
				AccountID:     accountID,
				AmountCredits: take,
			})
			if err != nil {
				return err
			}
			allocations = append(allocations, allocation)
			remaining -= take
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationAllocate,
		UsageLogID: usageLogID,
		Amount:     amountTotal,
		Error:      operationError,
	})
	if operationError != nil {
		return nil, operationError
	}
	return allocations, nil
}

// ListAllocations returns the allocations recorded for a usage event.
func (service *Service) ListAllocations(ctx context.Context, usageLogID string) ([]UsageAllocation, error) {
	return service.store.ListAllocationsByUsageLog(ctx, usageLogID)
}

// fundable is the balance usable for usage debits. Only active accounts fund
// usage; suspended and expired accounts are skipped, not failed.
func fundable(account CreditAccount) int64 {
	if account.Status != AccountActive {
		return 0
	}
	if account.BalanceCredits < 0 {
		return 0
	}
	return account.BalanceCredits
}

// lockAccountsOrdered locks candidate rows in ascending id order regardless
// of the caller's priority order, matching the transfer lock order.
func lockAccountsOrdered(ctx context.Context, txStore Store, accountIDs []string) (map[string]CreditAccount, error) {
	ordered := append([]string(nil), accountIDs...)
	sort.Strings(ordered)
	accounts := make(map[string]CreditAccount, len(ordered))
	for _, accountID := range ordered {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return nil, err
		}
		accounts[accountID] = account
	}
	return accounts, nil
}

func firstDuplicate(values []string) string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		if _, dup := seen[value]; dup {
			return value
		}
		seen[value] = struct{}{}
	}
	return ""
}
