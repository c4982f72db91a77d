package credit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ApplyInitialGrant issues the signup credit configured for the plan. The
// entry is linked to subscriptionID for reconciliation. A plan configured
// with zero initial credits is a no-op.
func (service *Service) ApplyInitialGrant(ctx context.Context, owner OwnerRef, planSlug string, cycle BillingCycle, creditType CreditType, subscriptionID string) (LedgerEntry, error) {
	entry, err := service.applyPlanGrant(ctx, owner, planSlug, cycle, creditType, subscriptionID, func(plan PlanGrant) int64 {
		return plan.InitialCredits
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationInitialGrant,
		AccountID: entry.AccountID,
		Amount:    entry.AmountCredits,
		Error:     err,
	})
	return entry, err
}

// ApplyRecurringGrant issues the per-cycle credit configured for the plan.
// Invoked by the external billing scheduler; this engine owns no clock of
// its own beyond stamping occurred_at.
func (service *Service) ApplyRecurringGrant(ctx context.Context, owner OwnerRef, planSlug string, cycle BillingCycle, creditType CreditType, subscriptionID string) (LedgerEntry, error) {
	entry, err := service.applyPlanGrant(ctx, owner, planSlug, cycle, creditType, subscriptionID, func(plan PlanGrant) int64 {
		return plan.MonthlyCredits
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRecurringGrant,
		AccountID: entry.AccountID,
		Amount:    entry.AmountCredits,
		Error:     err,
	})
	return entry, err
}

// UpsertPlanGrant validates and stores plan grant configuration, keyed by
// (plan_slug, billing_cycle, credit_type).
func (service *Service) UpsertPlanGrant(ctx context.Context, plan PlanGrant) (PlanGrant, error) {
	if err := plan.Validate(); err != nil {
		return PlanGrant{}, err
	}
	return service.store.UpsertPlanGrant(ctx, plan)
}

// ListPlanGrants lists plan grant configuration.
func (service *Service) ListPlanGrants(ctx context.Context, activeOnly bool) ([]PlanGrant, error) {
	return service.store.ListPlanGrants(ctx, activeOnly)
}

func (service *Service) applyPlanGrant(ctx context.Context, owner OwnerRef, planSlug string, cycle BillingCycle, creditType CreditType, subscriptionID string, amountOf func(PlanGrant) int64) (LedgerEntry, error) {
	if err := owner.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	if strings.TrimSpace(planSlug) == "" {
		return LedgerEntry{}, fmt.Errorf("%w: plan slug is required", ErrValidation)
	}
	if _, err := ParseBillingCycle(string(cycle)); err != nil {
		return LedgerEntry{}, err
	}
	if _, err := ParseCreditType(string(creditType)); err != nil {
		return LedgerEntry{}, err
	}
	var granted LedgerEntry
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		plan, err := txStore.GetActivePlanGrant(ctx, planSlug, cycle, creditType)
		if err != nil {
			return err
		}
		amount := amountOf(plan)
		if amount == 0 {
			return nil
		}
		account, err := txStore.GetOrCreateAccount(ctx, owner, plan.CreditType)
		if err != nil {
			return err
		}
		if _, err := txStore.GetAccountForUpdate(ctx, account.AccountID); err != nil {
			return err
		}
		now := service.nowFn()
		entryType := EntrySubscriptionGrant
		if plan.CreditType == CreditTopup {
			entryType = EntryTopupPurchase
		}
		granted, err = service.appendEntry(ctx, txStore, EntryInput{
			AccountID:     account.AccountID,
			Type:          entryType,
			AmountCredits: amount,
			OccurredAt:    now,
			Correlation:   Correlation{SubscriptionID: subscriptionID},
		})
		if err != nil {
			return err
		}
		if plan.ExpiresInDays > 0 {
			expiresAt := now.Add(time.Duration(plan.ExpiresInDays) * 24 * time.Hour)
			if _, err := txStore.UpdateAccountFields(ctx, account.AccountID, AccountUpdate{ExpiresAt: &expiresAt}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return granted, nil
}
