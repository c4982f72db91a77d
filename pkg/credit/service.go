package credit

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetOrCreateAccount returns the credit account for the owner and credit
// type, creating a balance-0 active account on first use. Idempotent.
func (service *Service) GetOrCreateAccount(ctx context.Context, owner OwnerRef, creditType CreditType) (CreditAccount, error) {
	if err := owner.Validate(); err != nil {
		return CreditAccount{}, err
	}
	if _, err := ParseCreditType(string(creditType)); err != nil {
		return CreditAccount{}, err
	}
	return service.store.GetOrCreateAccount(ctx, owner, creditType)
}

// GetAccount returns one account by id.
func (service *Service) GetAccount(ctx context.Context, accountID string) (CreditAccount, error) {
	return service.store.GetAccount(ctx, accountID)
}

// ListAccounts lists accounts matching the filter.
func (service *Service) ListAccounts(ctx context.Context, filter AccountFilter, page Page) ([]CreditAccount, error) {
	return service.store.ListAccounts(ctx, filter, clampPage(page))
}

// UpdateAccount applies the typed partial update. Balance and ledger are
// never touched here.
func (service *Service) UpdateAccount(ctx context.Context, accountID string, update AccountUpdate) (CreditAccount, error) {
	if update.Status != nil {
		if _, err := ParseAccountStatus(string(*update.Status)); err != nil {
			return CreditAccount{}, err
		}
	}
	if update.MetadataJSON != nil {
		if err := validateMetadata(*update.MetadataJSON); err != nil {
			return CreditAccount{}, err
		}
	}
	if update.ExpiresAt != nil && update.ClearExpiresAt {
		return CreditAccount{}, fmt.Errorf("%w: expires_at cannot be both set and cleared", ErrValidation)
	}
	return service.store.UpdateAccountFields(ctx, accountID, update)
}

// RecomputeBalance re-sums the account's ledger entries and repairs the
// cached balance if it drifted. Idempotent, never loses history.
func (service *Service) RecomputeBalance(ctx context.Context, accountID string) (CreditAccount, error) {
	var repaired CreditAccount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := txStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		if sum != account.BalanceCredits {
			if err := txStore.SetAccountBalance(ctx, accountID, sum); err != nil {
				return err
			}
		}
		account.BalanceCredits = sum
		repaired = account
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRecomputeBalance,
		AccountID: accountID,
		Amount:    repaired.BalanceCredits,
		Error:     operationError,
	})
	return repaired, operationError
}

// SetExpired re-sums the ledger, transitions the account to expired and, when
// the recomputed balance is positive, appends a single expiry entry zeroing
// it. All writes happen in one transaction so an expired account with a
// positive balance is never observable, even when the cached balance had
// drifted from the ledger.
func (service *Service) SetExpired(ctx context.Context, accountID string) (CreditAccount, error) {
	var expired CreditAccount
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := txStore.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		if sum != account.BalanceCredits {
			if err := txStore.SetAccountBalance(ctx, accountID, sum); err != nil {
				return err
			}
		}
		remaining := sum
		if sum > 0 {
			if _, err := service.appendEntry(ctx, txStore, EntryInput{
				AccountID:     accountID,
				Type:          EntryExpiry,
				AmountCredits: -sum,
				OccurredAt:    service.nowFn(),
			}); err != nil {
				return err
			}
			remaining = 0
		}
		status := AccountExpired
		updated, err := txStore.UpdateAccountFields(ctx, accountID, AccountUpdate{Status: &status})
		if err != nil {
			return err
		}
		updated.BalanceCredits = remaining
		expired = updated
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetExpired,
		AccountID: accountID,
		Error:     operationError,
	})
	return expired, operationError
}

// AppendEntry appends one validated ledger entry and adjusts the cached
// balance in the same transaction. The resulting balance must not go
// negative.
func (service *Service) AppendEntry(ctx context.Context, input EntryInput) (LedgerEntry, error) {
	if err := input.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	var appended LedgerEntry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetAccountForUpdate(ctx, input.AccountID)
		if err != nil {
			return err
		}
		if account.BalanceCredits+input.AmountCredits < 0 {
			return fmt.Errorf("%w: account %s holds %d credits, entry of %d would overdraw",
				ErrInsufficientBalance, account.AccountID, account.BalanceCredits, input.AmountCredits)
		}
		appended, err = service.appendEntry(ctx, txStore, input)
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAppendEntry,
		AccountID: input.AccountID,
		Amount:    input.AmountCredits,
		Error:     operationError,
	})
	return appended, operationError
}

// AppendAdjustment records an administrative correction.
func (service *Service) AppendAdjustment(ctx context.Context, accountID string, amountCredits int64) (LedgerEntry, error) {
	return service.AppendEntry(ctx, EntryInput{
		AccountID:     accountID,
		Type:          EntryAdjustment,
		AmountCredits: amountCredits,
		OccurredAt:    service.nowFn(),
	})
}

// AppendRefund records a refund credit linked to its payment correlation.
func (service *Service) AppendRefund(ctx context.Context, accountID string, amountCredits int64, correlation Correlation) (LedgerEntry, error) {
	return service.AppendEntry(ctx, EntryInput{
		AccountID:     accountID,
		Type:          EntryRefund,
		AmountCredits: amountCredits,
		OccurredAt:    service.nowFn(),
		Correlation:   correlation,
	})
}

// ListEntries lists ledger entries ordered by occurred_at desc with a stable
// created_at desc tie-break.
func (service *Service) ListEntries(ctx context.Context, filter EntryFilter, page Page) ([]LedgerEntry, error) {
	for _, entryType := range filter.EntryTypes {
		if _, err := ParseEntryType(string(entryType)); err != nil {
			return nil, err
		}
	}
	return service.store.ListEntries(ctx, filter, clampPage(page))
}

// appendEntry is the single mutation primitive: every balance-affecting
// operation funnels through here so the cached balance moves with its entry.
// Callers hold the account row lock.
func (service *Service) appendEntry(ctx context.Context, txStore Store, input EntryInput) (LedgerEntry, error) {
	if err := input.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	if input.OccurredAt.IsZero() {
		input.OccurredAt = service.nowFn()
	}
	entry, err := txStore.InsertEntry(ctx, input)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := txStore.AdjustAccountBalance(ctx, input.AccountID, input.AmountCredits); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func clampPage(page Page) Page {
	if page.Limit <= 0 {
		page.Limit = defaultListLimit
	}
	if page.Limit > maxListLimit {
		page.Limit = maxListLimit
	}
	if page.Offset < 0 {
		page.Offset = 0
	}
	return page
}
