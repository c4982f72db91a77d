package credit

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic: every write issued through the transactional Store
// either fully commits or fully rolls back.
//
// gormstore and pgstore both implement this.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, owner OwnerRef, creditType CreditType) (CreditAccount, error)
	GetAccount(ctx context.Context, accountID string) (CreditAccount, error)
	// GetAccountForUpdate locks the account row for the duration of the
	// surrounding transaction.
	GetAccountForUpdate(ctx context.Context, accountID string) (CreditAccount, error)
	ListAccounts(ctx context.Context, filter AccountFilter, page Page) ([]CreditAccount, error)
	UpdateAccountFields(ctx context.Context, accountID string, update AccountUpdate) (CreditAccount, error)
	AdjustAccountBalance(ctx context.Context, accountID string, deltaCredits int64) error
	SetAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error

	InsertEntry(ctx context.Context, input EntryInput) (LedgerEntry, error)
	SumEntries(ctx context.Context, accountID string) (int64, error)
	ListEntries(ctx context.Context, filter EntryFilter, page Page) ([]LedgerEntry, error)
	FindEntryByPaymentTransaction(ctx context.Context, paymentTransactionID string) (LedgerEntry, bool, error)

	CreateTransfer(ctx context.Context, transfer CreditTransfer) (CreditTransfer, error)
	GetTransfer(ctx context.Context, transferID string) (CreditTransfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter, page Page) ([]CreditTransfer, error)
	// UpdateTransferStatus transitions transferID from one status to
	// another and reports ErrInvalidState when the row is no longer in the
	// from status. approvedBy and completedAt are only written when
	// non-zero.
	UpdateTransferStatus(ctx context.Context, transferID string, from, to TransferStatus, approvedBy string, completedAt *time.Time) error

	GetActivePlanGrant(ctx context.Context, planSlug string, cycle BillingCycle, creditType CreditType) (PlanGrant, error)
	UpsertPlanGrant(ctx context.Context, plan PlanGrant) (PlanGrant, error)
	ListPlanGrants(ctx context.Context, activeOnly bool) ([]PlanGrant, error)

	CreateTopupProduct(ctx context.Context, product TopupProduct) (TopupProduct, error)
	UpdateTopupProductFields(ctx context.Context, productID string, update TopupProductUpdate) (TopupProduct, error)
	GetTopupProductBySKU(ctx context.Context, skuCode string) (TopupProduct, error)
	ListTopupProducts(ctx context.Context, activeOnly bool) ([]TopupProduct, error)

	InsertAllocation(ctx context.Context, allocation UsageAllocation) (UsageAllocation, error)
	ListAllocationsByUsageLog(ctx context.Context, usageLogID string) ([]UsageAllocation, error)
}
