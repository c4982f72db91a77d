package credit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx works on a deep copy and only
// publishes it on success, so failed operations leave no trace, matching the
// rollback behavior of the real stores.
type stubStore struct {
	mu          sync.Mutex
	sequence    int
	accounts    map[string]CreditAccount
	entries     []LedgerEntry
	transfers   map[string]CreditTransfer
	plans       map[string]PlanGrant
	products    map[string]TopupProduct
	allocations []UsageAllocation
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts:  make(map[string]CreditAccount),
		transfers: make(map[string]CreditTransfer),
		plans:     make(map[string]PlanGrant),
		products:  make(map[string]TopupProduct),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	tx := store.cloneLocked()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	store.sequence = tx.sequence
	store.accounts = tx.accounts
	store.entries = tx.entries
	store.transfers = tx.transfers
	store.plans = tx.plans
	store.products = tx.products
	store.allocations = tx.allocations
	return nil
}

func (store *stubStore) cloneLocked() *stubStore {
	clone := newStubStore()
	clone.sequence = store.sequence
	for id, account := range store.accounts {
		clone.accounts[id] = account
	}
	clone.entries = append([]LedgerEntry(nil), store.entries...)
	for id, transfer := range store.transfers {
		clone.transfers[id] = transfer
	}
	for key, plan := range store.plans {
		clone.plans[key] = plan
	}
	for id, product := range store.products {
		clone.products[id] = product
	}
	clone.allocations = append([]UsageAllocation(nil), store.allocations...)
	return clone
}

func (store *stubStore) nextID(prefix string) string {
	store.sequence++
	return fmt.Sprintf("%s-%d", prefix, store.sequence)
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, owner OwnerRef, creditType CreditType) (CreditAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, account := range store.accounts {
		if account.OwnerType == owner.OwnerType &&
			account.OwnerTenantID == owner.TenantID &&
			account.OwnerUserID == owner.UserID &&
			account.SourceTenantID == owner.SourceTenantID &&
			account.CreditType == creditType {
			return account, nil
		}
	}
	account := CreditAccount{
		AccountID:      store.nextID("acct"),
		OwnerType:      owner.OwnerType,
		OwnerTenantID:  owner.TenantID,
		OwnerUserID:    owner.UserID,
		SourceTenantID: owner.SourceTenantID,
		CreditType:     creditType,
		Status:         AccountActive,
	}
	store.accounts[account.AccountID] = account
	return account, nil
}

func (store *stubStore) GetAccount(_ context.Context, accountID string) (CreditAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return CreditAccount{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (CreditAccount, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) ListAccounts(_ context.Context, filter AccountFilter, _ Page) ([]CreditAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var accounts []CreditAccount
	for _, account := range store.accounts {
		if filter.OwnerType != "" && account.OwnerType != filter.OwnerType {
			continue
		}
		if filter.CreditType != "" && account.CreditType != filter.CreditType {
			continue
		}
		if filter.UserID != "" && account.OwnerUserID != filter.UserID {
			continue
		}
		if filter.Status != "" && account.Status != filter.Status {
			continue
		}
		if filter.TenantID != "" && account.OwnerTenantID != filter.TenantID && account.SourceTenantID != filter.TenantID {
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *stubStore) UpdateAccountFields(_ context.Context, accountID string, update AccountUpdate) (CreditAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return CreditAccount{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if update.Status != nil {
		account.Status = *update.Status
	}
	if update.DisplayName != nil {
		account.DisplayName = *update.DisplayName
	}
	if update.ExpiresAt != nil {
		expires := *update.ExpiresAt
		account.ExpiresAt = &expires
	}
	if update.ClearExpiresAt {
		account.ExpiresAt = nil
	}
	if update.MetadataJSON != nil {
		account.MetadataJSON = *update.MetadataJSON
	}
	store.accounts[accountID] = account
	return account, nil
}

func (store *stubStore) AdjustAccountBalance(_ context.Context, accountID string, deltaCredits int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	account.BalanceCredits += deltaCredits
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) SetAccountBalance(_ context.Context, accountID string, balanceCredits int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	account.BalanceCredits = balanceCredits
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, input EntryInput) (LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if input.Correlation.PaymentTransactionID != "" {
		for _, existing := range store.entries {
			if existing.Correlation.PaymentTransactionID == input.Correlation.PaymentTransactionID {
				return LedgerEntry{}, fmt.Errorf("payment transaction %s: %w", input.Correlation.PaymentTransactionID, ErrConflict)
			}
		}
	}
	entry := LedgerEntry{
		EntryID:       store.nextID("entry"),
		AccountID:     input.AccountID,
		Type:          input.Type,
		AmountCredits: input.AmountCredits,
		OccurredAt:    input.OccurredAt,
		CreatedAt:     input.OccurredAt,
		Correlation:   input.Correlation,
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) SumEntries(_ context.Context, accountID string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.AmountCredits
		}
	}
	return sum, nil
}

func (store *stubStore) ListEntries(_ context.Context, filter EntryFilter, _ Page) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []LedgerEntry
	for _, entry := range store.entries {
		if filter.AccountID != "" && entry.AccountID != filter.AccountID {
			continue
		}
		if len(filter.EntryTypes) > 0 && !containsEntryType(filter.EntryTypes, entry.Type) {
			continue
		}
		if filter.Correlation.TransferID != "" && entry.Correlation.TransferID != filter.Correlation.TransferID {
			continue
		}
		if filter.Correlation.UsageLogID != "" && entry.Correlation.UsageLogID != filter.Correlation.UsageLogID {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *stubStore) FindEntryByPaymentTransaction(_ context.Context, paymentTransactionID string) (LedgerEntry, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, entry := range store.entries {
		if entry.Correlation.PaymentTransactionID == paymentTransactionID {
			return entry, true, nil
		}
	}
	return LedgerEntry{}, false, nil
}

func (store *stubStore) CreateTransfer(_ context.Context, transfer CreditTransfer) (CreditTransfer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transfer.TransferID = store.nextID("transfer")
	store.transfers[transfer.TransferID] = transfer
	return transfer, nil
}

func (store *stubStore) GetTransfer(_ context.Context, transferID string) (CreditTransfer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	transfer, ok := store.transfers[transferID]
	if !ok {
		return CreditTransfer{}, fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
	}
	return transfer, nil
}

func (store *stubStore) ListTransfers(_ context.Context, filter TransferFilter, _ Page) ([]CreditTransfer, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var transfers []CreditTransfer
	for _, transfer := range store.transfers {
		if filter.AccountID != "" && transfer.FromAccountID != filter.AccountID && transfer.ToAccountID != filter.AccountID {
			continue
		}
		if filter.Status != "" && transfer.Status != filter.Status {
			continue
		}
		transfers = append(transfers, transfer)
	}
	return transfers, nil
}

func (store *stubStore) UpdateTransferStatus(_ context.Context, transferID string, from, to TransferStatus, approvedBy string, completedAt *time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	transfer, ok := store.transfers[transferID]
	if !ok {
		return fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
	}
	if transfer.Status != from {
		return fmt.Errorf("transfer %s is %s: %w", transferID, transfer.Status, ErrInvalidState)
	}
	transfer.Status = to
	if approvedBy != "" {
		transfer.ApprovedBy = approvedBy
	}
	if completedAt != nil {
		completed := *completedAt
		transfer.CompletedAt = &completed
	}
	store.transfers[transferID] = transfer
	return nil
}

func planKey(planSlug string, cycle BillingCycle, creditType CreditType) string {
	return planSlug + "|" + string(cycle) + "|" + string(creditType)
}

func (store *stubStore) GetActivePlanGrant(_ context.Context, planSlug string, cycle BillingCycle, creditType CreditType) (PlanGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	plan, ok := store.plans[planKey(planSlug, cycle, creditType)]
	if !ok || !plan.IsActive {
		return PlanGrant{}, fmt.Errorf("plan %s: %w", planSlug, ErrNotFound)
	}
	return plan, nil
}

func (store *stubStore) UpsertPlanGrant(_ context.Context, plan PlanGrant) (PlanGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := planKey(plan.PlanSlug, plan.BillingCycle, plan.CreditType)
	if existing, ok := store.plans[key]; ok {
		plan.PlanGrantID = existing.PlanGrantID
	} else {
		plan.PlanGrantID = store.nextID("plan")
	}
	store.plans[key] = plan
	return plan, nil
}

func (store *stubStore) ListPlanGrants(_ context.Context, activeOnly bool) ([]PlanGrant, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var plans []PlanGrant
	for _, plan := range store.plans {
		if activeOnly && !plan.IsActive {
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (store *stubStore) CreateTopupProduct(_ context.Context, product TopupProduct) (TopupProduct, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.products {
		if existing.SKUCode == product.SKUCode {
			return TopupProduct{}, fmt.Errorf("sku %s: %w", product.SKUCode, ErrConflict)
		}
	}
	product.ProductID = store.nextID("product")
	store.products[product.ProductID] = product
	return product, nil
}

func (store *stubStore) UpdateTopupProductFields(_ context.Context, productID string, update TopupProductUpdate) (TopupProduct, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	product, ok := store.products[productID]
	if !ok {
		return TopupProduct{}, fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	if update.Name != nil {
		product.Name = *update.Name
	}
	if update.PriceUSDCents != nil {
		product.PriceUSDCents = *update.PriceUSDCents
	}
	if update.Credits != nil {
		product.Credits = *update.Credits
	}
	if update.BonusCredits != nil {
		product.BonusCredits = *update.BonusCredits
	}
	if update.Currency != nil {
		product.Currency = *update.Currency
	}
	if update.IsActive != nil {
		product.IsActive = *update.IsActive
	}
	if update.MetadataJSON != nil {
		product.MetadataJSON = *update.MetadataJSON
	}
	store.products[productID] = product
	return product, nil
}

func (store *stubStore) GetTopupProductBySKU(_ context.Context, skuCode string) (TopupProduct, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, product := range store.products {
		if product.SKUCode == skuCode {
			return product, nil
		}
	}
	return TopupProduct{}, fmt.Errorf("sku %s: %w", skuCode, ErrNotFound)
}

func (store *stubStore) ListTopupProducts(_ context.Context, activeOnly bool) ([]TopupProduct, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var products []TopupProduct
	for _, product := range store.products {
		if activeOnly && !product.IsActive {
			continue
		}
		products = append(products, product)
	}
	return products, nil
}

func (store *stubStore) InsertAllocation(_ context.Context, allocation UsageAllocation) (UsageAllocation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.allocations {
		if existing.UsageLogID == allocation.UsageLogID && existing.AccountID == allocation.AccountID {
			return UsageAllocation{}, fmt.Errorf("usage %s account %s: %w", allocation.UsageLogID, allocation.AccountID, ErrConflict)
		}
	}
	allocation.AllocationID = store.nextID("alloc")
	store.allocations = append(store.allocations, allocation)
	return allocation, nil
}

func (store *stubStore) ListAllocationsByUsageLog(_ context.Context, usageLogID string) ([]UsageAllocation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var allocations []UsageAllocation
	for _, allocation := range store.allocations {
		if allocation.UsageLogID == usageLogID {
			allocations = append(allocations, allocation)
		}
	}
	return allocations, nil
}

func containsEntryType(types []EntryType, entryType EntryType) bool {
	for _, candidate := range types {
		if candidate == entryType {
			return true
		}
	}
	return false
}

// seedAccount registers an account directly so tests can start from a known
// balance.
func (store *stubStore) seedAccount(test *testing.T, accountID string, creditType CreditType, status AccountStatus, balance int64) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.accounts[accountID]; exists {
		test.Fatalf("account %s already seeded", accountID)
	}
	store.accounts[accountID] = CreditAccount{
		AccountID:      accountID,
		OwnerType:      OwnerUser,
		OwnerUserID:    "user-" + accountID,
		CreditType:     creditType,
		Status:         status,
		BalanceCredits: balance,
	}
}

func (store *stubStore) mustAccount(test *testing.T, accountID string) CreditAccount {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	return account
}

func (store *stubStore) entriesFor(accountID string) []LedgerEntry {
	store.mu.Lock()
	defer store.mu.Unlock()
	var entries []LedgerEntry
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return time.Unix(1700000000, 0).UTC() }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}
