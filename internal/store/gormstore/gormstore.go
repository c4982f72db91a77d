package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSum          = "sum"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"
)

var accountOwnerConflictColumns = []clause.Column{
	{Name: "owner_type"},
	{Name: "owner_tenant_id"},
	{Name: "owner_user_id"},
	{Name: "credit_type"},
	{Name: "source_tenant_id"},
}

var planGrantConflictColumns = []clause.Column{
	{Name: "plan_slug"},
	{Name: "billing_cycle"},
	{Name: "credit_type"},
}

// Store implements credit.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, owner credit.OwnerRef, creditType credit.CreditType) (credit.CreditAccount, error) {
	conditions := map[string]any{
		"owner_type":       string(owner.OwnerType),
		"owner_tenant_id":  owner.TenantID,
		"owner_user_id":    owner.UserID,
		"credit_type":      string(creditType),
		"source_tenant_id": owner.SourceTenantID,
	}
	var model CreditAccount
	err := store.db.WithContext(ctx).Where(conditions).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh := CreditAccount{
			OwnerType:      string(owner.OwnerType),
			OwnerTenantID:  owner.TenantID,
			OwnerUserID:    owner.UserID,
			CreditType:     string(creditType),
			SourceTenantID: owner.SourceTenantID,
			Status:         string(credit.AccountActive),
			Metadata:       datatypesJSON(""),
		}
		if createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: accountOwnerConflictColumns, DoNothing: true}).
			Create(&fresh).Error; createErr != nil {
			return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeCreate, createErr)
		}
		// A racing insert may have won; the stored row is authoritative
		// either way.
		err = store.db.WithContext(ctx).Where(conditions).Take(&model).Error
	}
	if err != nil {
		return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeLookup, err)
	}
	return toDomainAccount(model), nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (credit.CreditAccount, error) {
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (credit.CreditAccount, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID string, lock bool) (credit.CreditAccount, error) {
	query := store.db.WithContext(ctx)
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditAccount
	err := query.Where("account_id = ?", accountID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeGet, err)
	}
	return toDomainAccount(model), nil
}

func (store *Store) ListAccounts(ctx context.Context, filter credit.AccountFilter, page credit.Page) ([]credit.CreditAccount, error) {
	query := store.db.WithContext(ctx).Model(&CreditAccount{})
	if filter.OwnerType != "" {
		query = query.Where("owner_type = ?", string(filter.OwnerType))
	}
	if filter.CreditType != "" {
		query = query.Where("credit_type = ?", string(filter.CreditType))
	}
	if filter.TenantID != "" {
		query = query.Where("owner_tenant_id = ? or source_tenant_id = ?", filter.TenantID, filter.TenantID)
	}
	if filter.UserID != "" {
		query = query.Where("owner_user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var rows []CreditAccount
	err := query.Order("created_at desc").Limit(page.Limit).Offset(page.Offset).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(credit.SubjectAccount, errorCodeList, err)
	}
	accounts := make([]credit.CreditAccount, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, toDomainAccount(row))
	}
	return accounts, nil
}

func (store *Store) UpdateAccountFields(ctx context.Context, accountID string, update credit.AccountUpdate) (credit.CreditAccount, error) {
	updates := map[string]any{}
	if update.Status != nil {
		updates["status"] = string(*update.Status)
	}
	if update.DisplayName != nil {
		updates["display_name"] = *update.DisplayName
	}
	if update.ExpiresAt != nil {
		updates["expires_at"] = *update.ExpiresAt
	}
	if update.ClearExpiresAt {
		updates["expires_at"] = nil
	}
	if update.MetadataJSON != nil {
		updates["metadata"] = datatypesJSON(*update.MetadataJSON)
	}
	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		result := store.db.WithContext(ctx).
			Model(&CreditAccount{}).
			Where("account_id = ?", accountID).
			Updates(updates)
		if result.Error != nil {
			return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeUpdate, credit.ErrNotFound)
		}
	}
	return store.getAccount(ctx, accountID, false)
}

func (store *Store) AdjustAccountBalance(ctx context.Context, accountID string, deltaCredits int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"balance_credits": gorm.Expr("balance_credits + ?", deltaCredits),
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(credit.SubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(credit.SubjectAccount, errorCodeUpdate, credit.ErrNotFound)
	}
	return nil
}

func (store *Store) SetAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{
			"balance_credits": balanceCredits,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(credit.SubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(credit.SubjectAccount, errorCodeUpdate, credit.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, input credit.EntryInput) (credit.LedgerEntry, error) {
	model := LedgerEntry{
		AccountID:            input.AccountID,
		Type:                 string(input.Type),
		AmountCredits:        input.AmountCredits,
		UsageLogID:           nullable(input.Correlation.UsageLogID),
		TransferID:           nullable(input.Correlation.TransferID),
		SubscriptionID:       nullable(input.Correlation.SubscriptionID),
		InvoiceID:            nullable(input.Correlation.InvoiceID),
		PaymentTransactionID: nullable(input.Correlation.PaymentTransactionID),
		OccurredAt:           input.OccurredAt.UTC(),
		CreatedAt:            time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credit.LedgerEntry{}, wrapStoreError(credit.SubjectEntry, errorCodeDuplicate, credit.ErrConflict)
	}
	if err != nil {
		return credit.LedgerEntry{}, wrapStoreError(credit.SubjectEntry, errorCodeInsert, err)
	}
	return toDomainEntry(model), nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(credit.SubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListEntries(ctx context.Context, filter credit.EntryFilter, page credit.Page) ([]credit.LedgerEntry, error) {
	query := store.db.WithContext(ctx).Model(&LedgerEntry{})
	if filter.AccountID != "" {
		query = query.Where("ledger_entries.account_id = ?", filter.AccountID)
	}
	if len(filter.EntryTypes) > 0 {
		types := make([]string, 0, len(filter.EntryTypes))
		for _, entryType := range filter.EntryTypes {
			types = append(types, string(entryType))
		}
		query = query.Where("ledger_entries.type in ?", types)
	}
	if filter.OwnerType != "" || filter.CreditType != "" || filter.TenantID != "" || filter.UserID != "" {
		query = query.Joins("join credit_accounts on credit_accounts.account_id = ledger_entries.account_id")
		if filter.OwnerType != "" {
			query = query.Where("credit_accounts.owner_type = ?", string(filter.OwnerType))
		}
		if filter.CreditType != "" {
			query = query.Where("credit_accounts.credit_type = ?", string(filter.CreditType))
		}
		if filter.TenantID != "" {
			query = query.Where("credit_accounts.owner_tenant_id = ? or credit_accounts.source_tenant_id = ?", filter.TenantID, filter.TenantID)
		}
		if filter.UserID != "" {
			query = query.Where("credit_accounts.owner_user_id = ?", filter.UserID)
		}
	}
	if filter.Correlation.UsageLogID != "" {
		query = query.Where("ledger_entries.usage_log_id = ?", filter.Correlation.UsageLogID)
	}
	if filter.Correlation.TransferID != "" {
		query = query.Where("ledger_entries.transfer_id = ?", filter.Correlation.TransferID)
	}
	if filter.Correlation.SubscriptionID != "" {
		query = query.Where("ledger_entries.subscription_id = ?", filter.Correlation.SubscriptionID)
	}
	if filter.Correlation.InvoiceID != "" {
		query = query.Where("ledger_entries.invoice_id = ?", filter.Correlation.InvoiceID)
	}
	if filter.Correlation.PaymentTransactionID != "" {
		query = query.Where("ledger_entries.payment_transaction_id = ?", filter.Correlation.PaymentTransactionID)
	}
	var rows []LedgerEntry
	err := query.
		Order("ledger_entries.occurred_at desc, ledger_entries.created_at desc").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(credit.SubjectEntry, errorCodeList, err)
	}
	entries := make([]credit.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, toDomainEntry(row))
	}
	return entries, nil
}

func (store *Store) FindEntryByPaymentTransaction(ctx context.Context, paymentTransactionID string) (credit.LedgerEntry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("payment_transaction_id = ?", paymentTransactionID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.LedgerEntry{}, false, nil
	}
	if err != nil {
		return credit.LedgerEntry{}, false, wrapStoreError(credit.SubjectEntry, errorCodeGet, err)
	}
	return toDomainEntry(model), true, nil
}

func (store *Store) CreateTransfer(ctx context.Context, transfer credit.CreditTransfer) (credit.CreditTransfer, error) {
	model := CreditTransfer{
		TransferID:    transfer.TransferID,
		FromAccountID: transfer.FromAccountID,
		ToAccountID:   transfer.ToAccountID,
		TransferType:  string(transfer.Type),
		AmountCredits: transfer.AmountCredits,
		Status:        string(transfer.Status),
		RequestedBy:   transfer.RequestedBy,
		ApprovedBy:    nullable(transfer.ApprovedBy),
		Reason:        transfer.Reason,
		CreatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if err != nil {
		return credit.CreditTransfer{}, wrapStoreError(credit.SubjectTransfer, errorCodeCreate, err)
	}
	return toDomainTransfer(model), nil
}

func (store *Store) GetTransfer(ctx context.Context, transferID string) (credit.CreditTransfer, error) {
	var model CreditTransfer
	err := store.db.WithContext(ctx).Where("transfer_id = ?", transferID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.CreditTransfer{}, wrapStoreError(credit.SubjectTransfer, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.CreditTransfer{}, wrapStoreError(credit.SubjectTransfer, errorCodeGet, err)
	}
	return toDomainTransfer(model), nil
}

func (store *Store) ListTransfers(ctx context.Context, filter credit.TransferFilter, page credit.Page) ([]credit.CreditTransfer, error) {
	query := store.db.WithContext(ctx).Model(&CreditTransfer{})
	if filter.AccountID != "" {
		query = query.Where("from_account_id = ? or to_account_id = ?", filter.AccountID, filter.AccountID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	var rows []CreditTransfer
	err := query.Order("created_at desc").Limit(page.Limit).Offset(page.Offset).Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(credit.SubjectTransfer, errorCodeList, err)
	}
	transfers := make([]credit.CreditTransfer, 0, len(rows))
	for _, row := range rows {
		transfers = append(transfers, toDomainTransfer(row))
	}
	return transfers, nil
}

func (store *Store) UpdateTransferStatus(ctx context.Context, transferID string, from, to credit.TransferStatus, approvedBy string, completedAt *time.Time) error {
	updates := map[string]any{"status": string(to)}
	if approvedBy != "" {
		updates["approved_by"] = approvedBy
	}
	if completedAt != nil {
		stamp := completedAt.UTC()
		updates["completed_at"] = stamp
	}
	result := store.db.WithContext(ctx).
		Model(&CreditTransfer{}).
		Where("transfer_id = ? and status = ?", transferID, string(from)).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(credit.SubjectTransfer, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(credit.SubjectTransfer, errorCodeUpdateStatus, credit.ErrInvalidState)
	}
	return nil
}

func (store *Store) GetActivePlanGrant(ctx context.Context, planSlug string, cycle credit.BillingCycle, creditType credit.CreditType) (credit.PlanGrant, error) {
	var model PlanGrant
	err := store.db.WithContext(ctx).
		Where("plan_slug = ? and billing_cycle = ? and credit_type = ? and is_active = ?",
			planSlug, string(cycle), string(creditType), true).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeGet, err)
	}
	return toDomainPlanGrant(model), nil
}

func (store *Store) UpsertPlanGrant(ctx context.Context, plan credit.PlanGrant) (credit.PlanGrant, error) {
	model := PlanGrant{
		PlanSlug:       plan.PlanSlug,
		BillingCycle:   string(plan.BillingCycle),
		CreditType:     string(plan.CreditType),
		MonthlyCredits: plan.MonthlyCredits,
		InitialCredits: plan.InitialCredits,
		ExpiresInDays:  plan.ExpiresInDays,
		IsActive:       plan.IsActive,
		Metadata:       datatypesJSON(plan.MetadataJSON),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: planGrantConflictColumns,
			DoUpdates: clause.AssignmentColumns([]string{
				"monthly_credits", "initial_credits", "expires_in_days", "is_active", "metadata", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeCreate, err)
	}
	var stored PlanGrant
	err = store.db.WithContext(ctx).
		Where("plan_slug = ? and billing_cycle = ? and credit_type = ?",
			plan.PlanSlug, string(plan.BillingCycle), string(plan.CreditType)).
		Take(&stored).Error
	if err != nil {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeGet, err)
	}
	return toDomainPlanGrant(stored), nil
}

func (store *Store) ListPlanGrants(ctx context.Context, activeOnly bool) ([]credit.PlanGrant, error) {
	query := store.db.WithContext(ctx).Model(&PlanGrant{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var rows []PlanGrant
	if err := query.Order("plan_slug, billing_cycle, credit_type").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(credit.SubjectPlanGrant, errorCodeList, err)
	}
	plans := make([]credit.PlanGrant, 0, len(rows))
	for _, row := range rows {
		plans = append(plans, toDomainPlanGrant(row))
	}
	return plans, nil
}

func (store *Store) CreateTopupProduct(ctx context.Context, product credit.TopupProduct) (credit.TopupProduct, error) {
	model := TopupProduct{
		SKUCode:       product.SKUCode,
		Name:          product.Name,
		PriceUSDCents: product.PriceUSDCents,
		Credits:       product.Credits,
		BonusCredits:  product.BonusCredits,
		Currency:      product.Currency,
		IsActive:      product.IsActive,
		Metadata:      datatypesJSON(product.MetadataJSON),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeDuplicate, credit.ErrConflict)
	}
	if err != nil {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeCreate, err)
	}
	return toDomainProduct(model), nil
}

func (store *Store) UpdateTopupProductFields(ctx context.Context, productID string, update credit.TopupProductUpdate) (credit.TopupProduct, error) {
	updates := map[string]any{}
	if update.Name != nil {
		updates["name"] = *update.Name
	}
	if update.PriceUSDCents != nil {
		updates["price_usd_cents"] = *update.PriceUSDCents
	}
	if update.Credits != nil {
		updates["credits"] = *update.Credits
	}
	if update.BonusCredits != nil {
		updates["bonus_credits"] = *update.BonusCredits
	}
	if update.Currency != nil {
		updates["currency"] = *update.Currency
	}
	if update.IsActive != nil {
		updates["is_active"] = *update.IsActive
	}
	if update.MetadataJSON != nil {
		updates["metadata"] = datatypesJSON(*update.MetadataJSON)
	}
	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		result := store.db.WithContext(ctx).
			Model(&TopupProduct{}).
			Where("product_id = ?", productID).
			Updates(updates)
		if result.Error != nil {
			return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeUpdate, credit.ErrNotFound)
		}
	}
	var model TopupProduct
	err := store.db.WithContext(ctx).Where("product_id = ?", productID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, err)
	}
	return toDomainProduct(model), nil
}

func (store *Store) GetTopupProductBySKU(ctx context.Context, skuCode string) (credit.TopupProduct, error) {
	var model TopupProduct
	err := store.db.WithContext(ctx).Where("sku_code = ?", skuCode).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, err)
	}
	return toDomainProduct(model), nil
}

func (store *Store) ListTopupProducts(ctx context.Context, activeOnly bool) ([]credit.TopupProduct, error) {
	query := store.db.WithContext(ctx).Model(&TopupProduct{})
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	var rows []TopupProduct
	if err := query.Order("sku_code").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(credit.SubjectTopupProduct, errorCodeList, err)
	}
	products := make([]credit.TopupProduct, 0, len(rows))
	for _, row := range rows {
		products = append(products, toDomainProduct(row))
	}
	return products, nil
}

func (store *Store) InsertAllocation(ctx context.Context, allocation credit.UsageAllocation) (credit.UsageAllocation, error) {
	model := UsageAllocation{
		UsageLogID:    allocation.UsageLogID,
		UserID:        allocation.UserID,
		AccountID:     allocation.AccountID,
		AmountCredits: allocation.AmountCredits,
		CreatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return credit.UsageAllocation{}, wrapStoreError(credit.SubjectAllocation, errorCodeDuplicate, credit.ErrConflict)
	}
	if err != nil {
		return credit.UsageAllocation{}, wrapStoreError(credit.SubjectAllocation, errorCodeInsert, err)
	}
	return toDomainAllocation(model), nil
}

func (store *Store) ListAllocationsByUsageLog(ctx context.Context, usageLogID string) ([]credit.UsageAllocation, error) {
	var rows []UsageAllocation
	err := store.db.WithContext(ctx).
		Where("usage_log_id = ?", usageLogID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(credit.SubjectAllocation, errorCodeList, err)
	}
	allocations := make([]credit.UsageAllocation, 0, len(rows))
	for _, row := range rows {
		allocations = append(allocations, toDomainAllocation(row))
	}
	return allocations, nil
}

func wrapStoreError(subject credit.Subject, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func toDomainAccount(model CreditAccount) credit.CreditAccount {
	return credit.CreditAccount{
		AccountID:      model.AccountID,
		OwnerType:      credit.OwnerType(model.OwnerType),
		OwnerTenantID:  model.OwnerTenantID,
		OwnerUserID:    model.OwnerUserID,
		SourceTenantID: model.SourceTenantID,
		CreditType:     credit.CreditType(model.CreditType),
		Status:         credit.AccountStatus(model.Status),
		DisplayName:    model.DisplayName,
		ExpiresAt:      model.ExpiresAt,
		MetadataJSON:   string(model.Metadata),
		BalanceCredits: model.BalanceCredits,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
}

func toDomainEntry(model LedgerEntry) credit.LedgerEntry {
	return credit.LedgerEntry{
		EntryID:       model.EntryID,
		AccountID:     model.AccountID,
		Type:          credit.EntryType(model.Type),
		AmountCredits: model.AmountCredits,
		OccurredAt:    model.OccurredAt,
		CreatedAt:     model.CreatedAt,
		Correlation: credit.Correlation{
			UsageLogID:           deref(model.UsageLogID),
			TransferID:           deref(model.TransferID),
			SubscriptionID:       deref(model.SubscriptionID),
			InvoiceID:            deref(model.InvoiceID),
			PaymentTransactionID: deref(model.PaymentTransactionID),
		},
	}
}

func toDomainTransfer(model CreditTransfer) credit.CreditTransfer {
	return credit.CreditTransfer{
		TransferID:    model.TransferID,
		FromAccountID: model.FromAccountID,
		ToAccountID:   model.ToAccountID,
		Type:          credit.TransferType(model.TransferType),
		AmountCredits: model.AmountCredits,
		Status:        credit.TransferStatus(model.Status),
		RequestedBy:   model.RequestedBy,
		ApprovedBy:    deref(model.ApprovedBy),
		Reason:        model.Reason,
		CreatedAt:     model.CreatedAt,
		CompletedAt:   model.CompletedAt,
	}
}

func toDomainPlanGrant(model PlanGrant) credit.PlanGrant {
	return credit.PlanGrant{
		PlanGrantID:    model.PlanGrantID,
		PlanSlug:       model.PlanSlug,
		BillingCycle:   credit.BillingCycle(model.BillingCycle),
		CreditType:     credit.CreditType(model.CreditType),
		MonthlyCredits: model.MonthlyCredits,
		InitialCredits: model.InitialCredits,
		ExpiresInDays:  model.ExpiresInDays,
		IsActive:       model.IsActive,
		MetadataJSON:   string(model.Metadata),
	}
}

func toDomainProduct(model TopupProduct) credit.TopupProduct {
	return credit.TopupProduct{
		ProductID:     model.ProductID,
		SKUCode:       model.SKUCode,
		Name:          model.Name,
		PriceUSDCents: model.PriceUSDCents,
		Credits:       model.Credits,
		BonusCredits:  model.BonusCredits,
		Currency:      model.Currency,
		IsActive:      model.IsActive,
		MetadataJSON:  string(model.Metadata),
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}
}

func toDomainAllocation(model UsageAllocation) credit.UsageAllocation {
	return credit.UsageAllocation{
		AllocationID:  model.AllocationID,
		UsageLogID:    model.UsageLogID,
		UserID:        model.UserID,
		AccountID:     model.AccountID,
		AmountCredits: model.AmountCredits,
		CreatedAt:     model.CreatedAt,
	}
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
