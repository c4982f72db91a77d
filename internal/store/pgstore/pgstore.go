// Package pgstore implements credit.Store directly on pgx for deployments
// that want prepared raw SQL instead of the GORM path. Schema management is
// external (migrations); see the table layout in internal/store/gormstore.
package pgstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
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

const (
	sqlInsertOrGetAccount = `
		insert into credit_accounts(
			account_id, owner_type, owner_tenant_id, owner_user_id, credit_type, source_tenant_id,
			status, display_name, metadata, balance_credits, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, 'active', '', '{}'::jsonb, 0, now(), now())
		on conflict (owner_type, owner_tenant_id, owner_user_id, credit_type, source_tenant_id)
		do update set owner_type = excluded.owner_type
		returning ` + accountColumns

	accountColumns = `account_id, owner_type, owner_tenant_id, owner_user_id, source_tenant_id,
		credit_type, status, display_name, expires_at, metadata::text, balance_credits, created_at, updated_at`

	sqlSelectAccount          = `select ` + accountColumns + ` from credit_accounts where account_id = $1`
	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlAdjustBalance = `
		update credit_accounts set balance_credits = balance_credits + $2, updated_at = now()
		where account_id = $1
	`

	sqlSetBalance = `
		update credit_accounts set balance_credits = $2, updated_at = now()
		where account_id = $1
	`

	entryColumns = `entry_id, account_id, type, amount_credits,
		coalesce(usage_log_id,''), coalesce(transfer_id,''), coalesce(subscription_id,''),
		coalesce(invoice_id,''), coalesce(payment_transaction_id,''), occurred_at, created_at`

	entryColumnsPrefixed = `e.entry_id, e.account_id, e.type, e.amount_credits,
		coalesce(e.usage_log_id,''), coalesce(e.transfer_id,''), coalesce(e.subscription_id,''),
		coalesce(e.invoice_id,''), coalesce(e.payment_transaction_id,''), e.occurred_at, e.created_at`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, account_id, type, amount_credits,
			usage_log_id, transfer_id, subscription_id, invoice_id, payment_transaction_id,
			occurred_at, created_at
		)
		values(
			$1, $2, $3, $4,
			nullif($5,''), nullif($6,''), nullif($7,''), nullif($8,''), nullif($9,''),
			$10, now()
		)
		returning ` + entryColumns

	sqlSumEntries = `select coalesce(sum(amount_credits),0) from ledger_entries where account_id = $1`

	sqlSelectEntryByPayment = `select ` + entryColumns + ` from ledger_entries where payment_transaction_id = $1`

	transferColumns = `transfer_id, from_account_id, to_account_id, transfer_type, amount_credits,
		status, requested_by, coalesce(approved_by,''), reason, created_at, completed_at`

	sqlInsertTransfer = `
		insert into credit_transfers(
			transfer_id, from_account_id, to_account_id, transfer_type, amount_credits,
			status, requested_by, reason, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, now())
		returning ` + transferColumns

	sqlSelectTransfer = `select ` + transferColumns + ` from credit_transfers where transfer_id = $1`

	sqlUpdateTransferStatus = `
		update credit_transfers
		set status = $3,
		    approved_by = coalesce(nullif($4,''), approved_by),
		    completed_at = coalesce($5, completed_at)
		where transfer_id = $1 and status = $2
	`

	planColumns = `plan_grant_id, plan_slug, billing_cycle, credit_type,
		monthly_credits, initial_credits, expires_in_days, is_active, metadata::text`

	sqlSelectActivePlanGrant = `
		select ` + planColumns + ` from plan_grants
		where plan_slug = $1 and billing_cycle = $2 and credit_type = $3 and is_active
	`

	sqlUpsertPlanGrant = `
		insert into plan_grants(
			plan_grant_id, plan_slug, billing_cycle, credit_type,
			monthly_credits, initial_credits, expires_in_days, is_active, metadata, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, coalesce(nullif($9,''),'{}')::jsonb, now(), now())
		on conflict (plan_slug, billing_cycle, credit_type) do update set
			monthly_credits = excluded.monthly_credits,
			initial_credits = excluded.initial_credits,
			expires_in_days = excluded.expires_in_days,
			is_active = excluded.is_active,
			metadata = excluded.metadata,
			updated_at = now()
		returning ` + planColumns

	sqlListPlanGrants = `select ` + planColumns + ` from plan_grants`

	productColumns = `product_id, sku_code, name, price_usd_cents, credits, bonus_credits,
		currency, is_active, metadata::text, created_at, updated_at`

	sqlInsertProduct = `
		insert into topup_products(
			product_id, sku_code, name, price_usd_cents, credits, bonus_credits,
			currency, is_active, metadata, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, coalesce(nullif($9,''),'{}')::jsonb, now(), now())
		returning ` + productColumns

	sqlSelectProductBySKU = `select ` + productColumns + ` from topup_products where sku_code = $1`

	allocationColumns = `allocation_id, usage_log_id, user_id, account_id, amount_credits, created_at`

	sqlInsertAllocation = `
		insert into usage_allocations(allocation_id, usage_log_id, user_id, account_id, amount_credits, created_at)
		values($1, $2, $3, $4, $5, now())
		returning ` + allocationColumns

	sqlListAllocations = `
		select ` + allocationColumns + ` from usage_allocations
		where usage_log_id = $1 order by created_at asc
	`
)

// querier is the subset of pgx shared by pgxpool.Pool and pgx.Tx, letting
// the same method set serve autocommit and transactional stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credit.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	if store.pool == nil {
		// Already transactional; nested units join the outer transaction.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(credit.SubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(credit.SubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, owner credit.OwnerRef, creditType credit.CreditType) (credit.CreditAccount, error) {
	row := store.db.QueryRow(ctx, sqlInsertOrGetAccount,
		uuid.NewString(), string(owner.OwnerType), owner.TenantID, owner.UserID,
		string(creditType), owner.SourceTenantID)
	account, err := scanAccount(row)
	if err != nil {
		return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (credit.CreditAccount, error) {
	return store.selectAccount(ctx, sqlSelectAccount, accountID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (credit.CreditAccount, error) {
	return store.selectAccount(ctx, sqlSelectAccountForUpdate, accountID)
}

func (store *Store) selectAccount(ctx context.Context, query string, accountID string) (credit.CreditAccount, error) {
	account, err := scanAccount(store.db.QueryRow(ctx, query, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func (store *Store) ListAccounts(ctx context.Context, filter credit.AccountFilter, page credit.Page) ([]credit.CreditAccount, error) {
	query := `select ` + accountColumns + ` from credit_accounts where 1=1`
	args := []any{}
	query, args = appendCondition(query, args, filter.OwnerType != "", "owner_type", string(filter.OwnerType))
	query, args = appendCondition(query, args, filter.CreditType != "", "credit_type", string(filter.CreditType))
	query, args = appendCondition(query, args, filter.UserID != "", "owner_user_id", filter.UserID)
	query, args = appendCondition(query, args, filter.Status != "", "status", string(filter.Status))
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		placeholder := placeholderFor(len(args))
		query += ` and (owner_tenant_id = ` + placeholder + ` or source_tenant_id = ` + placeholder + `)`
	}
	args = append(args, page.Limit, page.Offset)
	query += ` order by created_at desc limit ` + placeholderFor(len(args)-1) + ` offset ` + placeholderFor(len(args))

	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(credit.SubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	var accounts []credit.CreditAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapStoreError(credit.SubjectAccount, errorCodeList, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(credit.SubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func (store *Store) UpdateAccountFields(ctx context.Context, accountID string, update credit.AccountUpdate) (credit.CreditAccount, error) {
	sets := ""
	args := []any{accountID}
	addSet := func(column string, value any) {
		args = append(args, value)
		if sets != "" {
			sets += ", "
		}
		sets += column + " = " + placeholderFor(len(args))
	}
	if update.Status != nil {
		addSet("status", string(*update.Status))
	}
	if update.DisplayName != nil {
		addSet("display_name", *update.DisplayName)
	}
	if update.ExpiresAt != nil {
		addSet("expires_at", update.ExpiresAt.UTC())
	}
	if update.ClearExpiresAt {
		addSet("expires_at", nil)
	}
	if update.MetadataJSON != nil {
		addSet("metadata", *update.MetadataJSON)
	}
	if sets != "" {
		tag, err := store.db.Exec(ctx, `update credit_accounts set `+sets+`, updated_at = now() where account_id = $1`, args...)
		if err != nil {
			return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeUpdate, err)
		}
		if tag.RowsAffected() == 0 {
			return credit.CreditAccount{}, wrapStoreError(credit.SubjectAccount, errorCodeUpdate, credit.ErrNotFound)
		}
	}
	return store.selectAccount(ctx, sqlSelectAccount, accountID)
}

func (store *Store) AdjustAccountBalance(ctx context.Context, accountID string, deltaCredits int64) error {
	return store.execBalance(ctx, sqlAdjustBalance, accountID, deltaCredits)
}

func (store *Store) SetAccountBalance(ctx context.Context, accountID string, balanceCredits int64) error {
	return store.execBalance(ctx, sqlSetBalance, accountID, balanceCredits)
}

func (store *Store) execBalance(ctx context.Context, query string, accountID string, amount int64) error {
	tag, err := store.db.Exec(ctx, query, accountID, amount)
	if err != nil {
		return wrapStoreError(credit.SubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(credit.SubjectAccount, errorCodeUpdate, credit.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, input credit.EntryInput) (credit.LedgerEntry, error) {
	row := store.db.QueryRow(ctx, sqlInsertEntry,
		uuid.NewString(), input.AccountID, string(input.Type), input.AmountCredits,
		input.Correlation.UsageLogID, input.Correlation.TransferID, input.Correlation.SubscriptionID,
		input.Correlation.InvoiceID, input.Correlation.PaymentTransactionID,
		input.OccurredAt.UTC())
	entry, err := scanEntry(row)
	if isUniqueViolation(err) {
		return credit.LedgerEntry{}, wrapStoreError(credit.SubjectEntry, errorCodeDuplicate, credit.ErrConflict)
	}
	if err != nil {
		return credit.LedgerEntry{}, wrapStoreError(credit.SubjectEntry, errorCodeInsert, err)
	}
	return entry, nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(credit.SubjectEntry, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListEntries(ctx context.Context, filter credit.EntryFilter, page credit.Page) ([]credit.LedgerEntry, error) {
	query := `select ` + entryColumnsPrefixed + ` from ledger_entries e`
	joinAccounts := filter.OwnerType != "" || filter.CreditType != "" || filter.TenantID != "" || filter.UserID != ""
	if joinAccounts {
		query += ` join credit_accounts a on a.account_id = e.account_id`
	}
	query += ` where 1=1`
	args := []any{}
	query, args = appendCondition(query, args, filter.AccountID != "", "e.account_id", filter.AccountID)
	if len(filter.EntryTypes) > 0 {
		types := make([]string, 0, len(filter.EntryTypes))
		for _, entryType := range filter.EntryTypes {
			types = append(types, string(entryType))
		}
		args = append(args, types)
		query += ` and e.type = any(` + placeholderFor(len(args)) + `)`
	}
	query, args = appendCondition(query, args, filter.OwnerType != "", "a.owner_type", string(filter.OwnerType))
	query, args = appendCondition(query, args, filter.CreditType != "", "a.credit_type", string(filter.CreditType))
	query, args = appendCondition(query, args, filter.UserID != "", "a.owner_user_id", filter.UserID)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		placeholder := placeholderFor(len(args))
		query += ` and (a.owner_tenant_id = ` + placeholder + ` or a.source_tenant_id = ` + placeholder + `)`
	}
	query, args = appendCondition(query, args, filter.Correlation.UsageLogID != "", "e.usage_log_id", filter.Correlation.UsageLogID)
	query, args = appendCondition(query, args, filter.Correlation.TransferID != "", "e.transfer_id", filter.Correlation.TransferID)
	query, args = appendCondition(query, args, filter.Correlation.SubscriptionID != "", "e.subscription_id", filter.Correlation.SubscriptionID)
	query, args = appendCondition(query, args, filter.Correlation.InvoiceID != "", "e.invoice_id", filter.Correlation.InvoiceID)
	query, args = appendCondition(query, args, filter.Correlation.PaymentTransactionID != "", "e.payment_transaction_id", filter.Correlation.PaymentTransactionID)
	args = append(args, page.Limit, page.Offset)
	query += ` order by e.occurred_at desc, e.created_at desc limit ` + placeholderFor(len(args)-1) + ` offset ` + placeholderFor(len(args))

	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(credit.SubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	var entries []credit.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(credit.SubjectEntry, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(credit.SubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) FindEntryByPaymentTransaction(ctx context.Context, paymentTransactionID string) (credit.LedgerEntry, bool, error) {
	entry, err := scanEntry(store.db.QueryRow(ctx, sqlSelectEntryByPayment, paymentTransactionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.LedgerEntry{}, false, nil
	}
	if err != nil {
		return credit.LedgerEntry{}, false, wrapStoreError(credit.SubjectEntry, errorCodeGet, err)
	}
	return entry, true, nil
}

func (store *Store) CreateTransfer(ctx context.Context, transfer credit.CreditTransfer) (credit.CreditTransfer, error) {
	row := store.db.QueryRow(ctx, sqlInsertTransfer,
		uuid.NewString(), transfer.FromAccountID, transfer.ToAccountID, string(transfer.Type),
		transfer.AmountCredits, string(transfer.Status), transfer.RequestedBy, transfer.Reason)
	created, err := scanTransfer(row)
	if err != nil {
		return credit.CreditTransfer{}, wrapStoreError(credit.SubjectTransfer, errorCodeCreate, err)
	}
	return created, nil
}

func (store *Store) GetTransfer(ctx context.Context, transferID string) (credit.CreditTransfer, error) {
	transfer, err := scanTransfer(store.db.QueryRow(ctx, sqlSelectTransfer, transferID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.CreditTransfer{}, wrapStoreError(credit.SubjectTransfer, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.CreditTransfer{}, wrapStoreError(credit.SubjectTransfer, errorCodeGet, err)
	}
	return transfer, nil
}

func (store *Store) ListTransfers(ctx context.Context, filter credit.TransferFilter, page credit.Page) ([]credit.CreditTransfer, error) {
	query := `select ` + transferColumns + ` from credit_transfers where 1=1`
	args := []any{}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		placeholder := placeholderFor(len(args))
		query += ` and (from_account_id = ` + placeholder + ` or to_account_id = ` + placeholder + `)`
	}
	query, args = appendCondition(query, args, filter.Status != "", "status", string(filter.Status))
	args = append(args, page.Limit, page.Offset)
	query += ` order by created_at desc limit ` + placeholderFor(len(args)-1) + ` offset ` + placeholderFor(len(args))

	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(credit.SubjectTransfer, errorCodeList, err)
	}
	defer rows.Close()
	var transfers []credit.CreditTransfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, wrapStoreError(credit.SubjectTransfer, errorCodeList, err)
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(credit.SubjectTransfer, errorCodeList, err)
	}
	return transfers, nil
}

func (store *Store) UpdateTransferStatus(ctx context.Context, transferID string, from, to credit.TransferStatus, approvedBy string, completedAt *time.Time) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransferStatus,
		transferID, string(from), string(to), approvedBy, completedAt)
	if err != nil {
		return wrapStoreError(credit.SubjectTransfer, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(credit.SubjectTransfer, errorCodeUpdateStatus, credit.ErrInvalidState)
	}
	return nil
}

func (store *Store) GetActivePlanGrant(ctx context.Context, planSlug string, cycle credit.BillingCycle, creditType credit.CreditType) (credit.PlanGrant, error) {
	plan, err := scanPlanGrant(store.db.QueryRow(ctx, sqlSelectActivePlanGrant, planSlug, string(cycle), string(creditType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeGet, err)
	}
	return plan, nil
}

func (store *Store) UpsertPlanGrant(ctx context.Context, plan credit.PlanGrant) (credit.PlanGrant, error) {
	row := store.db.QueryRow(ctx, sqlUpsertPlanGrant,
		uuid.NewString(), plan.PlanSlug, string(plan.BillingCycle), string(plan.CreditType),
		plan.MonthlyCredits, plan.InitialCredits, plan.ExpiresInDays, plan.IsActive, plan.MetadataJSON)
	stored, err := scanPlanGrant(row)
	if err != nil {
		return credit.PlanGrant{}, wrapStoreError(credit.SubjectPlanGrant, errorCodeCreate, err)
	}
	return stored, nil
}

func (store *Store) ListPlanGrants(ctx context.Context, activeOnly bool) ([]credit.PlanGrant, error) {
	query := sqlListPlanGrants
	if activeOnly {
		query += ` where is_active`
	}
	query += ` order by plan_slug, billing_cycle, credit_type`
	rows, err := store.db.Query(ctx, query)
	if err != nil {
		return nil, wrapStoreError(credit.SubjectPlanGrant, errorCodeList, err)
	}
	defer rows.Close()
	var plans []credit.PlanGrant
	for rows.Next() {
		plan, err := scanPlanGrant(rows)
		if err != nil {
			return nil, wrapStoreError(credit.SubjectPlanGrant, errorCodeList, err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(credit.SubjectPlanGrant, errorCodeList, err)
	}
	return plans, nil
}

func (store *Store) CreateTopupProduct(ctx context.Context, product credit.TopupProduct) (credit.TopupProduct, error) {
	row := store.db.QueryRow(ctx, sqlInsertProduct,
		uuid.NewString(), product.SKUCode, product.Name, product.PriceUSDCents,
		product.Credits, product.BonusCredits, product.Currency, product.IsActive, product.MetadataJSON)
	created, err := scanProduct(row)
	if isUniqueViolation(err) {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeDuplicate, credit.ErrConflict)
	}
	if err != nil {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeCreate, err)
	}
	return created, nil
}

func (store *Store) UpdateTopupProductFields(ctx context.Context, productID string, update credit.TopupProductUpdate) (credit.TopupProduct, error) {
	sets := ""
	args := []any{productID}
	addSet := func(column string, value any) {
		args = append(args, value)
		if sets != "" {
			sets += ", "
		}
		sets += column + " = " + placeholderFor(len(args))
	}
	if update.Name != nil {
		addSet("name", *update.Name)
	}
	if update.PriceUSDCents != nil {
		addSet("price_usd_cents", *update.PriceUSDCents)
	}
	if update.Credits != nil {
		addSet("credits", *update.Credits)
	}
	if update.BonusCredits != nil {
		addSet("bonus_credits", *update.BonusCredits)
	}
	if update.Currency != nil {
		addSet("currency", *update.Currency)
	}
	if update.IsActive != nil {
		addSet("is_active", *update.IsActive)
	}
	if update.MetadataJSON != nil {
		addSet("metadata", *update.MetadataJSON)
	}
	if sets != "" {
		tag, err := store.db.Exec(ctx, `update topup_products set `+sets+`, updated_at = now() where product_id = $1`, args...)
		if err != nil {
			return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeUpdate, err)
		}
		if tag.RowsAffected() == 0 {
			return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeUpdate, credit.ErrNotFound)
		}
	}
	product, err := scanProduct(store.db.QueryRow(ctx, `select `+productColumns+` from topup_products where product_id = $1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, err)
	}
	return product, nil
}

func (store *Store) GetTopupProductBySKU(ctx context.Context, skuCode string) (credit.TopupProduct, error) {
	product, err := scanProduct(store.db.QueryRow(ctx, sqlSelectProductBySKU, skuCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, credit.ErrNotFound)
	}
	if err != nil {
		return credit.TopupProduct{}, wrapStoreError(credit.SubjectTopupProduct, errorCodeGet, err)
	}
	return product, nil
}

func (store *Store) ListTopupProducts(ctx context.Context, activeOnly bool) ([]credit.TopupProduct, error) {
	query := `select ` + productColumns + ` from topup_products`
	if activeOnly {
		query += ` where is_active`
	}
	query += ` order by sku_code`
	rows, err := store.db.Query(ctx, query)
	if err != nil {
		return nil, wrapStoreError(credit.SubjectTopupProduct, errorCodeList, err)
	}
	defer rows.Close()
	var products []credit.TopupProduct
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, wrapStoreError(credit.SubjectTopupProduct, errorCodeList, err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(credit.SubjectTopupProduct, errorCodeList, err)
	}
	return products, nil
}

func (store *Store) InsertAllocation(ctx context.Context, allocation credit.UsageAllocation) (credit.UsageAllocation, error) {
	row := store.db.QueryRow(ctx, sqlInsertAllocation,
		uuid.NewString(), allocation.UsageLogID, allocation.UserID, allocation.AccountID, allocation.AmountCredits)
	created, err := scanAllocation(row)
	if isUniqueViolation(err) {
		return credit.UsageAllocation{}, wrapStoreError(credit.SubjectAllocation, errorCodeDuplicate, credit.ErrConflict)
	}
	if err != nil {
		return credit.UsageAllocation{}, wrapStoreError(credit.SubjectAllocation, errorCodeInsert, err)
	}
	return created, nil
}

func (store *Store) ListAllocationsByUsageLog(ctx context.Context, usageLogID string) ([]credit.UsageAllocation, error) {
	rows, err := store.db.Query(ctx, sqlListAllocations, usageLogID)
	if err != nil {
		return nil, wrapStoreError(credit.SubjectAllocation, errorCodeList, err)
	}
	defer rows.Close()
	var allocations []credit.UsageAllocation
	for rows.Next() {
		allocation, err := scanAllocation(rows)
		if err != nil {
			return nil, wrapStoreError(credit.SubjectAllocation, errorCodeList, err)
		}
		allocations = append(allocations, allocation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(credit.SubjectAllocation, errorCodeList, err)
	}
	return allocations, nil
}

func scanAccount(row pgx.Row) (credit.CreditAccount, error) {
	var account credit.CreditAccount
	var ownerType, creditType, status string
	err := row.Scan(
		&account.AccountID, &ownerType, &account.OwnerTenantID, &account.OwnerUserID,
		&account.SourceTenantID, &creditType, &status, &account.DisplayName,
		&account.ExpiresAt, &account.MetadataJSON, &account.BalanceCredits,
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return credit.CreditAccount{}, err
	}
	account.OwnerType = credit.OwnerType(ownerType)
	account.CreditType = credit.CreditType(creditType)
	account.Status = credit.AccountStatus(status)
	return account, nil
}

func scanEntry(row pgx.Row) (credit.LedgerEntry, error) {
	var entry credit.LedgerEntry
	var entryType string
	err := row.Scan(
		&entry.EntryID, &entry.AccountID, &entryType, &entry.AmountCredits,
		&entry.Correlation.UsageLogID, &entry.Correlation.TransferID,
		&entry.Correlation.SubscriptionID, &entry.Correlation.InvoiceID,
		&entry.Correlation.PaymentTransactionID, &entry.OccurredAt, &entry.CreatedAt)
	if err != nil {
		return credit.LedgerEntry{}, err
	}
	entry.Type = credit.EntryType(entryType)
	return entry, nil
}

func scanTransfer(row pgx.Row) (credit.CreditTransfer, error) {
	var transfer credit.CreditTransfer
	var transferType, status string
	err := row.Scan(
		&transfer.TransferID, &transfer.FromAccountID, &transfer.ToAccountID,
		&transferType, &transfer.AmountCredits, &status, &transfer.RequestedBy,
		&transfer.ApprovedBy, &transfer.Reason, &transfer.CreatedAt, &transfer.CompletedAt)
	if err != nil {
		return credit.CreditTransfer{}, err
	}
	transfer.Type = credit.TransferType(transferType)
	transfer.Status = credit.TransferStatus(status)
	return transfer, nil
}

func scanPlanGrant(row pgx.Row) (credit.PlanGrant, error) {
	var plan credit.PlanGrant
	var cycle, creditType string
	err := row.Scan(
		&plan.PlanGrantID, &plan.PlanSlug, &cycle, &creditType,
		&plan.MonthlyCredits, &plan.InitialCredits, &plan.ExpiresInDays,
		&plan.IsActive, &plan.MetadataJSON)
	if err != nil {
		return credit.PlanGrant{}, err
	}
	plan.BillingCycle = credit.BillingCycle(cycle)
	plan.CreditType = credit.CreditType(creditType)
	return plan, nil
}

func scanProduct(row pgx.Row) (credit.TopupProduct, error) {
	var product credit.TopupProduct
	err := row.Scan(
		&product.ProductID, &product.SKUCode, &product.Name, &product.PriceUSDCents,
		&product.Credits, &product.BonusCredits, &product.Currency, &product.IsActive,
		&product.MetadataJSON, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return credit.TopupProduct{}, err
	}
	return product, nil
}

func scanAllocation(row pgx.Row) (credit.UsageAllocation, error) {
	var allocation credit.UsageAllocation
	err := row.Scan(
		&allocation.AllocationID, &allocation.UsageLogID, &allocation.UserID,
		&allocation.AccountID, &allocation.AmountCredits, &allocation.CreatedAt)
	if err != nil {
		return credit.UsageAllocation{}, err
	}
	return allocation, nil
}

func appendCondition(query string, args []any, set bool, column string, value any) (string, []any) {
	if !set {
		return query, args
	}
	args = append(args, value)
	return query + ` and ` + column + ` = ` + placeholderFor(len(args)), args
}

func placeholderFor(position int) string {
	return "$" + strconv.Itoa(position)
}

func wrapStoreError(subject credit.Subject, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
