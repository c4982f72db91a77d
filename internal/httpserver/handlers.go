package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"github.com/gin-gonic/gin"
)

type ownerPayload struct {
	OwnerType      string `json:"owner_type"`
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	SourceTenantID string `json:"source_tenant_id"`
}

func (payload ownerPayload) toDomain() credit.OwnerRef {
	return credit.OwnerRef{
		OwnerType:      credit.OwnerType(payload.OwnerType),
		TenantID:       payload.TenantID,
		UserID:         payload.UserID,
		SourceTenantID: payload.SourceTenantID,
	}
}

type createAccountRequest struct {
	Owner      ownerPayload `json:"owner"`
	CreditType string       `json:"credit_type"`
}

func (handler *httpHandler) handleGetOrCreateAccount(ctx *gin.Context) {
	var request createAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	account, err := handler.service.GetOrCreateAccount(ctx.Request.Context(), request.Owner.toDomain(), credit.CreditType(request.CreditType))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountToPayload(account)})
}

func (handler *httpHandler) handleGetAccount(ctx *gin.Context) {
	account, err := handler.service.GetAccount(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountToPayload(account)})
}

func (handler *httpHandler) handleListAccounts(ctx *gin.Context) {
	filter := credit.AccountFilter{
		OwnerType:  credit.OwnerType(ctx.Query("owner_type")),
		CreditType: credit.CreditType(ctx.Query("credit_type")),
		TenantID:   ctx.Query("tenant_id"),
		UserID:     ctx.Query("user_id"),
		Status:     credit.AccountStatus(ctx.Query("status")),
	}
	accounts, err := handler.service.ListAccounts(ctx.Request.Context(), filter, pageFromQuery(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]accountPayload, 0, len(accounts))
	for _, account := range accounts {
		payloads = append(payloads, accountToPayload(account))
	}
	ctx.JSON(http.StatusOK, gin.H{"accounts": payloads})
}

type updateAccountRequest struct {
	Status         *string    `json:"status"`
	DisplayName    *string    `json:"display_name"`
	ExpiresAt      *time.Time `json:"expires_at"`
	ClearExpiresAt bool       `json:"clear_expires_at"`
	Metadata       *string    `json:"metadata"`
}

func (handler *httpHandler) handleUpdateAccount(ctx *gin.Context) {
	var request updateAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	update := credit.AccountUpdate{
		DisplayName:    request.DisplayName,
		ExpiresAt:      request.ExpiresAt,
		ClearExpiresAt: request.ClearExpiresAt,
		MetadataJSON:   request.Metadata,
	}
	if request.Status != nil {
		status := credit.AccountStatus(*request.Status)
		update.Status = &status
	}
	account, err := handler.service.UpdateAccount(ctx.Request.Context(), ctx.Param("id"), update)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountToPayload(account)})
}

func (handler *httpHandler) handleRecomputeBalance(ctx *gin.Context) {
	account, err := handler.service.RecomputeBalance(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountToPayload(account)})
}

func (handler *httpHandler) handleExpireAccount(ctx *gin.Context) {
	account, err := handler.service.SetExpired(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": accountToPayload(account)})
}

func (handler *httpHandler) handleListAccountEntries(ctx *gin.Context) {
	filter := credit.EntryFilter{AccountID: ctx.Param("id")}
	for _, raw := range ctx.QueryArray("type") {
		filter.EntryTypes = append(filter.EntryTypes, credit.EntryType(raw))
	}
	entries, err := handler.service.ListEntries(ctx.Request.Context(), filter, pageFromQuery(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryToPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payloads})
}

type createTransferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	TransferType  string `json:"transfer_type"`
	AmountCredits int64  `json:"amount_credits"`
	Reason        string `json:"reason"`
}

func (handler *httpHandler) handleCreateTransfer(ctx *gin.Context) {
	var request createTransferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	transfer, err := handler.service.CreateTransfer(ctx.Request.Context(),
		request.FromAccountID, request.ToAccountID,
		credit.TransferType(request.TransferType), request.AmountCredits,
		actingSubject(ctx), request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"transfer": transferToPayload(transfer)})
}

func (handler *httpHandler) handleGetTransfer(ctx *gin.Context) {
	transfer, err := handler.service.GetTransfer(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transfer": transferToPayload(transfer)})
}

func (handler *httpHandler) handleListTransfers(ctx *gin.Context) {
	filter := credit.TransferFilter{
		AccountID: ctx.Query("account_id"),
		Status:    credit.TransferStatus(ctx.Query("status")),
	}
	transfers, err := handler.service.ListTransfers(ctx.Request.Context(), filter, pageFromQuery(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transferPayload, 0, len(transfers))
	for _, transfer := range transfers {
		payloads = append(payloads, transferToPayload(transfer))
	}
	ctx.JSON(http.StatusOK, gin.H{"transfers": payloads})
}

func (handler *httpHandler) handleCompleteTransfer(ctx *gin.Context) {
	transfer, err := handler.service.CompleteTransfer(ctx.Request.Context(), ctx.Param("id"), actingSubject(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transfer": transferToPayload(transfer)})
}

func (handler *httpHandler) handleCancelTransfer(ctx *gin.Context) {
	transfer, err := handler.service.CancelTransfer(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transfer": transferToPayload(transfer)})
}

func (handler *httpHandler) handleRevokeTransfer(ctx *gin.Context) {
	transfer, err := handler.service.RevokeTransfer(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transfer": transferToPayload(transfer)})
}

type allocateRequest struct {
	UsageLogID    string   `json:"usage_log_id"`
	UserID        string   `json:"user_id"`
	AccountIDs    []string `json:"account_ids"`
	AmountCredits int64    `json:"amount_credits"`
}

func (handler *httpHandler) handleAllocate(ctx *gin.Context) {
	var request allocateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	allocations, err := handler.service.Allocate(ctx.Request.Context(),
		request.UsageLogID, request.UserID, request.AccountIDs, request.AmountCredits)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allocations": allocationsToPayload(allocations)})
}

func (handler *httpHandler) handleListAllocations(ctx *gin.Context) {
	allocations, err := handler.service.ListAllocations(ctx.Request.Context(), ctx.Param("usage_log_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allocations": allocationsToPayload(allocations)})
}

type grantRequest struct {
	Owner          ownerPayload `json:"owner"`
	PlanSlug       string       `json:"plan_slug"`
	BillingCycle   string       `json:"billing_cycle"`
	CreditType     string       `json:"credit_type"`
	SubscriptionID string       `json:"subscription_id"`
}

func (handler *httpHandler) handleInitialGrant(ctx *gin.Context) {
	handler.handleGrant(ctx, handler.service.ApplyInitialGrant)
}

func (handler *httpHandler) handleRecurringGrant(ctx *gin.Context) {
	handler.handleGrant(ctx, handler.service.ApplyRecurringGrant)
}

func (handler *httpHandler) handleGrant(ctx *gin.Context, apply func(requestCtx context.Context, owner credit.OwnerRef, planSlug string, cycle credit.BillingCycle, creditType credit.CreditType, subscriptionID string) (credit.LedgerEntry, error)) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	entry, err := apply(ctx.Request.Context(), request.Owner.toDomain(), request.PlanSlug,
		credit.BillingCycle(request.BillingCycle), credit.CreditType(request.CreditType), request.SubscriptionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if entry.EntryID == "" {
		ctx.JSON(http.StatusOK, gin.H{"entry": nil})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryToPayload(entry)})
}

type planGrantPayload struct {
	PlanGrantID    string `json:"plan_grant_id,omitempty"`
	PlanSlug       string `json:"plan_slug"`
	BillingCycle   string `json:"billing_cycle"`
	CreditType     string `json:"credit_type"`
	MonthlyCredits int64  `json:"monthly_credits"`
	InitialCredits int64  `json:"initial_credits"`
	ExpiresInDays  int    `json:"expires_in_days"`
	IsActive       bool   `json:"is_active"`
	Metadata       string `json:"metadata,omitempty"`
}

func (handler *httpHandler) handleUpsertPlanGrant(ctx *gin.Context) {
	var request planGrantPayload
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	plan, err := handler.service.UpsertPlanGrant(ctx.Request.Context(), credit.PlanGrant{
		PlanSlug:       request.PlanSlug,
		BillingCycle:   credit.BillingCycle(request.BillingCycle),
		CreditType:     credit.CreditType(request.CreditType),
		MonthlyCredits: request.MonthlyCredits,
		InitialCredits: request.InitialCredits,
		ExpiresInDays:  request.ExpiresInDays,
		IsActive:       request.IsActive,
		MetadataJSON:   request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"plan_grant": planGrantToPayload(plan)})
}

func (handler *httpHandler) handleListPlanGrants(ctx *gin.Context) {
	plans, err := handler.service.ListPlanGrants(ctx.Request.Context(), ctx.Query("active") == "true")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]planGrantPayload, 0, len(plans))
	for _, plan := range plans {
		payloads = append(payloads, planGrantToPayload(plan))
	}
	ctx.JSON(http.StatusOK, gin.H{"plan_grants": payloads})
}

type topupProductPayload struct {
	ProductID     string `json:"product_id,omitempty"`
	SKUCode       string `json:"sku_code"`
	Name          string `json:"name"`
	PriceUSDCents int64  `json:"price_usd_cents"`
	Credits       int64  `json:"credits"`
	BonusCredits  int64  `json:"bonus_credits"`
	Currency      string `json:"currency"`
	IsActive      bool   `json:"is_active"`
	Metadata      string `json:"metadata,omitempty"`
}

func (handler *httpHandler) handleCreateTopupProduct(ctx *gin.Context) {
	var request topupProductPayload
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	product, err := handler.service.CreateTopupProduct(ctx.Request.Context(), credit.TopupProduct{
		SKUCode:       request.SKUCode,
		Name:          request.Name,
		PriceUSDCents: request.PriceUSDCents,
		Credits:       request.Credits,
		BonusCredits:  request.BonusCredits,
		Currency:      request.Currency,
		IsActive:      request.IsActive,
		MetadataJSON:  request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"product": productToPayload(product)})
}

type updateTopupProductRequest struct {
	Name          *string `json:"name"`
	PriceUSDCents *int64  `json:"price_usd_cents"`
	Credits       *int64  `json:"credits"`
	BonusCredits  *int64  `json:"bonus_credits"`
	Currency      *string `json:"currency"`
	IsActive      *bool   `json:"is_active"`
	Metadata      *string `json:"metadata"`
}

func (handler *httpHandler) handleUpdateTopupProduct(ctx *gin.Context) {
	var request updateTopupProductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	product, err := handler.service.UpdateTopupProduct(ctx.Request.Context(), ctx.Param("id"), credit.TopupProductUpdate{
		Name:          request.Name,
		PriceUSDCents: request.PriceUSDCents,
		Credits:       request.Credits,
		BonusCredits:  request.BonusCredits,
		Currency:      request.Currency,
		IsActive:      request.IsActive,
		MetadataJSON:  request.Metadata,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product": productToPayload(product)})
}

func (handler *httpHandler) handleListTopupProducts(ctx *gin.Context) {
	products, err := handler.service.ListTopupProducts(ctx.Request.Context(), ctx.Query("active") == "true")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]topupProductPayload, 0, len(products))
	for _, product := range products {
		payloads = append(payloads, productToPayload(product))
	}
	ctx.JSON(http.StatusOK, gin.H{"products": payloads})
}

type topupPurchaseRequest struct {
	AccountID            string `json:"account_id"`
	SKUCode              string `json:"sku_code"`
	PaymentTransactionID string `json:"payment_transaction_id"`
	InvoiceID            string `json:"invoice_id"`
}

func (handler *httpHandler) handleTopupPurchase(ctx *gin.Context) {
	var request topupPurchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	entry, err := handler.service.RecordTopupPurchase(ctx.Request.Context(),
		request.AccountID, request.SKUCode, request.PaymentTransactionID, request.InvoiceID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entry": entryToPayload(entry)})
}

type accountPayload struct {
	AccountID      string     `json:"account_id"`
	OwnerType      string     `json:"owner_type"`
	OwnerTenantID  string     `json:"owner_tenant_id,omitempty"`
	OwnerUserID    string     `json:"owner_user_id,omitempty"`
	SourceTenantID string     `json:"source_tenant_id,omitempty"`
	CreditType     string     `json:"credit_type"`
	Status         string     `json:"status"`
	DisplayName    string     `json:"display_name,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Metadata       string     `json:"metadata,omitempty"`
	BalanceCredits int64      `json:"balance_credits"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func accountToPayload(account credit.CreditAccount) accountPayload {
	return accountPayload{
		AccountID:      account.AccountID,
		OwnerType:      string(account.OwnerType),
		OwnerTenantID:  account.OwnerTenantID,
		OwnerUserID:    account.OwnerUserID,
		SourceTenantID: account.SourceTenantID,
		CreditType:     string(account.CreditType),
		Status:         string(account.Status),
		DisplayName:    account.DisplayName,
		ExpiresAt:      account.ExpiresAt,
		Metadata:       account.MetadataJSON,
		BalanceCredits: account.BalanceCredits,
		CreatedAt:      account.CreatedAt,
		UpdatedAt:      account.UpdatedAt,
	}
}

type entryPayload struct {
	EntryID              string    `json:"entry_id"`
	AccountID            string    `json:"account_id"`
	Type                 string    `json:"type"`
	AmountCredits        int64     `json:"amount_credits"`
	UsageLogID           string    `json:"usage_log_id,omitempty"`
	TransferID           string    `json:"transfer_id,omitempty"`
	SubscriptionID       string    `json:"subscription_id,omitempty"`
	InvoiceID            string    `json:"invoice_id,omitempty"`
	PaymentTransactionID string    `json:"payment_transaction_id,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
	CreatedAt            time.Time `json:"created_at"`
}

func entryToPayload(entry credit.LedgerEntry) entryPayload {
	return entryPayload{
		EntryID:              entry.EntryID,
		AccountID:            entry.AccountID,
		Type:                 string(entry.Type),
		AmountCredits:        entry.AmountCredits,
		UsageLogID:           entry.Correlation.UsageLogID,
		TransferID:           entry.Correlation.TransferID,
		SubscriptionID:       entry.Correlation.SubscriptionID,
		InvoiceID:            entry.Correlation.InvoiceID,
		PaymentTransactionID: entry.Correlation.PaymentTransactionID,
		OccurredAt:           entry.OccurredAt,
		CreatedAt:            entry.CreatedAt,
	}
}

type transferPayload struct {
	TransferID    string     `json:"transfer_id"`
	FromAccountID string     `json:"from_account_id"`
	ToAccountID   string     `json:"to_account_id"`
	TransferType  string     `json:"transfer_type"`
	AmountCredits int64      `json:"amount_credits"`
	Status        string     `json:"status"`
	RequestedBy   string     `json:"requested_by"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func transferToPayload(transfer credit.CreditTransfer) transferPayload {
	return transferPayload{
		TransferID:    transfer.TransferID,
		FromAccountID: transfer.FromAccountID,
		ToAccountID:   transfer.ToAccountID,
		TransferType:  string(transfer.Type),
		AmountCredits: transfer.AmountCredits,
		Status:        string(transfer.Status),
		RequestedBy:   transfer.RequestedBy,
		ApprovedBy:    transfer.ApprovedBy,
		Reason:        transfer.Reason,
		CreatedAt:     transfer.CreatedAt,
		CompletedAt:   transfer.CompletedAt,
	}
}

type allocationPayload struct {
	AllocationID  string    `json:"allocation_id"`
	UsageLogID    string    `json:"usage_log_id"`
	UserID        string    `json:"user_id"`
	AccountID     string    `json:"account_id"`
	AmountCredits int64     `json:"amount_credits"`
	CreatedAt     time.Time `json:"created_at"`
}

func allocationsToPayload(allocations []credit.UsageAllocation) []allocationPayload {
	payloads := make([]allocationPayload, 0, len(allocations))
	for _, allocation := range allocations {
		payloads = append(payloads, allocationPayload{
			AllocationID:  allocation.AllocationID,
			UsageLogID:    allocation.UsageLogID,
			UserID:        allocation.UserID,
			AccountID:     allocation.AccountID,
			AmountCredits: allocation.AmountCredits,
			CreatedAt:     allocation.CreatedAt,
		})
	}
	return payloads
}

func planGrantToPayload(plan credit.PlanGrant) planGrantPayload {
	return planGrantPayload{
		PlanGrantID:    plan.PlanGrantID,
		PlanSlug:       plan.PlanSlug,
		BillingCycle:   string(plan.BillingCycle),
		CreditType:     string(plan.CreditType),
		MonthlyCredits: plan.MonthlyCredits,
		InitialCredits: plan.InitialCredits,
		ExpiresInDays:  plan.ExpiresInDays,
		IsActive:       plan.IsActive,
		Metadata:       plan.MetadataJSON,
	}
}

func productToPayload(product credit.TopupProduct) topupProductPayload {
	return topupProductPayload{
		ProductID:     product.ProductID,
		SKUCode:       product.SKUCode,
		Name:          product.Name,
		PriceUSDCents: product.PriceUSDCents,
		Credits:       product.Credits,
		BonusCredits:  product.BonusCredits,
		Currency:      product.Currency,
		IsActive:      product.IsActive,
		Metadata:      product.MetadataJSON,
	}
}

func pageFromQuery(ctx *gin.Context) credit.Page {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	offset, _ := strconv.Atoi(ctx.Query("offset"))
	return credit.Page{Limit: limit, Offset: offset}
}
