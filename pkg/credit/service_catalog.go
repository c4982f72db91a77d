package credit

import (
	"context"
	"fmt"
	"strings"
)

// CreateTopupProduct validates and stores a purchasable credit bundle.
func (service *Service) CreateTopupProduct(ctx context.Context, product TopupProduct) (TopupProduct, error) {
	if err := product.Validate(); err != nil {
		return TopupProduct{}, err
	}
	return service.store.CreateTopupProduct(ctx, product)
}

// UpdateTopupProduct applies the typed partial update to a product.
func (service *Service) UpdateTopupProduct(ctx context.Context, productID string, update TopupProductUpdate) (TopupProduct, error) {
	if update.Credits != nil && *update.Credits <= 0 {
		return TopupProduct{}, fmt.Errorf("%w: credits must be greater than zero", ErrValidation)
	}
	if update.BonusCredits != nil && *update.BonusCredits < 0 {
		return TopupProduct{}, fmt.Errorf("%w: bonus credits must not be negative", ErrValidation)
	}
	if update.PriceUSDCents != nil && *update.PriceUSDCents < 0 {
		return TopupProduct{}, fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	if update.MetadataJSON != nil {
		if err := validateMetadata(*update.MetadataJSON); err != nil {
			return TopupProduct{}, err
		}
	}
	return service.store.UpdateTopupProductFields(ctx, productID, update)
}

// GetTopupProductBySKU returns one product by its sku code.
func (service *Service) GetTopupProductBySKU(ctx context.Context, skuCode string) (TopupProduct, error) {
	return service.store.GetTopupProductBySKU(ctx, skuCode)
}

// ListTopupProducts lists the catalog, optionally restricted to active
// products.
func (service *Service) ListTopupProducts(ctx context.Context, activeOnly bool) ([]TopupProduct, error) {
	return service.store.ListTopupProducts(ctx, activeOnly)
}

// RecordTopupPurchase records the credit effect of an externally settled
// topup purchase: one topup_purchase entry of credits plus bonus credits.
// Idempotent per payment transaction id; a repeated call returns the entry
// already written.
func (service *Service) RecordTopupPurchase(ctx context.Context, accountID, skuCode, paymentTransactionID, invoiceID string) (LedgerEntry, error) {
	var recorded LedgerEntry
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if strings.TrimSpace(paymentTransactionID) == "" {
			return fmt.Errorf("%w: payment transaction id is required", ErrValidation)
		}
		existing, found, err := txStore.FindEntryByPaymentTransaction(ctx, paymentTransactionID)
		if err != nil {
			return err
		}
		if found {
			recorded = existing
			return nil
		}
		product, err := txStore.GetTopupProductBySKU(ctx, skuCode)
		if err != nil {
			return err
		}
		if !product.IsActive {
			return fmt.Errorf("%w: product %s is inactive", ErrInvalidState, skuCode)
		}
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if account.CreditType != CreditTopup {
			return fmt.Errorf("%w: topup purchases credit topup accounts, not %s",
				ErrValidation, account.CreditType)
		}
		recorded, err = service.appendEntry(ctx, txStore, EntryInput{
			AccountID:     accountID,
			Type:          EntryTopupPurchase,
			AmountCredits: product.Credits + product.BonusCredits,
			OccurredAt:    service.nowFn(),
			Correlation: Correlation{
				PaymentTransactionID: paymentTransactionID,
				InvoiceID:            invoiceID,
			},
		})
		return err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationTopupPurchase,
		AccountID: accountID,
		Amount:    recorded.AmountCredits,
		Error:     operationError,
	})
	return recorded, operationError
}
