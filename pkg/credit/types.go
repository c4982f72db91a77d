package credit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OwnerType identifies what kind of principal owns a credit account.
type OwnerType string

const (
	OwnerTenant OwnerType = "tenant"
	OwnerUser   OwnerType = "user"
)

// CreditType distinguishes subscription credit from purchased topup credit.
type CreditType string

const (
	CreditSubscription CreditType = "subscription"
	CreditTopup        CreditType = "topup"
)

// AccountStatus defines the credit account lifecycle.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountExpired   AccountStatus = "expired"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntrySubscriptionGrant EntryType = "subscription_grant"
	EntryTopupPurchase     EntryType = "topup_purchase"
	EntryTransferIn        EntryType = "transfer_in"
	EntryTransferOut       EntryType = "transfer_out"
	EntryUsage             EntryType = "usage"
	EntryAdjustment        EntryType = "adjustment"
	EntryExpiry            EntryType = "expiry"
	EntryRefund            EntryType = "refund"
	EntryReversal          EntryType = "reversal"
)

// TransferType defines the direction convention of an administrative transfer.
type TransferType string

const (
	TransferGrant  TransferType = "grant"
	TransferRevoke TransferType = "revoke"
)

// TransferStatus defines the transfer state machine states.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferRevoked   TransferStatus = "revoked"
	TransferCancelled TransferStatus = "cancelled"
)

// BillingCycle scopes plan grant configuration.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// OwnerRef identifies the owning principal of a credit account.
// Exactly one of TenantID/UserID is set depending on OwnerType;
// SourceTenantID is optional attribution for user-owned accounts.
type OwnerRef struct {
	OwnerType      OwnerType
	TenantID       string
	UserID         string
	SourceTenantID string
}

// CreditAccount is one credit balance per owner and credit type. The cached
// BalanceCredits is a projection over the account's ledger entries.
type CreditAccount struct {
	AccountID      string
	OwnerType      OwnerType
	OwnerTenantID  string
	OwnerUserID    string
	SourceTenantID string
	CreditType     CreditType
	Status         AccountStatus
	DisplayName    string
	ExpiresAt      *time.Time
	MetadataJSON   string
	BalanceCredits int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Correlation carries the optional reconciliation ids a ledger entry can
// reference. Zero values mean "not linked".
type Correlation struct {
	UsageLogID           string
	TransferID           string
	SubscriptionID       string
	InvoiceID            string
	PaymentTransactionID string
}

// LedgerEntry is a single immutable line in the ledger. Corrections are new
// reversal or adjustment entries, never edits.
type LedgerEntry struct {
	EntryID       string
	AccountID     string
	Type          EntryType
	AmountCredits int64
	OccurredAt    time.Time
	CreatedAt     time.Time
	Correlation   Correlation
}

// EntryInput describes a ledger entry to append.
type EntryInput struct {
	AccountID     string
	Type          EntryType
	AmountCredits int64
	OccurredAt    time.Time
	Correlation   Correlation
}

// CreditTransfer is an approval-gated movement of credits between two accounts.
type CreditTransfer struct {
	TransferID    string
	FromAccountID string
	ToAccountID   string
	Type          TransferType
	AmountCredits int64
	Status        TransferStatus
	RequestedBy   string
	ApprovedBy    string
	Reason        string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// PlanGrant is pure configuration: how much credit a plan issues on signup
// and each billing cycle. ExpiresInDays of zero means the credit never expires.
type PlanGrant struct {
	PlanGrantID    string
	PlanSlug       string
	BillingCycle   BillingCycle
	CreditType     CreditType
	MonthlyCredits int64
	InitialCredits int64
	ExpiresInDays  int
	IsActive       bool
	MetadataJSON   string
}

// TopupProduct is a purchasable credit bundle. Settlement happens externally;
// this subsystem only records the resulting credit.
type TopupProduct struct {
	ProductID     string
	SKUCode       string
	Name          string
	PriceUSDCents int64
	Credits       int64
	BonusCredits  int64
	Currency      string
	IsActive      bool
	MetadataJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UsageAllocation associates a usage event with one account that funded it.
type UsageAllocation struct {
	AllocationID  string
	UsageLogID    string
	UserID        string
	AccountID     string
	AmountCredits int64
	CreatedAt     time.Time
}

// AccountUpdate enumerates the mutable credit account fields. Nil pointers
// leave the field untouched; ClearExpiresAt removes an existing expiry.
type AccountUpdate struct {
	Status         *AccountStatus
	DisplayName    *string
	ExpiresAt      *time.Time
	ClearExpiresAt bool
	MetadataJSON   *string
}

// TopupProductUpdate enumerates the mutable topup product fields.
type TopupProductUpdate struct {
	Name          *string
	PriceUSDCents *int64
	Credits       *int64
	BonusCredits  *int64
	Currency      *string
	IsActive      *bool
	MetadataJSON  *string
}

// EntryFilter narrows ledger listings. Zero-valued fields are ignored.
type EntryFilter struct {
	AccountID   string
	EntryTypes  []EntryType
	OwnerType   OwnerType
	CreditType  CreditType
	TenantID    string
	UserID      string
	Correlation Correlation
}

// AccountFilter narrows account listings. Zero-valued fields are ignored.
type AccountFilter struct {
	OwnerType  OwnerType
	CreditType CreditType
	TenantID   string
	UserID     string
	Status     AccountStatus
}

// TransferFilter narrows transfer listings. Zero-valued fields are ignored.
type TransferFilter struct {
	AccountID string
	Status    TransferStatus
}

// Page bounds a listing.
type Page struct {
	Limit  int
	Offset int
}

// ParseOwnerType validates an owner type value.
func ParseOwnerType(raw string) (OwnerType, error) {
	switch OwnerType(raw) {
	case OwnerTenant, OwnerUser:
		return OwnerType(raw), nil
	}
	return "", fmt.Errorf("%w: unknown owner type %q", ErrValidation, raw)
}

// ParseCreditType validates a credit type value.
func ParseCreditType(raw string) (CreditType, error) {
	switch CreditType(raw) {
	case CreditSubscription, CreditTopup:
		return CreditType(raw), nil
	}
	return "", fmt.Errorf("%w: unknown credit type %q", ErrValidation, raw)
}

// ParseAccountStatus validates an account status value.
func ParseAccountStatus(raw string) (AccountStatus, error) {
	switch AccountStatus(raw) {
	case AccountActive, AccountSuspended, AccountExpired:
		return AccountStatus(raw), nil
	}
	return "", fmt.Errorf("%w: unknown account status %q", ErrValidation, raw)
}

// ParseEntryType validates a ledger entry type value.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntrySubscriptionGrant, EntryTopupPurchase, EntryTransferIn, EntryTransferOut,
		EntryUsage, EntryAdjustment, EntryExpiry, EntryRefund, EntryReversal:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: unknown entry type %q", ErrValidation, raw)
}

// ParseTransferType validates a transfer type value.
func ParseTransferType(raw string) (TransferType, error) {
	switch TransferType(raw) {
	case TransferGrant, TransferRevoke:
		return TransferType(raw), nil
	}
	return "", fmt.Errorf("%w: unknown transfer type %q", ErrValidation, raw)
}

// ParseTransferStatus validates a transfer status value.
func ParseTransferStatus(raw string) (TransferStatus, error) {
	switch TransferStatus(raw) {
	case TransferPending, TransferCompleted, TransferRevoked, TransferCancelled:
		return TransferStatus(raw), nil
	}
	return "", fmt.Errorf("%w: unknown transfer status %q", ErrValidation, raw)
}

// ParseBillingCycle validates a billing cycle value.
func ParseBillingCycle(raw string) (BillingCycle, error) {
	switch BillingCycle(raw) {
	case CycleMonthly, CycleYearly:
		return BillingCycle(raw), nil
	}
	return "", fmt.Errorf("%w: unknown billing cycle %q", ErrValidation, raw)
}

// Validate checks the owner reference: the id matching OwnerType must be set,
// the other must be empty.
func (owner OwnerRef) Validate() error {
	switch owner.OwnerType {
	case OwnerTenant:
		if strings.TrimSpace(owner.TenantID) == "" {
			return fmt.Errorf("%w: tenant owner requires tenant id", ErrValidation)
		}
		if owner.UserID != "" {
			return fmt.Errorf("%w: tenant owner must not carry a user id", ErrValidation)
		}
	case OwnerUser:
		if strings.TrimSpace(owner.UserID) == "" {
			return fmt.Errorf("%w: user owner requires user id", ErrValidation)
		}
		if owner.TenantID != "" {
			return fmt.Errorf("%w: user owner must not carry a tenant id", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown owner type %q", ErrValidation, owner.OwnerType)
	}
	return nil
}

// Validate checks an entry input before it reaches the store.
func (input EntryInput) Validate() error {
	if strings.TrimSpace(input.AccountID) == "" {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if _, err := ParseEntryType(string(input.Type)); err != nil {
		return err
	}
	if input.AmountCredits == 0 {
		return fmt.Errorf("%w: entry amount must be non-zero", ErrValidation)
	}
	return nil
}

// Validate checks plan grant configuration.
func (plan PlanGrant) Validate() error {
	if strings.TrimSpace(plan.PlanSlug) == "" {
		return fmt.Errorf("%w: plan slug is required", ErrValidation)
	}
	if _, err := ParseBillingCycle(string(plan.BillingCycle)); err != nil {
		return err
	}
	if _, err := ParseCreditType(string(plan.CreditType)); err != nil {
		return err
	}
	if plan.MonthlyCredits < 0 {
		return fmt.Errorf("%w: monthly credits must not be negative", ErrValidation)
	}
	if plan.InitialCredits < 0 {
		return fmt.Errorf("%w: initial credits must not be negative", ErrValidation)
	}
	if plan.ExpiresInDays < 0 {
		return fmt.Errorf("%w: expires_in_days must not be negative", ErrValidation)
	}
	return validateMetadata(plan.MetadataJSON)
}

// Validate checks topup product configuration.
func (product TopupProduct) Validate() error {
	if strings.TrimSpace(product.SKUCode) == "" {
		return fmt.Errorf("%w: sku code is required", ErrValidation)
	}
	if product.Credits <= 0 {
		return fmt.Errorf("%w: credits must be greater than zero", ErrValidation)
	}
	if product.BonusCredits < 0 {
		return fmt.Errorf("%w: bonus credits must not be negative", ErrValidation)
	}
	if product.PriceUSDCents < 0 {
		return fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	return validateMetadata(product.MetadataJSON)
}

// Empty reports whether no correlation id is set.
func (correlation Correlation) Empty() bool {
	return correlation == Correlation{}
}

func validateMetadata(raw string) error {
	if raw == "" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("%w: metadata must be valid json", ErrValidation)
	}
	return nil
}
