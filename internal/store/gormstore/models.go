package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount represents the credit_accounts table.
type CreditAccount struct {
	AccountID string `gorm:"type:uuid;primaryKey"`
	OwnerType string `gorm:"not null;index:idx_accounts_owner,unique,priority:1"`
	// Owner and source ids are empty strings rather than NULLs so the
	// uniqueness tuple behaves the same on postgres and sqlite.
	OwnerTenantID  string `gorm:"not null;default:'';index:idx_accounts_owner,unique,priority:2"`
	OwnerUserID    string `gorm:"not null;default:'';index:idx_accounts_owner,unique,priority:3"`
	CreditType     string `gorm:"not null;index:idx_accounts_owner,unique,priority:4"`
	SourceTenantID string `gorm:"not null;default:'';index:idx_accounts_owner,unique,priority:5"`
	Status         string `gorm:"not null"`
	DisplayName    string
	ExpiresAt      *time.Time
	Metadata       datatypes.JSON `gorm:"not null"`
	BalanceCredits int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

func (account *CreditAccount) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID              string    `gorm:"type:uuid;primaryKey"`
	AccountID            string    `gorm:"type:uuid;not null;index:idx_ledger_account_occurred,priority:1"`
	Type                 string    `gorm:"not null"`
	AmountCredits        int64     `gorm:"not null"`
	UsageLogID           *string   `gorm:"index"`
	TransferID           *string   `gorm:"index"`
	SubscriptionID       *string   `gorm:"index"`
	InvoiceID            *string   `gorm:"index"`
	PaymentTransactionID *string   `gorm:"uniqueIndex"`
	OccurredAt           time.Time `gorm:"not null;index:idx_ledger_account_occurred,priority:2,sort:desc"`
	CreatedAt            time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// CreditTransfer mirrors the credit_transfers table.
type CreditTransfer struct {
	TransferID    string `gorm:"type:uuid;primaryKey"`
	FromAccountID string `gorm:"type:uuid;not null;index"`
	ToAccountID   string `gorm:"type:uuid;not null;index"`
	TransferType  string `gorm:"not null"`
	AmountCredits int64  `gorm:"not null"`
	Status        string `gorm:"not null;index"`
	RequestedBy   string `gorm:"not null"`
	ApprovedBy    *string
	Reason        string
	CreatedAt     time.Time `gorm:"not null"`
	CompletedAt   *time.Time
}

func (CreditTransfer) TableName() string { return "credit_transfers" }

func (transfer *CreditTransfer) BeforeCreate(tx *gorm.DB) error {
	if transfer.TransferID == "" {
		transfer.TransferID = uuid.NewString()
	}
	return nil
}

// PlanGrant mirrors the plan_grants configuration table.
type PlanGrant struct {
	PlanGrantID    string `gorm:"type:uuid;primaryKey"`
	PlanSlug       string `gorm:"not null;index:idx_plan_grants_key,unique,priority:1"`
	BillingCycle   string `gorm:"not null;index:idx_plan_grants_key,unique,priority:2"`
	CreditType     string `gorm:"not null;index:idx_plan_grants_key,unique,priority:3"`
	MonthlyCredits int64  `gorm:"not null"`
	InitialCredits int64  `gorm:"not null"`
	ExpiresInDays  int
	IsActive       bool           `gorm:"not null"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (PlanGrant) TableName() string { return "plan_grants" }

func (plan *PlanGrant) BeforeCreate(tx *gorm.DB) error {
	if plan.PlanGrantID == "" {
		plan.PlanGrantID = uuid.NewString()
	}
	return nil
}

// TopupProduct mirrors the topup_products catalog table.
type TopupProduct struct {
	ProductID     string         `gorm:"type:uuid;primaryKey"`
	SKUCode       string         `gorm:"not null;uniqueIndex"`
	Name          string         `gorm:"not null"`
	PriceUSDCents int64          `gorm:"not null"`
	Credits       int64          `gorm:"not null"`
	BonusCredits  int64          `gorm:"not null"`
	Currency      string         `gorm:"not null"`
	IsActive      bool           `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (TopupProduct) TableName() string { return "topup_products" }

func (product *TopupProduct) BeforeCreate(tx *gorm.DB) error {
	if product.ProductID == "" {
		product.ProductID = uuid.NewString()
	}
	return nil
}

// UsageAllocation mirrors the usage_allocations table.
type UsageAllocation struct {
	AllocationID  string    `gorm:"type:uuid;primaryKey"`
	UsageLogID    string    `gorm:"not null;index:idx_allocations_usage_account,unique,priority:1"`
	UserID        string    `gorm:"not null;index"`
	AccountID     string    `gorm:"type:uuid;not null;index:idx_allocations_usage_account,unique,priority:2"`
	AmountCredits int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (UsageAllocation) TableName() string { return "usage_allocations" }

func (allocation *UsageAllocation) BeforeCreate(tx *gorm.DB) error {
	if allocation.AllocationID == "" {
		allocation.AllocationID = uuid.NewString()
	}
	return nil
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditAccount{},
		&LedgerEntry{},
		&CreditTransfer{},
		&PlanGrant{},
		&TopupProduct{},
		&UsageAllocation{},
	}
}
