package credit

import (
	"context"
	"fmt"
	"strings"
)

// CreateTransfer validates and records a pending transfer. No ledger effect:
// funds only move on completion, so pending transfers act as an approval
// gate.
func (service *Service) CreateTransfer(ctx context.Context, fromAccountID, toAccountID string, transferType TransferType, amountCredits int64, requestedBy, reason string) (CreditTransfer, error) {
	var created CreditTransfer
	operationError := func() error {
		if _, err := ParseTransferType(string(transferType)); err != nil {
			return err
		}
		if amountCredits <= 0 {
			return fmt.Errorf("%w: transfer amount must be greater than zero", ErrValidation)
		}
		if strings.TrimSpace(requestedBy) == "" {
			return fmt.Errorf("%w: requested_by is required", ErrValidation)
		}
		if fromAccountID == toAccountID {
			return fmt.Errorf("%w: transfer endpoints must differ", ErrValidation)
		}
		fromAccount, err := service.store.GetAccount(ctx, fromAccountID)
		if err != nil {
			return err
		}
		toAccount, err := service.store.GetAccount(ctx, toAccountID)
		if err != nil {
			return err
		}
		if fromAccount.CreditType != toAccount.CreditType {
			return fmt.Errorf("%w: accounts carry incompatible credit types %s and %s",
				ErrValidation, fromAccount.CreditType, toAccount.CreditType)
		}
		created, err = service.store.CreateTransfer(ctx, CreditTransfer{
			FromAccountID: fromAccountID,
			ToAccountID:   toAccountID,
			Type:          transferType,
			AmountCredits: amountCredits,
			Status:        TransferPending,
			RequestedBy:   requestedBy,
			Reason:        reason,
		})
		return err
	}()
	service.logOperation(ctx, OperationLog{
		Operation:  operationCreateTransfer,
		AccountID:  fromAccountID,
		TransferID: created.TransferID,
		Amount:     amountCredits,
		Error:      operationError,
	})
	return created, operationError
}

// CompleteTransfer moves the funds of a pending transfer: one transfer_out
// entry on the debited account, one transfer_in on the credited account, and
// the status flip, all in one transaction. Of two racing completions exactly
// one succeeds; the loser observes ErrInvalidState.
func (service *Service) CompleteTransfer(ctx context.Context, transferID, approvedBy string) (CreditTransfer, error) {
	var completed CreditTransfer
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if strings.TrimSpace(approvedBy) == "" {
			return fmt.Errorf("%w: approved_by is required", ErrValidation)
		}
		transfer, err := txStore.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != TransferPending {
			return fmt.Errorf("%w: transfer %s is %s, only pending transfers complete",
				ErrInvalidState, transferID, transfer.Status)
		}
		debited, credited := transfer.debitCreditAccounts()
		accounts, err := lockAccountPair(ctx, txStore, debited, credited)
		if err != nil {
			return err
		}
		if accounts[debited].BalanceCredits < transfer.AmountCredits {
			return fmt.Errorf("%w: account %s holds %d credits, transfer needs %d",
				ErrInsufficientBalance, debited, accounts[debited].BalanceCredits, transfer.AmountCredits)
		}
		now := service.nowFn()
		if err := txStore.UpdateTransferStatus(ctx, transferID, TransferPending, TransferCompleted, approvedBy, &now); err != nil {
			return err
		}
		correlation := Correlation{TransferID: transferID}
		if _, err := service.appendEntry(ctx, txStore, EntryInput{
			AccountID:     debited,
			Type:          EntryTransferOut,
			AmountCredits: -transfer.AmountCredits,
			OccurredAt:    now,
			Correlation:   correlation,
		}); err != nil {
			return err
		}
		if _, err := service.appendEntry(ctx, txStore, EntryInput{
			AccountID:     credited,
			Type:          EntryTransferIn,
			AmountCredits: transfer.AmountCredits,
			OccurredAt:    now,
			Correlation:   correlation,
		}); err != nil {
			return err
		}
		transfer.Status = TransferCompleted
		transfer.ApprovedBy = approvedBy
		transfer.CompletedAt = &now
		completed = transfer
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationCompleteTransfer,
		TransferID: transferID,
		Amount:     completed.AmountCredits,
		Error:      operationError,
	})
	return completed, operationError
}

// CancelTransfer terminates a pending transfer without ledger effect.
func (service *Service) CancelTransfer(ctx context.Context, transferID string) (CreditTransfer, error) {
	transfer, operationError := service.closePendingTransfer(ctx, transferID, TransferCancelled)
	service.logOperation(ctx, OperationLog{
		Operation:  operationCancelTransfer,
		TransferID: transferID,
		Error:      operationError,
	})
	return transfer, operationError
}

// RevokeTransfer terminates a pending transfer like cancel, or claws back a
// completed one by appending offsetting reversal entries. The claw-back
// fails with ErrInsufficientBalance, leaving the transfer completed, when
// the receiving account no longer holds the transferred credits.
func (service *Service) RevokeTransfer(ctx context.Context, transferID string) (CreditTransfer, error) {
	var revoked CreditTransfer
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transfer, err := txStore.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		switch transfer.Status {
		case TransferPending:
			// Nothing committed, nothing to reverse.
			if err := txStore.UpdateTransferStatus(ctx, transferID, TransferPending, TransferRevoked, "", nil); err != nil {
				return err
			}
			transfer.Status = TransferRevoked
			revoked = transfer
			return nil
		case TransferCompleted:
			debited, credited := transfer.debitCreditAccounts()
			accounts, err := lockAccountPair(ctx, txStore, debited, credited)
			if err != nil {
				return err
			}
			if accounts[credited].BalanceCredits < transfer.AmountCredits {
				return fmt.Errorf("%w: account %s holds %d credits, claw-back needs %d",
					ErrInsufficientBalance, credited, accounts[credited].BalanceCredits, transfer.AmountCredits)
			}
			if err := txStore.UpdateTransferStatus(ctx, transferID, TransferCompleted, TransferRevoked, "", nil); err != nil {
				return err
			}
			now := service.nowFn()
			correlation := Correlation{TransferID: transferID}
			if _, err := service.appendEntry(ctx, txStore, EntryInput{
				AccountID:     credited,
				Type:          EntryReversal,
				AmountCredits: -transfer.AmountCredits,
				OccurredAt:    now,
				Correlation:   correlation,
			}); err != nil {
				return err
			}
			if _, err := service.appendEntry(ctx, txStore, EntryInput{
				AccountID:     debited,
				Type:          EntryReversal,
				AmountCredits: transfer.AmountCredits,
				OccurredAt:    now,
				Correlation:   correlation,
			}); err != nil {
				return err
			}
			transfer.Status = TransferRevoked
			revoked = transfer
			return nil
		default:
			return fmt.Errorf("%w: transfer %s is %s, a terminal state",
				ErrInvalidState, transferID, transfer.Status)
		}
	})
	service.logOperation(ctx, OperationLog{
		Operation:  operationRevokeTransfer,
		TransferID: transferID,
		Amount:     revoked.AmountCredits,
		Error:      operationError,
	})
	return revoked, operationError
}

// GetTransfer returns one transfer by id.
func (service *Service) GetTransfer(ctx context.Context, transferID string) (CreditTransfer, error) {
	return service.store.GetTransfer(ctx, transferID)
}

// ListTransfers lists transfers matching the filter, newest first.
func (service *Service) ListTransfers(ctx context.Context, filter TransferFilter, page Page) ([]CreditTransfer, error) {
	if filter.Status != "" {
		if _, err := ParseTransferStatus(string(filter.Status)); err != nil {
			return nil, err
		}
	}
	return service.store.ListTransfers(ctx, filter, clampPage(page))
}

func (service *Service) closePendingTransfer(ctx context.Context, transferID string, terminal TransferStatus) (CreditTransfer, error) {
	var closed CreditTransfer
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transfer, err := txStore.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if transfer.Status != TransferPending {
			return fmt.Errorf("%w: transfer %s is %s, only pending transfers close",
				ErrInvalidState, transferID, transfer.Status)
		}
		if err := txStore.UpdateTransferStatus(ctx, transferID, TransferPending, terminal, "", nil); err != nil {
			return err
		}
		transfer.Status = terminal
		closed = transfer
		return nil
	})
	return closed, err
}

// debitCreditAccounts resolves the direction convention: grant moves credit
// from→to, revoke claws it back to→from.
func (transfer CreditTransfer) debitCreditAccounts() (debited, credited string) {
	if transfer.Type == TransferRevoke {
		return transfer.ToAccountID, transfer.FromAccountID
	}
	return transfer.FromAccountID, transfer.ToAccountID
}

// lockAccountPair acquires both row locks in ascending account id order so
// concurrent transfers touching the same pair cannot deadlock.
func lockAccountPair(ctx context.Context, txStore Store, first, second string) (map[string]CreditAccount, error) {
	ordered := []string{first, second}
	if ordered[1] < ordered[0] {
		ordered[0], ordered[1] = ordered[1], ordered[0]
	}
	accounts := make(map[string]CreditAccount, 2)
	for _, accountID := range ordered {
		account, err := txStore.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			return nil, err
		}
		accounts[accountID] = account
	}
	return accounts, nil
}
