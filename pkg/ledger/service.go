package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service contains the credit domain logic over a Store.
type Service struct {
	store         Store
	nowFn         func() time.Time
	newID         func() string
	logger        OperationLogger
	debitAttempts int
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		nowFn:         now,
		newID:         uuid.NewString,
		debitAttempts: defaultDebitAttempts,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Grant credits an account once per external reference. Replays of the same
// reference return the current balance with Duplicate set.
func (service *Service) Grant(ctx context.Context, request GrantRequest) (Receipt, error) {
	receipt, operationError := service.grant(ctx, request)
	outcome := ""
	if receipt.Duplicate {
		outcome = OutcomeDuplicate
	}
	EmitOperation(ctx, service.logger, OperationLog{
		Operation: operationGrant,
		UserID:    request.UserID,
		Reference: request.ExternalRef.String(),
		Amount:    request.Amount,
		Balance:   receipt.Balance,
		Outcome:   outcome,
		Error:     operationError,
	})
	return receipt, operationError
}

func (service *Service) grant(ctx context.Context, request GrantRequest) (Receipt, error) {
	if request.UserID.IsZero() {
		return Receipt{}, ErrInvalidUserID
	}
	if request.Amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.ExternalRef.String() == "" {
		return Receipt{}, ErrInvalidExternalRef
	}
	metadata, err := grantMetadata(request.PackageRef)
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := service.retryOnConflict(func() (Receipt, error) {
		return service.applyGrant(ctx, request, metadata)
	})
	if errors.Is(err, ErrDuplicateExternalRef) {
		return service.replayGrant(ctx, request)
	}
	return receipt, err
}

func (service *Service) applyGrant(ctx context.Context, request GrantRequest, metadata MetadataJSON) (Receipt, error) {
	var receipt Receipt
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, found, err := transactionStore.FindGrant(ctx, request.ExternalRef)
		if err != nil {
			return err
		}
		account, err := transactionStore.EnsureAccount(ctx, request.UserID)
		if err != nil {
			return err
		}
		if found {
			if err := checkGrantOwner(existing, request.UserID); err != nil {
				return err
			}
			receipt = Receipt{TransactionID: existing.ID, Balance: account.Balance, Duplicate: true}
			return nil
		}
		nowUTC := service.nowFn().UTC()
		update := BalanceUpdate{
			UserID:          account.UserID,
			ExpectedBalance: account.Balance,
			BalanceDelta:    request.Amount.Int64(),
			GrantedDelta:    request.Amount.Int64(),
			UpdatedAt:       nowUTC,
		}
		transaction := Transaction{
			ID:           service.newID(),
			UserID:       account.UserID,
			Kind:         KindGrant,
			Amount:       request.Amount.Int64(),
			BalanceAfter: update.NewBalance(),
			ExternalRef:  request.ExternalRef.String(),
			Description:  request.Description,
			Metadata:     metadata,
			CreatedAt:    nowUTC,
		}
		if err := service.commit(ctx, transactionStore, update, transaction); err != nil {
			return err
		}
		receipt = Receipt{TransactionID: transaction.ID, Balance: transaction.BalanceAfter}
		return nil
	})
	return receipt, err
}

// replayGrant answers a grant that lost the unique-index race to a concurrent writer.
func (service *Service) replayGrant(ctx context.Context, request GrantRequest) (Receipt, error) {
	existing, found, err := service.store.FindGrant(ctx, request.ExternalRef)
	if err != nil {
		return Receipt{}, err
	}
	if !found {
		return Receipt{}, ErrConflict
	}
	if err := checkGrantOwner(existing, request.UserID); err != nil {
		return Receipt{}, err
	}
	account, err := service.store.EnsureAccount(ctx, request.UserID)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TransactionID: existing.ID, Balance: account.Balance, Duplicate: true}, nil
}

// Debit spends credits against a freshly read balance. It fails with
// ErrInsufficientBalance before any write when the balance cannot cover amount.
func (service *Service) Debit(ctx context.Context, request DebitRequest) (Receipt, error) {
	receipt, operationError := service.debit(ctx, request)
	EmitOperation(ctx, service.logger, OperationLog{
		Operation: operationDebit,
		UserID:    request.UserID,
		Subject:   request.SubjectRef.String(),
		Amount:    request.Amount,
		Balance:   receipt.Balance,
		Error:     operationError,
	})
	return receipt, operationError
}

func (service *Service) debit(ctx context.Context, request DebitRequest) (Receipt, error) {
	if request.UserID.IsZero() {
		return Receipt{}, ErrInvalidUserID
	}
	if request.Amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.SubjectRef.String() == "" {
		return Receipt{}, ErrInvalidSubjectRef
	}
	return service.retryOnConflict(func() (Receipt, error) {
		var receipt Receipt
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.EnsureAccount(ctx, request.UserID)
			if err != nil {
				return err
			}
			if account.Balance < request.Amount {
				return ErrInsufficientBalance
			}
			nowUTC := service.nowFn().UTC()
			update := BalanceUpdate{
				UserID:          account.UserID,
				ExpectedBalance: account.Balance,
				BalanceDelta:    -request.Amount.Int64(),
				SpentDelta:      request.Amount.Int64(),
				UpdatedAt:       nowUTC,
			}
			transaction := Transaction{
				ID:           service.newID(),
				UserID:       account.UserID,
				Kind:         KindSpend,
				Amount:       -request.Amount.Int64(),
				BalanceAfter: update.NewBalance(),
				SubjectRef:   request.SubjectRef.String(),
				Description:  request.Description,
				CreatedAt:    nowUTC,
			}
			if err := service.commit(ctx, transactionStore, update, transaction); err != nil {
				return err
			}
			receipt = Receipt{TransactionID: transaction.ID, Balance: transaction.BalanceAfter}
			return nil
		})
		return receipt, err
	})
}

// Refund returns credits taken by an earlier debit. It never checks the
// balance and is not idempotent: callers must not retry a failed refund.
func (service *Service) Refund(ctx context.Context, request RefundRequest) (Receipt, error) {
	receipt, operationError := service.refund(ctx, request)
	EmitOperation(ctx, service.logger, OperationLog{
		Operation:              operationRefund,
		UserID:                 request.UserID,
		Subject:                request.SubjectRef.String(),
		Amount:                 request.Amount,
		Balance:                receipt.Balance,
		RequiresReconciliation: operationError != nil,
		Error:                  operationError,
	})
	return receipt, operationError
}

func (service *Service) refund(ctx context.Context, request RefundRequest) (Receipt, error) {
	if request.UserID.IsZero() {
		return Receipt{}, ErrInvalidUserID
	}
	if request.Amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.SubjectRef.String() == "" {
		return Receipt{}, ErrInvalidSubjectRef
	}
	return service.retryOnConflict(func() (Receipt, error) {
		var receipt Receipt
		err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			account, err := transactionStore.EnsureAccount(ctx, request.UserID)
			if err != nil {
				return err
			}
			spentReduction := request.Amount
			if spentReduction > account.TotalSpent {
				spentReduction = account.TotalSpent
			}
			nowUTC := service.nowFn().UTC()
			update := BalanceUpdate{
				UserID:          account.UserID,
				ExpectedBalance: account.Balance,
				BalanceDelta:    request.Amount.Int64(),
				SpentDelta:      -spentReduction.Int64(),
				UpdatedAt:       nowUTC,
			}
			transaction := Transaction{
				ID:           service.newID(),
				UserID:       account.UserID,
				Kind:         KindRefund,
				Amount:       request.Amount.Int64(),
				BalanceAfter: update.NewBalance(),
				SubjectRef:   request.SubjectRef.String(),
				Description:  request.Description,
				CreatedAt:    nowUTC,
			}
			if err := service.commit(ctx, transactionStore, update, transaction); err != nil {
				return err
			}
			receipt = Receipt{TransactionID: transaction.ID, Balance: transaction.BalanceAfter}
			return nil
		})
		return receipt, err
	})
}

// commit applies the balance CAS and appends the transaction inside the caller's tx.
func (service *Service) commit(ctx context.Context, transactionStore Store, update BalanceUpdate, transaction Transaction) error {
	if update.NewBalance() < 0 {
		return WrapError("service", "balance", "negative", ErrInvalidBalance)
	}
	swapped, err := transactionStore.CompareAndSwapBalance(ctx, update)
	if err != nil {
		return err
	}
	if !swapped {
		return ErrConflict
	}
	return transactionStore.InsertTransaction(ctx, transaction)
}

func (service *Service) retryOnConflict(attempt func() (Receipt, error)) (Receipt, error) {
	for attemptNumber := 1; ; attemptNumber++ {
		receipt, err := attempt()
		if !errors.Is(err, ErrConflict) {
			return receipt, err
		}
		if attemptNumber >= service.debitAttempts {
			return Receipt{}, fmt.Errorf("%w: gave up after %d attempts", err, attemptNumber)
		}
	}
}

// checkGrantOwner rejects a replayed reference that credited someone else.
func checkGrantOwner(existing Transaction, userID UserID) error {
	if existing.UserID != userID.String() {
		return WrapError("service", "external_ref", "owner_mismatch", ErrExternalRefOwner)
	}
	return nil
}

func grantMetadata(packageRef string) (MetadataJSON, error) {
	if packageRef == "" {
		return NewMetadataJSON("")
	}
	raw, err := json.Marshal(map[string]string{metadataKeyPackageRef: packageRef})
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
