package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) EnsureAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	nowUTC := time.Now().UTC()
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&CreditAccount{UserID: userID.String(), CreatedAt: nowUTC, UpdatedAt: nowUTC}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var model CreditAccount
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error; err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapCreditAccount(model), nil
}

func (store *LedgerStore) FindGrant(ctx context.Context, externalRef ledger.ExternalRef) (ledger.Transaction, bool, error) {
	var model CreditTransaction
	err := store.db.WithContext(ctx).
		Where("kind = ? AND external_ref = ?", ledger.KindGrant.String(), externalRef.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapCreditTransaction(model)
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

func (store *LedgerStore) CompareAndSwapBalance(ctx context.Context, update ledger.BalanceUpdate) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("user_id = ? AND balance = ?", update.UserID, update.ExpectedBalance.Int64()).
		Updates(map[string]any{
			"balance":       update.NewBalance().Int64(),
			"total_granted": gorm.Expr("total_granted + ?", update.GrantedDelta),
			"total_spent":   gorm.Expr("total_spent + ?", update.SpentDelta),
			"updated_at":    update.UpdatedAt,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeCompareAndSwap, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *LedgerStore) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	model := CreditTransaction{
		ID:           transaction.ID,
		UserID:       transaction.UserID,
		Kind:         transaction.Kind.String(),
		Amount:       transaction.Amount,
		BalanceAfter: transaction.BalanceAfter.Int64(),
		ExternalRef:  optionalString(transaction.ExternalRef),
		SubjectRef:   optionalString(transaction.SubjectRef),
		Description:  transaction.Description,
		Metadata:     datatypesJSON(transaction.Metadata.String()),
		CreatedAt:    transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintGrantExternalRef, sqliteColumnGrantExternalRef) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *LedgerStore) ListTransactions(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before.UTC()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapCreditAccount(model CreditAccount) ledger.Account {
	return ledger.Account{
		UserID:       model.UserID,
		Balance:      ledger.Credits(model.Balance),
		TotalGranted: ledger.Credits(model.TotalGranted),
		TotalSpent:   ledger.Credits(model.TotalSpent),
		CreatedAt:    model.CreatedAt,
		UpdatedAt:    model.UpdatedAt,
	}
}

func mapCreditTransaction(model CreditTransaction) (ledger.Transaction, error) {
	kind, err := ledger.ParseTransactionKind(model.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(model.Metadata))
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:           model.ID,
		UserID:       model.UserID,
		Kind:         kind,
		Amount:       model.Amount,
		BalanceAfter: ledger.Credits(model.BalanceAfter),
		ExternalRef:  stringOrEmpty(model.ExternalRef),
		SubjectRef:   stringOrEmpty(model.SubjectRef),
		Description:  model.Description,
		Metadata:     metadata,
		CreatedAt:    model.CreatedAt,
	}, nil
}
