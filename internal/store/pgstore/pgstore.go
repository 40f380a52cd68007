package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

const (
	constraintGrantExternalRef = "uniq_credit_transactions_kind_external_ref"
	pgUniqueViolationCode      = "23505"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectBalance        = "balance"
	errorSubjectTransaction    = "transaction"
	errorSubjectDBTransaction  = "db_transaction"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCompareAndSwap    = "compare_and_swap"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"

	sqlEnsureAccount = `
		insert into credit_accounts(user_id, created_at, updated_at) values($1, now(), now())
		on conflict (user_id) do nothing
	`

	sqlSelectAccount = `
		select user_id, balance, total_granted, total_spent, created_at, updated_at
		from credit_accounts
		where user_id = $1
	`

	sqlCompareAndSwapBalance = `
		update credit_accounts
		set balance = $3,
			total_granted = total_granted + $4,
			total_spent = total_spent + $5,
			updated_at = $6
		where user_id = $1 and balance = $2
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			id, user_id, kind, amount, balance_after, external_ref, subject_ref, description, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,''), $8,
			coalesce(nullif($9,''),'{}')::jsonb,
			$10
		)
	`

	sqlSelectGrant = `
		select id::text, user_id, kind, amount, balance_after,
			coalesce(external_ref,''), coalesce(subject_ref,''), description,
			coalesce(metadata::text,'{}'), created_at
		from credit_transactions
		where kind = 'grant' and external_ref = $1
	`

	sqlListTransactionsBefore = `
		select id::text, user_id, kind, amount, balance_after,
			coalesce(external_ref,''), coalesce(subject_ref,''), description,
			coalesce(metadata::text,'{}'), created_at
		from credit_transactions
		where user_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	statements
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	statements
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, statements: statements{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectDBTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, statements: statements{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectDBTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

// statements holds the SQL shared by Store and TxStore.
type statements struct {
	db querier
}

func (store statements) EnsureAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlEnsureAccount, userID.String()); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	var (
		account      ledger.Account
		balance      int64
		totalGranted int64
		totalSpent   int64
	)
	err := store.db.QueryRow(ctx, sqlSelectAccount, userID.String()).Scan(
		&account.UserID,
		&balance,
		&totalGranted,
		&totalSpent,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account.Balance = ledger.Credits(balance)
	account.TotalGranted = ledger.Credits(totalGranted)
	account.TotalSpent = ledger.Credits(totalSpent)
	return account, nil
}

func (store statements) FindGrant(ctx context.Context, externalRef ledger.ExternalRef) (ledger.Transaction, bool, error) {
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectGrant, externalRef.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, false, nil
	}
	if err != nil {
		return ledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	return transaction, true, nil
}

func (store statements) CompareAndSwapBalance(ctx context.Context, update ledger.BalanceUpdate) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlCompareAndSwapBalance,
		update.UserID,
		update.ExpectedBalance.Int64(),
		update.NewBalance().Int64(),
		update.GrantedDelta,
		update.SpentDelta,
		update.UpdatedAt,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeCompareAndSwap, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store statements) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	createdAt := transaction.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.UserID,
		transaction.Kind.String(),
		transaction.Amount,
		transaction.BalanceAfter.Int64(),
		transaction.ExternalRef,
		transaction.SubjectRef,
		transaction.Description,
		transaction.Metadata.String(),
		createdAt,
	)
	if isGrantConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateExternalRef)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store statements) ListTransactions(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactionsBefore, userID.String(), before.UTC(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []ledger.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		transaction  ledger.Transaction
		kindValue    string
		balanceAfter int64
		metadataRaw  string
	)
	err := row.Scan(
		&transaction.ID,
		&transaction.UserID,
		&kindValue,
		&transaction.Amount,
		&balanceAfter,
		&transaction.ExternalRef,
		&transaction.SubjectRef,
		&transaction.Description,
		&metadataRaw,
		&transaction.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(kindValue)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.NewMetadataJSON(metadataRaw)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction.Kind = kind
	transaction.BalanceAfter = ledger.Credits(balanceAfter)
	transaction.Metadata = metadata
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isGrantConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintGrantExternalRef
	}
	return false
}
