package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

type stubState struct {
	accounts     map[string]Account
	transactions []Transaction
	// casFailures makes the next n CAS calls report a concurrent writer.
	casFailures int
	casCalls    int
	insertErr   error
	ensureErr   error
	// hiddenGrantLookups makes the next n FindGrant calls miss, as if a
	// concurrent writer committed the grant after the lookup.
	hiddenGrantLookups int
}

type stubStore struct {
	mutex sync.Mutex
	state *stubState
}

type stubTxStore struct {
	state *stubState
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: &stubState{accounts: make(map[string]Account)}}
}

func (store *stubStore) seed(userID string, balance Credits) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.accounts[userID] = Account{UserID: userID, Balance: balance, TotalGranted: balance}
}

func (store *stubStore) account(test *testing.T, userID string) Account {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, ok := store.state.accounts[userID]
	if !ok {
		test.Fatalf("account %s not found", userID)
	}
	return account
}

func (store *stubStore) transactionsOf(kind TransactionKind) []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var matching []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.Kind == kind {
			matching = append(matching, transaction)
		}
	}
	return matching
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accounts := make(map[string]Account, len(store.state.accounts))
	for key, value := range store.state.accounts {
		accounts[key] = value
	}
	transactions := append([]Transaction(nil), store.state.transactions...)
	if err := fn(ctx, &stubTxStore{state: store.state}); err != nil {
		store.state.accounts = accounts
		store.state.transactions = transactions
		return err
	}
	return nil
}

func (store *stubStore) EnsureAccount(ctx context.Context, userID UserID) (Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTxStore{state: store.state}).EnsureAccount(ctx, userID)
}

func (store *stubStore) FindGrant(ctx context.Context, externalRef ExternalRef) (Transaction, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTxStore{state: store.state}).FindGrant(ctx, externalRef)
}

func (store *stubStore) CompareAndSwapBalance(ctx context.Context, update BalanceUpdate) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTxStore{state: store.state}).CompareAndSwapBalance(ctx, update)
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTxStore{state: store.state}).InsertTransaction(ctx, transaction)
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return (&stubTxStore{state: store.state}).ListTransactions(ctx, userID, before, limit)
}

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) EnsureAccount(_ context.Context, userID UserID) (Account, error) {
	if store.state.ensureErr != nil {
		return Account{}, store.state.ensureErr
	}
	account, ok := store.state.accounts[userID.String()]
	if !ok {
		account = Account{UserID: userID.String()}
		store.state.accounts[userID.String()] = account
	}
	return account, nil
}

func (store *stubTxStore) FindGrant(_ context.Context, externalRef ExternalRef) (Transaction, bool, error) {
	if store.state.hiddenGrantLookups > 0 {
		store.state.hiddenGrantLookups--
		return Transaction{}, false, nil
	}
	for _, transaction := range store.state.transactions {
		if transaction.Kind == KindGrant && transaction.ExternalRef == externalRef.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *stubTxStore) CompareAndSwapBalance(_ context.Context, update BalanceUpdate) (bool, error) {
	store.state.casCalls++
	if store.state.casFailures > 0 {
		store.state.casFailures--
		return false, nil
	}
	account, ok := store.state.accounts[update.UserID]
	if !ok || account.Balance != update.ExpectedBalance {
		return false, nil
	}
	account.Balance = update.NewBalance()
	account.TotalGranted += Credits(update.GrantedDelta)
	account.TotalSpent += Credits(update.SpentDelta)
	account.UpdatedAt = update.UpdatedAt
	store.state.accounts[update.UserID] = account
	return true, nil
}

func (store *stubTxStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if store.state.insertErr != nil {
		return store.state.insertErr
	}
	if transaction.Kind == KindGrant && transaction.ExternalRef != "" {
		for _, existing := range store.state.transactions {
			if existing.Kind == KindGrant && existing.ExternalRef == transaction.ExternalRef {
				return ErrDuplicateExternalRef
			}
		}
	}
	store.state.transactions = append(store.state.transactions, transaction)
	return nil
}

func (store *stubTxStore) ListTransactions(_ context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error) {
	var matching []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID.String() && transaction.CreatedAt.Before(before) {
			matching = append(matching, transaction)
		}
	}
	sort.SliceStable(matching, func(left, right int) bool {
		return matching[left].CreatedAt.After(matching[right].CreatedAt)
	})
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustExternalRef(test *testing.T, raw string) ExternalRef {
	test.Helper()
	value, err := NewExternalRef(raw)
	if err != nil {
		test.Fatalf("external ref: %v", err)
	}
	return value
}

func mustSubjectRef(test *testing.T, raw string) SubjectRef {
	test.Helper()
	value, err := NewSubjectRef(raw)
	if err != nil {
		test.Fatalf("subject ref: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}
