package referral

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

type stubState struct {
	accounts    map[string]Account
	conversions []Conversion
	claims      []Claim
	insertErr   error
}

func (state *stubState) clone() *stubState {
	accounts := make(map[string]Account, len(state.accounts))
	for key, value := range state.accounts {
		accounts[key] = value
	}
	return &stubState{
		accounts:    accounts,
		conversions: append([]Conversion(nil), state.conversions...),
		claims:      append([]Claim(nil), state.claims...),
		insertErr:   state.insertErr,
	}
}

// stubStore serializes every call, so concurrent tests observe the same
// outcomes a single-connection database would.
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

func (store *stubStore) put(account Account) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.state.accounts[account.UserID] = account
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

func (store *stubStore) conversionCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.conversions)
}

func (store *stubStore) locked(fn func(txStore *stubTxStore) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(&stubTxStore{state: store.state})
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &stubTxStore{state: store.state}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *stubStore) FindAccount(ctx context.Context, userID ledger.UserID) (account Account, found bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		account, found, err = txStore.FindAccount(ctx, userID)
		return err
	})
	return account, found, err
}

func (store *stubStore) FindAccountByCode(ctx context.Context, code Code) (account Account, found bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		account, found, err = txStore.FindAccountByCode(ctx, code)
		return err
	})
	return account, found, err
}

func (store *stubStore) InsertAccount(ctx context.Context, account Account) error {
	return store.locked(func(txStore *stubTxStore) error {
		return txStore.InsertAccount(ctx, account)
	})
}

func (store *stubStore) SetReferrer(ctx context.Context, userID ledger.UserID, referrerID string, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.SetReferrer(ctx, userID, referrerID, at)
		return err
	})
	return ok, err
}

func (store *stubStore) CountReferredBy(ctx context.Context, userID ledger.UserID) (count int64, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		count, err = txStore.CountReferredBy(ctx, userID)
		return err
	})
	return count, err
}

func (store *stubStore) InsertConversion(ctx context.Context, conversion Conversion) error {
	return store.locked(func(txStore *stubTxStore) error {
		return txStore.InsertConversion(ctx, conversion)
	})
}

func (store *stubStore) IncrementConversionCounters(ctx context.Context, referrerID string, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.IncrementConversionCounters(ctx, referrerID, at)
		return err
	})
	return ok, err
}

func (store *stubStore) MarkDiscountUsed(ctx context.Context, userID ledger.UserID, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.MarkDiscountUsed(ctx, userID, at)
		return err
	})
	return ok, err
}

func (store *stubStore) ListConversions(ctx context.Context, referrerID string, limit int) (conversions []Conversion, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		conversions, err = txStore.ListConversions(ctx, referrerID, limit)
		return err
	})
	return conversions, err
}

func (store *stubStore) ConsumePendingClaim(ctx context.Context, userID ledger.UserID, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.ConsumePendingClaim(ctx, userID, at)
		return err
	})
	return ok, err
}

func (store *stubStore) InsertClaim(ctx context.Context, claim Claim) error {
	return store.locked(func(txStore *stubTxStore) error {
		return txStore.InsertClaim(ctx, claim)
	})
}

func (store *stubStore) MarkOneConversionClaimed(ctx context.Context, referrerID string, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.MarkOneConversionClaimed(ctx, referrerID, at)
		return err
	})
	return ok, err
}

func (store *stubStore) DecideClaim(ctx context.Context, decision ClaimDecision) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.DecideClaim(ctx, decision)
		return err
	})
	return ok, err
}

func (store *stubStore) FindClaim(ctx context.Context, claimID string) (claim Claim, found bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		claim, found, err = txStore.FindClaim(ctx, claimID)
		return err
	})
	return claim, found, err
}

func (store *stubStore) ListClaims(ctx context.Context, filter ClaimFilter) (claims []Claim, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		claims, err = txStore.ListClaims(ctx, filter)
		return err
	})
	return claims, err
}

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) FindAccount(_ context.Context, userID ledger.UserID) (Account, bool, error) {
	account, ok := store.state.accounts[userID.String()]
	return account, ok, nil
}

func (store *stubTxStore) FindAccountByCode(_ context.Context, code Code) (Account, bool, error) {
	for _, account := range store.state.accounts {
		if account.Code == code.String() {
			return account, true, nil
		}
	}
	return Account{}, false, nil
}

func (store *stubTxStore) InsertAccount(_ context.Context, account Account) error {
	if store.state.insertErr != nil {
		return store.state.insertErr
	}
	if _, exists := store.state.accounts[account.UserID]; exists {
		return ErrAccountExists
	}
	for _, existing := range store.state.accounts {
		if existing.Code == account.Code {
			return ErrDuplicateCode
		}
	}
	store.state.accounts[account.UserID] = account
	return nil
}

func (store *stubTxStore) SetReferrer(_ context.Context, userID ledger.UserID, referrerID string, at time.Time) (bool, error) {
	account, ok := store.state.accounts[userID.String()]
	if !ok || account.ReferredBy != "" {
		return false, nil
	}
	account.ReferredBy = referrerID
	account.UpdatedAt = at
	store.state.accounts[userID.String()] = account
	return true, nil
}

func (store *stubTxStore) CountReferredBy(_ context.Context, userID ledger.UserID) (int64, error) {
	var count int64
	for _, account := range store.state.accounts {
		if account.ReferredBy == userID.String() {
			count++
		}
	}
	return count, nil
}

func (store *stubTxStore) InsertConversion(_ context.Context, conversion Conversion) error {
	for _, existing := range store.state.conversions {
		if existing.ReferredID == conversion.ReferredID {
			return ErrDuplicateConversion
		}
	}
	store.state.conversions = append(store.state.conversions, conversion)
	return nil
}

func (store *stubTxStore) IncrementConversionCounters(_ context.Context, referrerID string, at time.Time) (bool, error) {
	account, ok := store.state.accounts[referrerID]
	if !ok {
		return false, nil
	}
	account.PaidConversionCount++
	account.PendingClaimCount++
	account.UpdatedAt = at
	store.state.accounts[referrerID] = account
	return true, nil
}

func (store *stubTxStore) MarkDiscountUsed(_ context.Context, userID ledger.UserID, at time.Time) (bool, error) {
	account, ok := store.state.accounts[userID.String()]
	if !ok || account.DiscountUsed {
		return false, nil
	}
	account.DiscountUsed = true
	account.UpdatedAt = at
	store.state.accounts[userID.String()] = account
	return true, nil
}

func (store *stubTxStore) ListConversions(_ context.Context, referrerID string, limit int) ([]Conversion, error) {
	var matching []Conversion
	for _, conversion := range store.state.conversions {
		if conversion.ReferrerID == referrerID {
			matching = append(matching, conversion)
		}
	}
	if len(matching) > limit {
		matching = matching[:limit]
	}
	return matching, nil
}

func (store *stubTxStore) ConsumePendingClaim(_ context.Context, userID ledger.UserID, at time.Time) (bool, error) {
	account, ok := store.state.accounts[userID.String()]
	if !ok || account.PendingClaimCount <= 0 {
		return false, nil
	}
	account.PendingClaimCount--
	account.TotalClaimedCount++
	account.UpdatedAt = at
	store.state.accounts[userID.String()] = account
	return true, nil
}

func (store *stubTxStore) InsertClaim(_ context.Context, claim Claim) error {
	if store.state.insertErr != nil {
		return store.state.insertErr
	}
	store.state.claims = append(store.state.claims, claim)
	return nil
}

func (store *stubTxStore) MarkOneConversionClaimed(_ context.Context, referrerID string, at time.Time) (bool, error) {
	for index, conversion := range store.state.conversions {
		if conversion.ReferrerID == referrerID && !conversion.Claimed {
			claimedAt := at
			store.state.conversions[index].Claimed = true
			store.state.conversions[index].ClaimedAt = &claimedAt
			return true, nil
		}
	}
	return false, nil
}

func (store *stubTxStore) DecideClaim(_ context.Context, decision ClaimDecision) (bool, error) {
	for index, claim := range store.state.claims {
		if claim.ID == decision.ClaimID && claim.Status == ClaimPending {
			processedAt := decision.ProcessedAt
			store.state.claims[index].Status = decision.Status
			store.state.claims[index].AdminNote = decision.AdminNote
			store.state.claims[index].ProcessedBy = decision.ProcessedBy
			store.state.claims[index].ProcessedAt = &processedAt
			return true, nil
		}
	}
	return false, nil
}

func (store *stubTxStore) FindClaim(_ context.Context, claimID string) (Claim, bool, error) {
	for _, claim := range store.state.claims {
		if claim.ID == claimID {
			return claim, true, nil
		}
	}
	return Claim{}, false, nil
}

func (store *stubTxStore) ListClaims(_ context.Context, filter ClaimFilter) ([]Claim, error) {
	var matching []Claim
	for _, claim := range store.state.claims {
		if filter.Status != "" && claim.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && claim.UserID != filter.UserID {
			continue
		}
		matching = append(matching, claim)
	}
	sort.SliceStable(matching, func(left, right int) bool {
		return matching[left].CreatedAt.After(matching[right].CreatedAt)
	})
	if len(matching) > filter.Limit {
		matching = matching[:filter.Limit]
	}
	return matching, nil
}

type stubHistory struct {
	mutex        sync.Mutex
	earlierCount map[string]int64
}

func (history *stubHistory) CountActiveMemoriesBefore(_ context.Context, userID ledger.UserID, _ string) (int64, error) {
	history.mutex.Lock()
	defer history.mutex.Unlock()
	return history.earlierCount[userID.String()], nil
}

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

func sequenceCodes(test *testing.T, raws ...string) func() (Code, error) {
	test.Helper()
	codes := make([]Code, 0, len(raws))
	for _, raw := range raws {
		codes = append(codes, mustCode(test, raw))
	}
	var (
		mutex sync.Mutex
		next  int
	)
	return func() (Code, error) {
		mutex.Lock()
		defer mutex.Unlock()
		code := codes[next%len(codes)]
		next++
		return code, nil
	}
}

func mustCode(test *testing.T, raw string) Code {
	test.Helper()
	code, err := NewCode(raw)
	if err != nil {
		test.Fatalf("code %q: %v", raw, err)
	}
	return code
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}
