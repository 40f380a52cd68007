package ledger

import (
	"context"
	"time"
)

const defaultListLimit = 50

// Balance returns the account for userID, creating an empty one on first use.
func (service *Service) Balance(ctx context.Context, userID UserID) (Account, error) {
	if userID.IsZero() {
		return Account{}, ErrInvalidUserID
	}
	return service.store.EnsureAccount(ctx, userID)
}

// Transactions lists the newest transactions created before the cutoff.
func (service *Service) Transactions(ctx context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	if before.IsZero() {
		before = service.nowFn().Add(time.Second)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return service.store.ListTransactions(ctx, userID, before, limit)
}
