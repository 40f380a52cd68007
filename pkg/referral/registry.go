package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// Registry owns referral-code issuance and the referrer link.
type Registry struct {
	store    Store
	nowFn    func() time.Time
	settings settings
}

// NewRegistry wires a Registry.
func NewRegistry(store Store, now func() time.Time, options ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Registry{store: store, nowFn: now, settings: newSettings(options)}, nil
}

// CreateAccount returns the caller's referral account, creating it on first
// use. usedCode, when set, must belong to a different user and becomes the
// referrer. The boolean reports whether a new account was created.
func (registry *Registry) CreateAccount(ctx context.Context, userID ledger.UserID, usedCode *Code) (Account, bool, error) {
	account, created, err := registry.createAccount(ctx, userID, usedCode)
	outcome := ""
	if err == nil && !created {
		outcome = "existing"
	}
	ledger.EmitOperation(ctx, registry.settings.logger, ledger.OperationLog{
		Operation: operationCreateAccount,
		UserID:    userID,
		Reference: account.ReferredBy,
		Outcome:   outcome,
		Error:     err,
	})
	return account, created, err
}

func (registry *Registry) createAccount(ctx context.Context, userID ledger.UserID, usedCode *Code) (Account, bool, error) {
	if userID.IsZero() {
		return Account{}, false, ledger.ErrInvalidUserID
	}
	existing, found, err := registry.store.FindAccount(ctx, userID)
	if err != nil {
		return Account{}, false, err
	}
	if found {
		return existing, false, nil
	}
	referrerID := ""
	if usedCode != nil {
		referrer, err := registry.resolveReferrer(ctx, userID, *usedCode)
		if err != nil {
			return Account{}, false, err
		}
		referrerID = referrer.UserID
	}
	for attempt := 0; attempt < registry.settings.codeAttempts; attempt++ {
		code, err := registry.settings.generateCode()
		if err != nil {
			return Account{}, false, ledger.WrapError(errorOperationRegistry, "code", "generate", err)
		}
		nowUTC := registry.nowFn().UTC()
		account := Account{
			UserID:     userID.String(),
			Code:       code.String(),
			ReferredBy: referrerID,
			CreatedAt:  nowUTC,
			UpdatedAt:  nowUTC,
		}
		err = registry.store.InsertAccount(ctx, account)
		switch {
		case err == nil:
			return account, true, nil
		case errors.Is(err, ErrDuplicateCode):
			continue
		case errors.Is(err, ErrAccountExists):
			existing, found, lookupErr := registry.store.FindAccount(ctx, userID)
			if lookupErr != nil {
				return Account{}, false, lookupErr
			}
			if !found {
				return Account{}, false, err
			}
			return existing, false, nil
		default:
			return Account{}, false, err
		}
	}
	return Account{}, false, ledger.WrapError(errorOperationRegistry, "code", "exhausted", ErrCodeSpaceExhausted)
}

// LinkCodeLater attaches a referrer to an account created without one.
func (registry *Registry) LinkCodeLater(ctx context.Context, userID ledger.UserID, code Code) (Account, error) {
	account, err := registry.linkCodeLater(ctx, userID, code)
	ledger.EmitOperation(ctx, registry.settings.logger, ledger.OperationLog{
		Operation: operationLinkCode,
		UserID:    userID,
		Reference: code.String(),
		Error:     err,
	})
	return account, err
}

func (registry *Registry) linkCodeLater(ctx context.Context, userID ledger.UserID, code Code) (Account, error) {
	if userID.IsZero() {
		return Account{}, ledger.ErrInvalidUserID
	}
	account, found, err := registry.store.FindAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	if !found {
		return Account{}, ErrUnknownAccount
	}
	if account.IsReferred() {
		return account, ErrAlreadyLinked
	}
	referrer, err := registry.resolveReferrer(ctx, userID, code)
	if err != nil {
		return Account{}, err
	}
	linked, err := registry.store.SetReferrer(ctx, userID, referrer.UserID, registry.nowFn().UTC())
	if err != nil {
		return Account{}, err
	}
	if !linked {
		return account, ErrAlreadyLinked
	}
	updated, found, err := registry.store.FindAccount(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	if !found {
		return Account{}, ErrUnknownAccount
	}
	return updated, nil
}

// LookupByCode resolves a code to its owner's account.
func (registry *Registry) LookupByCode(ctx context.Context, code Code) (Account, error) {
	if code.String() == "" {
		return Account{}, ErrInvalidCode
	}
	account, found, err := registry.store.FindAccountByCode(ctx, code)
	if err != nil {
		return Account{}, err
	}
	if !found {
		return Account{}, fmt.Errorf("%w: no account for %s", ErrInvalidCode, code.String())
	}
	return account, nil
}

// SignupCountFor counts the accounts referred by userID.
func (registry *Registry) SignupCountFor(ctx context.Context, userID ledger.UserID) (int64, error) {
	if userID.IsZero() {
		return 0, ledger.ErrInvalidUserID
	}
	return registry.store.CountReferredBy(ctx, userID)
}

// Summary returns the referrer dashboard for userID.
func (registry *Registry) Summary(ctx context.Context, userID ledger.UserID, conversionLimit int) (Summary, error) {
	if userID.IsZero() {
		return Summary{}, ledger.ErrInvalidUserID
	}
	account, found, err := registry.store.FindAccount(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if !found {
		return Summary{}, ErrUnknownAccount
	}
	signups, err := registry.store.CountReferredBy(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	conversions, err := registry.store.ListConversions(ctx, account.UserID, normalizeLimit(conversionLimit))
	if err != nil {
		return Summary{}, err
	}
	return Summary{Account: account, SignupCount: signups, Conversions: conversions}, nil
}

func (registry *Registry) resolveReferrer(ctx context.Context, userID ledger.UserID, code Code) (Account, error) {
	referrer, err := registry.LookupByCode(ctx, code)
	if err != nil {
		return Account{}, err
	}
	if referrer.UserID == userID.String() {
		return Account{}, ErrSelfReferral
	}
	return referrer, nil
}
