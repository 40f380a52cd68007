package referral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// ClaimDesk files referrer payout claims and records operator decisions.
//
// A filed claim consumes one pending conversion by count and marks whichever
// unclaimed conversion comes first as claimed. The link is bookkeeping only;
// nothing joins a claim to a specific conversion.
type ClaimDesk struct {
	store    Store
	nowFn    func() time.Time
	settings settings
}

// NewClaimDesk wires a ClaimDesk.
func NewClaimDesk(store Store, now func() time.Time, options ...Option) (*ClaimDesk, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &ClaimDesk{store: store, nowFn: now, settings: newSettings(options)}, nil
}

// ClaimAmountCents reports the configured value of one claim.
func (desk *ClaimDesk) ClaimAmountCents() int64 {
	return desk.settings.claimAmountCents
}

// FileClaim reserves one pending claim for payout. The counters move now,
// not when an operator approves.
func (desk *ClaimDesk) FileClaim(ctx context.Context, userID ledger.UserID, payoutMethod string, payoutDetails string) (ClaimReceipt, error) {
	receipt, err := desk.fileClaim(ctx, userID, payoutMethod, payoutDetails)
	ledger.EmitOperation(ctx, desk.settings.logger, ledger.OperationLog{
		Operation:   operationFileClaim,
		UserID:      userID,
		Subject:     receipt.Claim.ID,
		AmountCents: receipt.Claim.AmountCents,
		Error:       err,
	})
	return receipt, err
}

func (desk *ClaimDesk) fileClaim(ctx context.Context, userID ledger.UserID, payoutMethod string, payoutDetails string) (ClaimReceipt, error) {
	if userID.IsZero() {
		return ClaimReceipt{}, ledger.ErrInvalidUserID
	}
	method := strings.TrimSpace(payoutMethod)
	if method == "" {
		return ClaimReceipt{}, fmt.Errorf("%w: empty value", ErrInvalidPayout)
	}
	nowUTC := desk.nowFn().UTC()
	claim := Claim{
		ID:            desk.settings.newID(),
		UserID:        userID.String(),
		AmountCents:   desk.settings.claimAmountCents,
		PayoutMethod:  method,
		PayoutDetails: strings.TrimSpace(payoutDetails),
		Status:        ClaimPending,
		CreatedAt:     nowUTC,
	}
	var receipt ClaimReceipt
	err := desk.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		consumed, err := txStore.ConsumePendingClaim(ctx, userID, nowUTC)
		if err != nil {
			return err
		}
		if !consumed {
			return desk.noPendingClaims(ctx, txStore, userID)
		}
		if err := txStore.InsertClaim(ctx, claim); err != nil {
			return err
		}
		if _, err := txStore.MarkOneConversionClaimed(ctx, userID.String(), nowUTC); err != nil {
			return err
		}
		account, found, err := txStore.FindAccount(ctx, userID)
		if err != nil {
			return err
		}
		if !found {
			return ErrUnknownAccount
		}
		receipt = ClaimReceipt{Claim: claim, RemainingPendingClaims: account.PendingClaimCount}
		return nil
	})
	if err != nil {
		return ClaimReceipt{}, err
	}
	return receipt, nil
}

// noPendingClaims also flags ErrAlreadyClaimed when every earned claim was filed before.
func (desk *ClaimDesk) noPendingClaims(ctx context.Context, txStore Store, userID ledger.UserID) error {
	account, found, err := txStore.FindAccount(ctx, userID)
	if err != nil {
		return err
	}
	if found && account.TotalClaimedCount > 0 {
		return fmt.Errorf("%w: %w", ErrNoPendingClaims, ErrAlreadyClaimed)
	}
	return ErrNoPendingClaims
}

// ProcessClaim records an operator decision on a pending claim exactly once.
func (desk *ClaimDesk) ProcessClaim(ctx context.Context, claimID string, decision ClaimStatus, adminNote string, operator string) (Claim, error) {
	claim, err := desk.processClaim(ctx, claimID, decision, adminNote, operator)
	ledger.EmitOperation(ctx, desk.settings.logger, ledger.OperationLog{
		Operation: operationProcessClaim,
		Subject:   claimID,
		Reference: operator,
		Outcome:   string(decision),
		Error:     err,
	})
	return claim, err
}

func (desk *ClaimDesk) processClaim(ctx context.Context, claimID string, decision ClaimStatus, adminNote string, operator string) (Claim, error) {
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return Claim{}, ErrUnknownClaim
	}
	if decision != ClaimCompleted && decision != ClaimRejected {
		return Claim{}, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	decided, err := desk.store.DecideClaim(ctx, ClaimDecision{
		ClaimID:     claimID,
		Status:      decision,
		AdminNote:   strings.TrimSpace(adminNote),
		ProcessedBy: strings.TrimSpace(operator),
		ProcessedAt: desk.nowFn().UTC(),
	})
	if err != nil {
		return Claim{}, err
	}
	claim, found, err := desk.store.FindClaim(ctx, claimID)
	if err != nil {
		return Claim{}, err
	}
	if !found {
		return Claim{}, ErrUnknownClaim
	}
	if !decided {
		return claim, ledger.WrapError(errorOperationClaims, "claim", "already_processed", ErrAlreadyProcessed)
	}
	return claim, nil
}

// ListClaims returns claims newest first.
func (desk *ClaimDesk) ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error) {
	if filter.Status != "" {
		if _, err := ParseClaimStatus(filter.Status.String()); err != nil {
			return nil, err
		}
	}
	filter.Limit = normalizeLimit(filter.Limit)
	return desk.store.ListClaims(ctx, filter)
}
