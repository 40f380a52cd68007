package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// Tracker records a referred user's first successful payment exactly once.
type Tracker struct {
	store    Store
	history  PaymentHistory
	nowFn    func() time.Time
	settings settings
}

// NewTracker wires a Tracker.
func NewTracker(store Store, history PaymentHistory, now func() time.Time, options ...Option) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if history == nil {
		return nil, fmt.Errorf("%w: payment history dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	return &Tracker{store: store, history: history, nowFn: now, settings: newSettings(options)}, nil
}

// RecordFirstPayment converts referredUserID if subjectRef is their first paid
// memory and someone referred them. Concurrent calls for the same user yield
// one conversion; the losers report OutcomeAlreadyRecorded.
func (tracker *Tracker) RecordFirstPayment(ctx context.Context, referredUserID ledger.UserID, subjectRef string) (ConversionOutcome, error) {
	outcome, referrerID, err := tracker.recordFirstPayment(ctx, referredUserID, subjectRef)
	ledger.EmitOperation(ctx, tracker.settings.logger, ledger.OperationLog{
		Operation: operationRecordFirstPayment,
		UserID:    referredUserID,
		Subject:   subjectRef,
		Reference: referrerID,
		Outcome:   string(outcome),
		Error:     err,
	})
	return outcome, err
}

func (tracker *Tracker) recordFirstPayment(ctx context.Context, referredUserID ledger.UserID, subjectRef string) (ConversionOutcome, string, error) {
	if referredUserID.IsZero() {
		return "", "", ledger.ErrInvalidUserID
	}
	earlierPayments, err := tracker.history.CountActiveMemoriesBefore(ctx, referredUserID, subjectRef)
	if err != nil {
		return "", "", err
	}
	if earlierPayments > 0 {
		return OutcomeNotFirstPayment, "", nil
	}
	account, found, err := tracker.store.FindAccount(ctx, referredUserID)
	if err != nil {
		return "", "", err
	}
	if !found || !account.IsReferred() {
		return OutcomeNotReferred, "", nil
	}
	nowUTC := tracker.nowFn().UTC()
	conversion := Conversion{
		ID:          tracker.settings.newID(),
		ReferrerID:  account.ReferredBy,
		ReferredID:  account.UserID,
		SubjectRef:  subjectRef,
		ConvertedAt: nowUTC,
	}
	err = tracker.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.InsertConversion(ctx, conversion); err != nil {
			return err
		}
		incremented, err := txStore.IncrementConversionCounters(ctx, conversion.ReferrerID, nowUTC)
		if err != nil {
			return err
		}
		if !incremented {
			return ledger.WrapError(errorOperationTracker, "referrer", "missing", ErrUnknownAccount)
		}
		_, err = txStore.MarkDiscountUsed(ctx, referredUserID, nowUTC)
		return err
	})
	if errors.Is(err, ErrDuplicateConversion) {
		return OutcomeAlreadyRecorded, account.ReferredBy, nil
	}
	if err != nil {
		return "", account.ReferredBy, err
	}
	return OutcomeRecorded, account.ReferredBy, nil
}
