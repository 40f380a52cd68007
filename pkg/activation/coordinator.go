package activation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// Coordinator drives the memory payment state machine:
//
//	pending --payment confirmed--> active
//	pending --payment failed-----> failed
//	pending --free unlock--------> active
//
// Webhooks, client polls and free unlocks may race for the same memory; every
// transition is a conditional write on the current status.
type Coordinator struct {
	store    Store
	recorder ConversionRecorder
	gateway  PaymentGateway
	nowFn    func() time.Time
	logger   ledger.OperationLogger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store Store, recorder ConversionRecorder, now func() time.Time, options ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if recorder == nil {
		return nil, fmt.Errorf("%w: conversion recorder dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	coordinator := &Coordinator{store: store, recorder: recorder, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// OpenMemory registers a memory that needs payment before it can be shared.
// Registering the same id again for the same owner returns the stored memory.
func (coordinator *Coordinator) OpenMemory(ctx context.Context, memoryID MemoryID, userID ledger.UserID) (Memory, error) {
	memory, err := coordinator.openMemory(ctx, memoryID, userID)
	ledger.EmitOperation(ctx, coordinator.logger, ledger.OperationLog{
		Operation: operationOpenMemory,
		UserID:    userID,
		Subject:   memoryID.String(),
		Error:     err,
	})
	return memory, err
}

func (coordinator *Coordinator) openMemory(ctx context.Context, memoryID MemoryID, userID ledger.UserID) (Memory, error) {
	if memoryID.String() == "" {
		return Memory{}, ErrInvalidMemoryID
	}
	if userID.IsZero() {
		return Memory{}, ledger.ErrInvalidUserID
	}
	nowUTC := coordinator.nowFn().UTC()
	if _, err := coordinator.store.InsertMemory(ctx, Memory{
		ID:        memoryID.String(),
		UserID:    userID.String(),
		Status:    StatusPending,
		CreatedAt: nowUTC,
		UpdatedAt: nowUTC,
	}); err != nil {
		return Memory{}, err
	}
	return coordinator.ownedMemory(ctx, memoryID, userID)
}

// ActivateViaPayment activates a memory after a confirmed payment. An already
// active memory is reported with AlreadyActive and no side effects. A failed
// memory may still be activated by a late payment.
func (coordinator *Coordinator) ActivateViaPayment(ctx context.Context, confirmation PaymentConfirmation) (Activation, error) {
	activation, err := coordinator.activateViaPayment(ctx, confirmation)
	outcome := ""
	if activation.AlreadyActive {
		outcome = "already_active"
	} else if activation.Conversion != "" {
		outcome = string(activation.Conversion)
	}
	ledger.EmitOperation(ctx, coordinator.logger, ledger.OperationLog{
		Operation:              operationActivatePayment,
		UserID:                 confirmation.PayerUserID,
		Subject:                confirmation.MemoryID.String(),
		Reference:              confirmation.PaymentRef,
		Outcome:                outcome,
		RequiresReconciliation: activation.ConversionFailed,
		Error:                  err,
	})
	return activation, err
}

func (coordinator *Coordinator) activateViaPayment(ctx context.Context, confirmation PaymentConfirmation) (Activation, error) {
	if confirmation.MemoryID.String() == "" {
		return Activation{}, ErrInvalidMemoryID
	}
	memory, err := coordinator.loadMemory(ctx, coordinator.store, confirmation.MemoryID)
	if err != nil {
		return Activation{}, err
	}
	if memory.Status == StatusActive {
		return Activation{Memory: memory, AlreadyActive: true}, nil
	}
	sessionRef := strings.TrimSpace(confirmation.SessionRef)
	if sessionRef == "" {
		sessionRef = memory.ExternalSessionRef
	}
	activated, err := coordinator.store.ActivateMemory(ctx, MemoryActivation{
		MemoryID:     confirmation.MemoryID,
		From:         []Status{StatusPending, StatusFailed},
		SessionRef:   sessionRef,
		PaymentRef:   strings.TrimSpace(confirmation.PaymentRef),
		UnlockMethod: UnlockPayment,
		PaidAt:       coordinator.nowFn().UTC(),
	})
	if err != nil {
		return Activation{}, err
	}
	memory, err = coordinator.loadMemory(ctx, coordinator.store, confirmation.MemoryID)
	if err != nil {
		return Activation{}, err
	}
	if !activated {
		if memory.Status == StatusActive {
			return Activation{Memory: memory, AlreadyActive: true}, nil
		}
		return Activation{}, ledger.WrapError(errorOperationCoordinator, "memory", "activate", ledger.ErrConflict)
	}
	result := Activation{Memory: memory}
	if !confirmation.DiscountApplied {
		return result, nil
	}
	payer := confirmation.PayerUserID
	if payer.IsZero() {
		payer, err = ledger.NewUserID(memory.UserID)
		if err != nil {
			result.ConversionFailed = true
			return result, nil
		}
	}
	conversion, conversionErr := coordinator.recorder.RecordFirstPayment(ctx, payer, memory.ID)
	if conversionErr != nil {
		result.ConversionFailed = true
		ledger.EmitOperation(ctx, coordinator.logger, ledger.OperationLog{
			Operation:              operationActivatePayment,
			UserID:                 payer,
			Subject:                memory.ID,
			Outcome:                "conversion_failed",
			RequiresReconciliation: true,
			Error:                  conversionErr,
		})
		return result, nil
	}
	result.Conversion = conversion
	return result, nil
}

// ActivateViaFreeUnlock spends the caller's referral free unlock on a pending
// memory. Consuming the unlock and activating the memory commit together.
func (coordinator *Coordinator) ActivateViaFreeUnlock(ctx context.Context, memoryID MemoryID, userID ledger.UserID) (Activation, error) {
	activation, err := coordinator.activateViaFreeUnlock(ctx, memoryID, userID)
	ledger.EmitOperation(ctx, coordinator.logger, ledger.OperationLog{
		Operation: operationActivateFreeUnlock,
		UserID:    userID,
		Subject:   memoryID.String(),
		Error:     err,
	})
	return activation, err
}

func (coordinator *Coordinator) activateViaFreeUnlock(ctx context.Context, memoryID MemoryID, userID ledger.UserID) (Activation, error) {
	if memoryID.String() == "" {
		return Activation{}, ErrInvalidMemoryID
	}
	if userID.IsZero() {
		return Activation{}, ledger.ErrInvalidUserID
	}
	memory, err := coordinator.loadMemory(ctx, coordinator.store, memoryID)
	if err != nil {
		return Activation{}, err
	}
	if memory.UserID != userID.String() {
		return Activation{}, ErrMemoryNotOwned
	}
	if err := statusError(memory.Status); err != nil {
		return Activation{}, err
	}
	var activated Memory
	err = coordinator.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		nowUTC := coordinator.nowFn().UTC()
		consumed, err := txStore.ConsumeFreeUnlock(ctx, userID, nowUTC)
		if err != nil {
			return err
		}
		if !consumed {
			return ErrNoFreeUnlockAvailable
		}
		swapped, err := txStore.ActivateMemory(ctx, MemoryActivation{
			MemoryID:     memoryID,
			From:         []Status{StatusPending},
			UnlockMethod: UnlockFreeUnlock,
			PaidAt:       nowUTC,
		})
		if err != nil {
			return err
		}
		current, err := coordinator.loadMemory(ctx, txStore, memoryID)
		if err != nil {
			return err
		}
		if !swapped {
			if err := statusError(current.Status); err != nil {
				return err
			}
			return ledger.WrapError(errorOperationCoordinator, "memory", "free_unlock", ledger.ErrConflict)
		}
		activated = current
		return nil
	})
	if err != nil {
		return Activation{}, err
	}
	return Activation{Memory: activated}, nil
}

// MarkFailed records an asynchronous payment failure. Only a pending memory
// changes; active and failed memories are returned unchanged.
func (coordinator *Coordinator) MarkFailed(ctx context.Context, memoryID MemoryID) (Transition, error) {
	transition, err := coordinator.markFailed(ctx, memoryID)
	outcome := ""
	if err == nil && !transition.Changed {
		outcome = "unchanged"
	}
	ledger.EmitOperation(ctx, coordinator.logger, ledger.OperationLog{
		Operation: operationMarkFailed,
		Subject:   memoryID.String(),
		Outcome:   outcome,
		Error:     err,
	})
	return transition, err
}

func (coordinator *Coordinator) markFailed(ctx context.Context, memoryID MemoryID) (Transition, error) {
	if memoryID.String() == "" {
		return Transition{}, ErrInvalidMemoryID
	}
	changed, err := coordinator.store.MarkMemoryFailed(ctx, memoryID, coordinator.nowFn().UTC())
	if err != nil {
		return Transition{}, err
	}
	memory, err := coordinator.loadMemory(ctx, coordinator.store, memoryID)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Memory: memory, Changed: changed}, nil
}

// RegisterCheckout records the gateway session created for a memory checkout.
// A failed memory returns to pending so the new session can settle it.
func (coordinator *Coordinator) RegisterCheckout(ctx context.Context, memoryID MemoryID, userID ledger.UserID, sessionRef string) (Memory, error) {
	memory, err := coordinator.registerCheckout(ctx, memoryID, userID, sessionRef)
	ledger.EmitOperation(ctx, coordinator.logger, ledger.OperationLog{
		Operation: operationRegisterCheckout,
		UserID:    userID,
		Subject:   memoryID.String(),
		Reference: sessionRef,
		Error:     err,
	})
	return memory, err
}

func (coordinator *Coordinator) registerCheckout(ctx context.Context, memoryID MemoryID, userID ledger.UserID, sessionRef string) (Memory, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return Memory{}, ErrInvalidSessionRef
	}
	memory, err := coordinator.ownedMemory(ctx, memoryID, userID)
	if err != nil {
		return Memory{}, err
	}
	if memory.Status == StatusActive {
		return memory, ErrAlreadyActive
	}
	attached, err := coordinator.store.AttachCheckoutSession(ctx, memoryID, sessionRef, coordinator.nowFn().UTC())
	if err != nil {
		return Memory{}, err
	}
	memory, err = coordinator.loadMemory(ctx, coordinator.store, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if !attached {
		return memory, ErrAlreadyActive
	}
	return memory, nil
}

// HandlePaymentCallback routes a gateway report: paid activates, failed marks
// the memory failed, anything else is ignored. The memory is resolved by id
// first and by session reference otherwise.
func (coordinator *Coordinator) HandlePaymentCallback(ctx context.Context, callback PaymentCallback) (CallbackResult, error) {
	memory, err := coordinator.resolveCallbackMemory(ctx, callback)
	if err != nil {
		return CallbackResult{}, err
	}
	memoryID, err := NewMemoryID(memory.ID)
	if err != nil {
		return CallbackResult{}, err
	}
	switch callback.Status {
	case PaymentPaid:
		confirmation := PaymentConfirmation{
			MemoryID:        memoryID,
			SessionRef:      callback.SessionRef,
			PaymentRef:      callback.PaymentRef,
			DiscountApplied: callback.DiscountApplied,
		}
		// Without a named payer ActivateViaPayment falls back to the owner.
		if callback.PayerUserID != "" {
			payer, err := ledger.NewUserID(callback.PayerUserID)
			if err != nil {
				return CallbackResult{}, err
			}
			confirmation.PayerUserID = payer
		}
		activation, err := coordinator.ActivateViaPayment(ctx, confirmation)
		if err != nil {
			return CallbackResult{}, err
		}
		outcome := CallbackActivated
		if activation.AlreadyActive {
			outcome = CallbackAlreadyActive
		}
		return CallbackResult{
			Outcome:          outcome,
			Memory:           activation.Memory,
			Conversion:       activation.Conversion,
			ConversionFailed: activation.ConversionFailed,
		}, nil
	case PaymentFailed:
		transition, err := coordinator.MarkFailed(ctx, memoryID)
		if err != nil {
			return CallbackResult{}, err
		}
		outcome := CallbackMarkedFailed
		if !transition.Changed {
			outcome = CallbackIgnored
			if transition.Memory.Status == StatusActive {
				outcome = CallbackAlreadyActive
			}
		}
		return CallbackResult{Outcome: outcome, Memory: transition.Memory}, nil
	default:
		return CallbackResult{Outcome: CallbackIgnored, Memory: memory}, nil
	}
}

// VerifyCheckout is the client poll after the gateway redirect. It asks the
// gateway for the session state and routes it like a webhook.
func (coordinator *Coordinator) VerifyCheckout(ctx context.Context, memoryID MemoryID, userID ledger.UserID) (CallbackResult, error) {
	memory, err := coordinator.ownedMemory(ctx, memoryID, userID)
	if err != nil {
		return CallbackResult{}, err
	}
	if memory.Status == StatusActive {
		return CallbackResult{Outcome: CallbackAlreadyActive, Memory: memory}, nil
	}
	if coordinator.gateway == nil {
		return CallbackResult{}, ErrGatewayUnavailable
	}
	if memory.ExternalSessionRef == "" {
		return CallbackResult{}, ErrNoCheckoutSession
	}
	callback, err := coordinator.gateway.LookupSession(ctx, memory.ExternalSessionRef)
	if err != nil {
		return CallbackResult{}, ledger.WrapError(errorOperationCoordinator, "gateway", "lookup", fmt.Errorf("%w: %w", ErrGatewayLookup, err))
	}
	callback.MemoryID = memory.ID
	callback.SessionRef = memory.ExternalSessionRef
	if strings.TrimSpace(callback.PayerUserID) == "" {
		callback.PayerUserID = userID.String()
	}
	return coordinator.HandlePaymentCallback(ctx, callback)
}

func (coordinator *Coordinator) resolveCallbackMemory(ctx context.Context, callback PaymentCallback) (Memory, error) {
	if memoryID, err := NewMemoryID(callback.MemoryID); err == nil {
		return coordinator.loadMemory(ctx, coordinator.store, memoryID)
	}
	sessionRef := strings.TrimSpace(callback.SessionRef)
	if sessionRef == "" {
		return Memory{}, ErrInvalidSessionRef
	}
	memory, found, err := coordinator.store.FindMemoryBySession(ctx, sessionRef)
	if err != nil {
		return Memory{}, err
	}
	if !found {
		return Memory{}, fmt.Errorf("%w: session %s", ErrUnknownMemory, sessionRef)
	}
	return memory, nil
}

func (coordinator *Coordinator) ownedMemory(ctx context.Context, memoryID MemoryID, userID ledger.UserID) (Memory, error) {
	if userID.IsZero() {
		return Memory{}, ledger.ErrInvalidUserID
	}
	memory, err := coordinator.loadMemory(ctx, coordinator.store, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if memory.UserID != userID.String() {
		return Memory{}, ErrMemoryNotOwned
	}
	return memory, nil
}

func (coordinator *Coordinator) loadMemory(ctx context.Context, store Store, memoryID MemoryID) (Memory, error) {
	if memoryID.String() == "" {
		return Memory{}, ErrInvalidMemoryID
	}
	memory, found, err := store.FindMemory(ctx, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if !found {
		return Memory{}, fmt.Errorf("%w: %s", ErrUnknownMemory, memoryID.String())
	}
	return memory, nil
}

func statusError(status Status) error {
	switch status {
	case StatusPending:
		return nil
	case StatusActive:
		return ErrAlreadyActive
	default:
		return ErrMemoryNotPending
	}
}
