package activation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

type stubState struct {
	memories map[string]Memory
	// freeUnlocks maps a referred user to whether the unlock is still unused.
	freeUnlocks map[string]bool
	activateErr error
}

func (state *stubState) clone() *stubState {
	memories := make(map[string]Memory, len(state.memories))
	for key, value := range state.memories {
		memories[key] = value
	}
	freeUnlocks := make(map[string]bool, len(state.freeUnlocks))
	for key, value := range state.freeUnlocks {
		freeUnlocks[key] = value
	}
	return &stubState{memories: memories, freeUnlocks: freeUnlocks, activateErr: state.activateErr}
}

type stubStore struct {
	mutex sync.Mutex
	state *stubState
}

type stubTxStore struct {
	state *stubState
}

func newStubStore(test *testing.T, memories ...Memory) *stubStore {
	test.Helper()
	state := &stubState{memories: make(map[string]Memory), freeUnlocks: make(map[string]bool)}
	for _, memory := range memories {
		state.memories[memory.ID] = memory
	}
	return &stubStore{state: state}
}

func (store *stubStore) memory(test *testing.T, memoryID string) Memory {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	memory, ok := store.state.memories[memoryID]
	if !ok {
		test.Fatalf("memory %s not found", memoryID)
	}
	return memory
}

func (store *stubStore) freeUnlockAvailable(userID string) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state.freeUnlocks[userID]
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

func (store *stubStore) FindMemory(ctx context.Context, memoryID MemoryID) (memory Memory, found bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		memory, found, err = txStore.FindMemory(ctx, memoryID)
		return err
	})
	return memory, found, err
}

func (store *stubStore) FindMemoryBySession(ctx context.Context, sessionRef string) (memory Memory, found bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		memory, found, err = txStore.FindMemoryBySession(ctx, sessionRef)
		return err
	})
	return memory, found, err
}

func (store *stubStore) InsertMemory(ctx context.Context, memory Memory) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.InsertMemory(ctx, memory)
		return err
	})
	return ok, err
}

func (store *stubStore) ActivateMemory(ctx context.Context, activation MemoryActivation) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.ActivateMemory(ctx, activation)
		return err
	})
	return ok, err
}

func (store *stubStore) MarkMemoryFailed(ctx context.Context, memoryID MemoryID, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.MarkMemoryFailed(ctx, memoryID, at)
		return err
	})
	return ok, err
}

func (store *stubStore) AttachCheckoutSession(ctx context.Context, memoryID MemoryID, sessionRef string, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.AttachCheckoutSession(ctx, memoryID, sessionRef, at)
		return err
	})
	return ok, err
}

func (store *stubStore) ConsumeFreeUnlock(ctx context.Context, userID ledger.UserID, at time.Time) (ok bool, err error) {
	err = store.locked(func(txStore *stubTxStore) error {
		ok, err = txStore.ConsumeFreeUnlock(ctx, userID, at)
		return err
	})
	return ok, err
}

func (store *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubTxStore) FindMemory(_ context.Context, memoryID MemoryID) (Memory, bool, error) {
	memory, ok := store.state.memories[memoryID.String()]
	return memory, ok, nil
}

func (store *stubTxStore) FindMemoryBySession(_ context.Context, sessionRef string) (Memory, bool, error) {
	for _, memory := range store.state.memories {
		if memory.ExternalSessionRef == sessionRef {
			return memory, true, nil
		}
	}
	return Memory{}, false, nil
}

func (store *stubTxStore) InsertMemory(_ context.Context, memory Memory) (bool, error) {
	if _, exists := store.state.memories[memory.ID]; exists {
		return false, nil
	}
	store.state.memories[memory.ID] = memory
	return true, nil
}

func (store *stubTxStore) ActivateMemory(_ context.Context, activation MemoryActivation) (bool, error) {
	if store.state.activateErr != nil {
		return false, store.state.activateErr
	}
	memory, ok := store.state.memories[activation.MemoryID.String()]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, status := range activation.From {
		if memory.Status == status {
			allowed = true
		}
	}
	if !allowed {
		return false, nil
	}
	paidAt := activation.PaidAt
	memory.Status = StatusActive
	memory.PaidAt = &paidAt
	memory.UnlockMethod = activation.UnlockMethod
	if activation.SessionRef != "" {
		memory.ExternalSessionRef = activation.SessionRef
	}
	if activation.PaymentRef != "" {
		memory.ExternalPaymentRef = activation.PaymentRef
	}
	memory.UpdatedAt = paidAt
	store.state.memories[memory.ID] = memory
	return true, nil
}

func (store *stubTxStore) MarkMemoryFailed(_ context.Context, memoryID MemoryID, at time.Time) (bool, error) {
	memory, ok := store.state.memories[memoryID.String()]
	if !ok || memory.Status != StatusPending {
		return false, nil
	}
	memory.Status = StatusFailed
	memory.UpdatedAt = at
	store.state.memories[memory.ID] = memory
	return true, nil
}

func (store *stubTxStore) AttachCheckoutSession(_ context.Context, memoryID MemoryID, sessionRef string, at time.Time) (bool, error) {
	memory, ok := store.state.memories[memoryID.String()]
	if !ok || memory.Status == StatusActive {
		return false, nil
	}
	memory.Status = StatusPending
	memory.ExternalSessionRef = sessionRef
	memory.UpdatedAt = at
	store.state.memories[memory.ID] = memory
	return true, nil
}

func (store *stubTxStore) ConsumeFreeUnlock(_ context.Context, userID ledger.UserID, _ time.Time) (bool, error) {
	if !store.state.freeUnlocks[userID.String()] {
		return false, nil
	}
	store.state.freeUnlocks[userID.String()] = false
	return true, nil
}

type recorderCall struct {
	userID     string
	subjectRef string
}

type stubRecorder struct {
	mutex   sync.Mutex
	calls   []recorderCall
	outcome referral.ConversionOutcome
	err     error
}

func (recorder *stubRecorder) RecordFirstPayment(_ context.Context, referredUserID ledger.UserID, subjectRef string) (referral.ConversionOutcome, error) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.calls = append(recorder.calls, recorderCall{userID: referredUserID.String(), subjectRef: subjectRef})
	if recorder.err != nil {
		return "", recorder.err
	}
	if recorder.outcome == "" {
		return referral.OutcomeRecorded, nil
	}
	return recorder.outcome, nil
}

func (recorder *stubRecorder) callCount() int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return len(recorder.calls)
}

type stubGateway struct {
	callback PaymentCallback
	err      error
	lookups  []string
}

func (gateway *stubGateway) LookupSession(_ context.Context, sessionRef string) (PaymentCallback, error) {
	gateway.lookups = append(gateway.lookups, sessionRef)
	if gateway.err != nil {
		return PaymentCallback{}, gateway.err
	}
	return gateway.callback, nil
}

var errGatewayDown = errors.New("gateway down")

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func mustCoordinator(test *testing.T, store Store, recorder ConversionRecorder, options ...Option) *Coordinator {
	test.Helper()
	coordinator, err := NewCoordinator(store, recorder, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func mustMemoryID(test *testing.T, raw string) MemoryID {
	test.Helper()
	memoryID, err := NewMemoryID(raw)
	if err != nil {
		test.Fatalf("memory id: %v", err)
	}
	return memoryID
}

func mustUserID(test *testing.T, raw string) ledger.UserID {
	test.Helper()
	userID, err := ledger.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func pendingMemory(memoryID string, userID string) Memory {
	return Memory{ID: memoryID, UserID: userID, Status: StatusPending, CreatedAt: fixedNow, UpdatedAt: fixedNow}
}
