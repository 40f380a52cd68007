package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// MemoryStore implements activation.Store and referral.PaymentHistory using GORM.
type MemoryStore struct {
	db *gorm.DB
}

// NewMemoryStore returns a MemoryStore backed by gorm.DB.
func NewMemoryStore(db *gorm.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore activation.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &MemoryStore{db: transaction})
	})
}

func (store *MemoryStore) FindMemory(ctx context.Context, memoryID activation.MemoryID) (activation.Memory, bool, error) {
	return store.findMemory(ctx, "id = ?", memoryID.String())
}

func (store *MemoryStore) FindMemoryBySession(ctx context.Context, sessionRef string) (activation.Memory, bool, error) {
	return store.findMemory(ctx, "external_session_ref = ?", sessionRef)
}

func (store *MemoryStore) findMemory(ctx context.Context, query string, value string) (activation.Memory, bool, error) {
	var model Memory
	err := store.db.WithContext(ctx).Where(query, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return activation.Memory{}, false, nil
	}
	if err != nil {
		return activation.Memory{}, false, wrapStoreError(errorSubjectMemory, errorCodeGet, err)
	}
	memory, err := mapMemory(model)
	if err != nil {
		return activation.Memory{}, false, wrapStoreError(errorSubjectMemory, errorCodeInvalid, err)
	}
	return memory, true, nil
}

func (store *MemoryStore) InsertMemory(ctx context.Context, memory activation.Memory) (bool, error) {
	model := Memory{
		ID:        memory.ID,
		UserID:    memory.UserID,
		Status:    memory.Status.String(),
		CreatedAt: memory.CreatedAt,
		UpdatedAt: memory.UpdatedAt,
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectMemory, errorCodeInsert, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *MemoryStore) ActivateMemory(ctx context.Context, memoryActivation activation.MemoryActivation) (bool, error) {
	fromStatuses := make([]string, 0, len(memoryActivation.From))
	for _, status := range memoryActivation.From {
		fromStatuses = append(fromStatuses, status.String())
	}
	assignments := map[string]any{
		"status":        activation.StatusActive.String(),
		"paid_at":       memoryActivation.PaidAt,
		"unlock_method": string(memoryActivation.UnlockMethod),
		"updated_at":    memoryActivation.PaidAt,
	}
	if memoryActivation.SessionRef != "" {
		assignments["external_session_ref"] = memoryActivation.SessionRef
	}
	if memoryActivation.PaymentRef != "" {
		assignments["external_payment_ref"] = memoryActivation.PaymentRef
	}
	result := store.db.WithContext(ctx).
		Model(&Memory{}).
		Where("id = ? AND status IN ?", memoryActivation.MemoryID.String(), fromStatuses).
		Updates(assignments)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectMemory, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *MemoryStore) MarkMemoryFailed(ctx context.Context, memoryID activation.MemoryID, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Memory{}).
		Where("id = ? AND status = ?", memoryID.String(), activation.StatusPending.String()).
		Updates(map[string]any{"status": activation.StatusFailed.String(), "updated_at": at})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectMemory, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *MemoryStore) AttachCheckoutSession(ctx context.Context, memoryID activation.MemoryID, sessionRef string, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Memory{}).
		Where("id = ? AND status <> ?", memoryID.String(), activation.StatusActive.String()).
		Updates(map[string]any{
			"status":               activation.StatusPending.String(),
			"external_session_ref": sessionRef,
			"updated_at":           at,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectMemory, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ConsumeFreeUnlock writes referral_accounts so the caller can pair it with a
// memory activation inside one transaction.
func (store *MemoryStore) ConsumeFreeUnlock(ctx context.Context, userID ledger.UserID, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ReferralAccount{}).
		Where("user_id = ? AND referred_by IS NOT NULL AND free_unlock_used = ?", userID.String(), false).
		Updates(map[string]any{"free_unlock_used": true, "updated_at": at})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CountActiveMemoriesBefore implements referral.PaymentHistory. Active memories
// are ordered by (paid_at, id); when subjectRef has not been paid yet every
// other active memory counts as earlier.
func (store *MemoryStore) CountActiveMemoriesBefore(ctx context.Context, userID ledger.UserID, subjectRef string) (int64, error) {
	query := store.db.WithContext(ctx).
		Model(&Memory{}).
		Where("user_id = ? AND status = ? AND id <> ?", userID.String(), activation.StatusActive.String(), subjectRef)
	var subject Memory
	err := store.db.WithContext(ctx).
		Select("id", "paid_at").
		Where("id = ? AND user_id = ?", subjectRef, userID.String()).
		Take(&subject).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return 0, wrapStoreError(errorSubjectMemory, errorCodeGet, err)
	case subject.PaidAt != nil:
		paidAt := subject.PaidAt.UTC()
		query = query.Where("(paid_at IS NULL OR paid_at < ? OR (paid_at = ? AND id < ?))", paidAt, paidAt, subject.ID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectMemory, errorCodeCount, err)
	}
	return count, nil
}

func mapMemory(model Memory) (activation.Memory, error) {
	status, err := activation.ParseStatus(model.Status)
	if err != nil {
		return activation.Memory{}, err
	}
	return activation.Memory{
		ID:                 model.ID,
		UserID:             model.UserID,
		Status:             status,
		ExternalSessionRef: stringOrEmpty(model.ExternalSessionRef),
		ExternalPaymentRef: stringOrEmpty(model.ExternalPaymentRef),
		UnlockMethod:       activation.UnlockMethod(stringOrEmpty(model.UnlockMethod)),
		PaidAt:             model.PaidAt,
		CreatedAt:          model.CreatedAt,
		UpdatedAt:          model.UpdatedAt,
	}, nil
}
