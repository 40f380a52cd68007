package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

// ReferralStore implements referral.Store using GORM.
type ReferralStore struct {
	db *gorm.DB
}

// NewReferralStore returns a ReferralStore backed by gorm.DB.
func NewReferralStore(db *gorm.DB) *ReferralStore {
	return &ReferralStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *ReferralStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore referral.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &ReferralStore{db: transaction})
	})
}

func (store *ReferralStore) FindAccount(ctx context.Context, userID ledger.UserID) (referral.Account, bool, error) {
	return store.findAccount(ctx, "user_id = ?", userID.String())
}

func (store *ReferralStore) FindAccountByCode(ctx context.Context, code referral.Code) (referral.Account, bool, error) {
	return store.findAccount(ctx, "code = ?", code.String())
}

func (store *ReferralStore) findAccount(ctx context.Context, query string, value string) (referral.Account, bool, error) {
	var model ReferralAccount
	err := store.db.WithContext(ctx).Where(query, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.Account{}, false, nil
	}
	if err != nil {
		return referral.Account{}, false, wrapStoreError(errorSubjectReferral, errorCodeGet, err)
	}
	return mapReferralAccount(model), true, nil
}

func (store *ReferralStore) InsertAccount(ctx context.Context, account referral.Account) error {
	model := ReferralAccount{
		UserID:     account.UserID,
		Code:       account.Code,
		ReferredBy: optionalString(account.ReferredBy),
		CreatedAt:  account.CreatedAt,
		UpdatedAt:  account.UpdatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, constraintReferralCode, sqliteColumnReferralCode):
		return wrapStoreError(errorSubjectReferral, errorCodeDuplicate, referral.ErrDuplicateCode)
	case isUniqueViolation(err, constraintReferralAccountsPkey, sqliteColumnReferralUser):
		return wrapStoreError(errorSubjectReferral, errorCodeDuplicate, referral.ErrAccountExists)
	default:
		return wrapStoreError(errorSubjectReferral, errorCodeInsert, err)
	}
}

func (store *ReferralStore) SetReferrer(ctx context.Context, userID ledger.UserID, referrerID string, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ReferralAccount{}).
		Where("user_id = ? AND referred_by IS NULL AND user_id <> ?", userID.String(), referrerID).
		Updates(map[string]any{"referred_by": referrerID, "updated_at": at})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *ReferralStore) CountReferredBy(ctx context.Context, userID ledger.UserID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ReferralAccount{}).
		Where("referred_by = ?", userID.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectReferral, errorCodeCount, err)
	}
	return count, nil
}

func (store *ReferralStore) InsertConversion(ctx context.Context, conversion referral.Conversion) error {
	model := ReferralConversion{
		ID:          conversion.ID,
		ReferrerID:  conversion.ReferrerID,
		ReferredID:  conversion.ReferredID,
		SubjectRef:  conversion.SubjectRef,
		ConvertedAt: conversion.ConvertedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintConversionReferred, sqliteColumnConversionReferred) {
		return wrapStoreError(errorSubjectConversion, errorCodeDuplicate, referral.ErrDuplicateConversion)
	}
	if err != nil {
		return wrapStoreError(errorSubjectConversion, errorCodeInsert, err)
	}
	return nil
}

func (store *ReferralStore) IncrementConversionCounters(ctx context.Context, referrerID string, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ReferralAccount{}).
		Where("user_id = ?", referrerID).
		Updates(map[string]any{
			"paid_conversion_count": gorm.Expr("paid_conversion_count + 1"),
			"pending_claim_count":   gorm.Expr("pending_claim_count + 1"),
			"updated_at":            at,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *ReferralStore) MarkDiscountUsed(ctx context.Context, userID ledger.UserID, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ReferralAccount{}).
		Where("user_id = ? AND discount_used = ?", userID.String(), false).
		Updates(map[string]any{"discount_used": true, "updated_at": at})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *ReferralStore) ListConversions(ctx context.Context, referrerID string, limit int) ([]referral.Conversion, error) {
	var rows []ReferralConversion
	err := store.db.WithContext(ctx).
		Where("referrer_id = ?", referrerID).
		Order("converted_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectConversion, errorCodeList, err)
	}
	conversions := make([]referral.Conversion, 0, len(rows))
	for _, row := range rows {
		conversions = append(conversions, mapReferralConversion(row))
	}
	return conversions, nil
}

func (store *ReferralStore) ConsumePendingClaim(ctx context.Context, userID ledger.UserID, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ReferralAccount{}).
		Where("user_id = ? AND pending_claim_count > 0", userID.String()).
		Updates(map[string]any{
			"pending_claim_count": gorm.Expr("pending_claim_count - 1"),
			"total_claimed_count": gorm.Expr("total_claimed_count + 1"),
			"updated_at":          at,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReferral, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *ReferralStore) InsertClaim(ctx context.Context, claim referral.Claim) error {
	model := ReferralClaim{
		ID:            claim.ID,
		UserID:        claim.UserID,
		AmountCents:   claim.AmountCents,
		PayoutMethod:  claim.PayoutMethod,
		PayoutDetails: claim.PayoutDetails,
		Status:        claim.Status.String(),
		CreatedAt:     claim.CreatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectClaim, errorCodeInsert, err)
	}
	return nil
}

// MarkOneConversionClaimed flags the oldest unclaimed conversion. The outer
// claimed check keeps a concurrent filer from flagging the same row twice.
func (store *ReferralStore) MarkOneConversionClaimed(ctx context.Context, referrerID string, at time.Time) (bool, error) {
	oldestUnclaimed := store.db.
		Model(&ReferralConversion{}).
		Select("id").
		Where("referrer_id = ? AND claimed = ?", referrerID, false).
		Order("converted_at ASC").
		Limit(1)
	result := store.db.WithContext(ctx).
		Model(&ReferralConversion{}).
		Where("id = (?) AND claimed = ?", oldestUnclaimed, false).
		Updates(map[string]any{"claimed": true, "claimed_at": at})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectConversion, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *ReferralStore) DecideClaim(ctx context.Context, decision referral.ClaimDecision) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&ReferralClaim{}).
		Where("id = ? AND status = ?", decision.ClaimID, referral.ClaimPending.String()).
		Updates(map[string]any{
			"status":       decision.Status.String(),
			"admin_note":   decision.AdminNote,
			"processed_by": decision.ProcessedBy,
			"processed_at": decision.ProcessedAt,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectClaim, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *ReferralStore) FindClaim(ctx context.Context, claimID string) (referral.Claim, bool, error) {
	var model ReferralClaim
	err := store.db.WithContext(ctx).Where("id = ?", claimID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return referral.Claim{}, false, nil
	}
	if err != nil {
		return referral.Claim{}, false, wrapStoreError(errorSubjectClaim, errorCodeGet, err)
	}
	claim, err := mapReferralClaim(model)
	if err != nil {
		return referral.Claim{}, false, wrapStoreError(errorSubjectClaim, errorCodeInvalid, err)
	}
	return claim, true, nil
}

func (store *ReferralStore) ListClaims(ctx context.Context, filter referral.ClaimFilter) ([]referral.Claim, error) {
	query := store.db.WithContext(ctx).Model(&ReferralClaim{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status.String())
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	var rows []ReferralClaim
	if err := query.Order("created_at DESC").Limit(filter.Limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectClaim, errorCodeList, err)
	}
	claims := make([]referral.Claim, 0, len(rows))
	for _, row := range rows {
		claim, err := mapReferralClaim(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectClaim, errorCodeInvalid, err)
		}
		claims = append(claims, claim)
	}
	return claims, nil
}

func mapReferralAccount(model ReferralAccount) referral.Account {
	return referral.Account{
		UserID:              model.UserID,
		Code:                model.Code,
		ReferredBy:          stringOrEmpty(model.ReferredBy),
		DiscountUsed:        model.DiscountUsed,
		FreeUnlockUsed:      model.FreeUnlockUsed,
		PaidConversionCount: model.PaidConversionCount,
		PendingClaimCount:   model.PendingClaimCount,
		TotalClaimedCount:   model.TotalClaimedCount,
		CreatedAt:           model.CreatedAt,
		UpdatedAt:           model.UpdatedAt,
	}
}

func mapReferralConversion(model ReferralConversion) referral.Conversion {
	return referral.Conversion{
		ID:          model.ID,
		ReferrerID:  model.ReferrerID,
		ReferredID:  model.ReferredID,
		SubjectRef:  model.SubjectRef,
		ConvertedAt: model.ConvertedAt,
		Claimed:     model.Claimed,
		ClaimedAt:   model.ClaimedAt,
	}
}

func mapReferralClaim(model ReferralClaim) (referral.Claim, error) {
	status, err := referral.ParseClaimStatus(model.Status)
	if err != nil {
		return referral.Claim{}, err
	}
	return referral.Claim{
		ID:            model.ID,
		UserID:        model.UserID,
		AmountCents:   model.AmountCents,
		PayoutMethod:  model.PayoutMethod,
		PayoutDetails: model.PayoutDetails,
		Status:        status,
		AdminNote:     model.AdminNote,
		ProcessedBy:   model.ProcessedBy,
		CreatedAt:     model.CreatedAt,
		ProcessedAt:   model.ProcessedAt,
	}, nil
}
