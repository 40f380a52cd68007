package gormstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

func TestReferralStoreClassifiesUniqueViolations(test *testing.T) {
	test.Parallel()
	store := NewReferralStore(openTestDB(test))
	ctx := context.Background()
	require.NoError(test, store.InsertAccount(ctx, referral.Account{UserID: "R", Code: "REFR2222", CreatedAt: fixedNow, UpdatedAt: fixedNow}))

	err := store.InsertAccount(ctx, referral.Account{UserID: "X", Code: "REFR2222", CreatedAt: fixedNow, UpdatedAt: fixedNow})
	assert.ErrorIs(test, err, referral.ErrDuplicateCode)

	err = store.InsertAccount(ctx, referral.Account{UserID: "R", Code: "OTHR3333", CreatedAt: fixedNow, UpdatedAt: fixedNow})
	assert.ErrorIs(test, err, referral.ErrAccountExists)

	require.NoError(test, store.InsertConversion(ctx, referral.Conversion{ID: "c1", ReferrerID: "R", ReferredID: "U", ConvertedAt: fixedNow}))
	err = store.InsertConversion(ctx, referral.Conversion{ID: "c2", ReferrerID: "R", ReferredID: "U", ConvertedAt: fixedNow})
	assert.ErrorIs(test, err, referral.ErrDuplicateConversion)
}

func TestReferralStoreSetReferrerOnlyOnce(test *testing.T) {
	test.Parallel()
	store := NewReferralStore(openTestDB(test))
	ctx := context.Background()
	require.NoError(test, store.InsertAccount(ctx, referral.Account{UserID: "U", Code: "USER3333", CreatedAt: fixedNow, UpdatedAt: fixedNow}))

	linked, err := store.SetReferrer(ctx, mustUserID(test, "U"), "U", fixedNow)
	require.NoError(test, err)
	assert.False(test, linked, "self referral must not match")

	linked, err = store.SetReferrer(ctx, mustUserID(test, "U"), "R", fixedNow)
	require.NoError(test, err)
	assert.True(test, linked)

	linked, err = store.SetReferrer(ctx, mustUserID(test, "U"), "S", fixedNow)
	require.NoError(test, err)
	assert.False(test, linked, "referred_by is immutable once set")

	account, found, err := store.FindAccount(ctx, mustUserID(test, "U"))
	require.NoError(test, err)
	require.True(test, found)
	assert.Equal(test, "R", account.ReferredBy)
}

func TestReferralStoreClaimBookkeeping(test *testing.T) {
	test.Parallel()
	db := openTestDB(test)
	store := NewReferralStore(db)
	ctx := context.Background()
	require.NoError(test, store.InsertAccount(ctx, referral.Account{UserID: "R", Code: "REFR2222", CreatedAt: fixedNow, UpdatedAt: fixedNow}))
	for _, referred := range []string{"U1", "U2"} {
		require.NoError(test, store.InsertConversion(ctx, referral.Conversion{ID: "conv-" + referred, ReferrerID: "R", ReferredID: referred, ConvertedAt: fixedNow}))
		incremented, err := store.IncrementConversionCounters(ctx, "R", fixedNow)
		require.NoError(test, err)
		require.True(test, incremented)
	}
	desk, err := referral.NewClaimDesk(store, fixedClock, referral.WithClaimAmountCents(500))
	require.NoError(test, err)

	receipt, err := desk.FileClaim(ctx, mustUserID(test, "R"), "paypal", "r@example.com")
	require.NoError(test, err)
	assert.Equal(test, int64(1), receipt.RemainingPendingClaims)
	assert.Equal(test, int64(500), receipt.Claim.AmountCents)

	conversions, err := store.ListConversions(ctx, "R", 10)
	require.NoError(test, err)
	claimed := 0
	for _, conversion := range conversions {
		if conversion.Claimed {
			claimed++
			assert.NotNil(test, conversion.ClaimedAt)
		}
	}
	assert.Equal(test, 1, claimed)

	processed, err := desk.ProcessClaim(ctx, receipt.Claim.ID, referral.ClaimCompleted, "sent", "admin")
	require.NoError(test, err)
	assert.Equal(test, referral.ClaimCompleted, processed.Status)
	require.NotNil(test, processed.ProcessedAt)

	_, err = desk.ProcessClaim(ctx, receipt.Claim.ID, referral.ClaimRejected, "", "admin")
	assert.ErrorIs(test, err, referral.ErrAlreadyProcessed)

	_, err = desk.FileClaim(ctx, mustUserID(test, "R"), "paypal", "")
	require.NoError(test, err)
	_, err = desk.FileClaim(ctx, mustUserID(test, "R"), "paypal", "")
	assert.ErrorIs(test, err, referral.ErrNoPendingClaims)
	assert.ErrorIs(test, err, referral.ErrAlreadyClaimed)

	account, _, err := store.FindAccount(ctx, mustUserID(test, "R"))
	require.NoError(test, err)
	assert.Equal(test, int64(0), account.PendingClaimCount)
	assert.Equal(test, int64(2), account.TotalClaimedCount)
	assert.Equal(test, int64(2), account.PaidConversionCount)

	pending, err := desk.ListClaims(ctx, referral.ClaimFilter{Status: referral.ClaimPending})
	require.NoError(test, err)
	assert.Len(test, pending, 1)
}
