package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

type errorMapping struct {
	target error
	status int
	code   string
}

// errorMappings is ordered: the first match wins.
var errorMappings = []errorMapping{
	{target: referral.ErrAlreadyClaimed, status: http.StatusConflict, code: "already_claimed"},
	{target: referral.ErrNoPendingClaims, status: http.StatusConflict, code: "no_pending_claims"},
	{target: referral.ErrAlreadyProcessed, status: http.StatusConflict, code: "already_processed"},
	{target: referral.ErrAlreadyLinked, status: http.StatusConflict, code: "already_linked"},
	{target: referral.ErrInvalidCode, status: http.StatusBadRequest, code: "invalid_referral_code"},
	{target: referral.ErrSelfReferral, status: http.StatusBadRequest, code: "self_referral"},
	{target: referral.ErrUnknownAccount, status: http.StatusNotFound, code: "unknown_referral_account"},
	{target: referral.ErrUnknownClaim, status: http.StatusNotFound, code: "unknown_claim"},
	{target: referral.ErrInvalidDecision, status: http.StatusBadRequest, code: "invalid_decision"},
	{target: referral.ErrInvalidPayout, status: http.StatusBadRequest, code: "invalid_payout"},
	{target: referral.ErrCodeSpaceExhausted, status: http.StatusServiceUnavailable, code: "code_space_exhausted"},
	{target: activation.ErrAlreadyActive, status: http.StatusConflict, code: "already_active"},
	{target: activation.ErrMemoryNotPending, status: http.StatusConflict, code: "memory_not_pending"},
	{target: activation.ErrMemoryNotOwned, status: http.StatusForbidden, code: "memory_not_owned"},
	{target: activation.ErrUnknownMemory, status: http.StatusNotFound, code: "unknown_memory"},
	{target: activation.ErrNoFreeUnlockAvailable, status: http.StatusConflict, code: "no_free_unlock"},
	{target: activation.ErrNoCheckoutSession, status: http.StatusConflict, code: "no_checkout_session"},
	{target: activation.ErrGatewayUnavailable, status: http.StatusServiceUnavailable, code: "gateway_unavailable"},
	{target: activation.ErrGatewayLookup, status: http.StatusBadGateway, code: "gateway_error"},
	{target: activation.ErrInvalidMemoryID, status: http.StatusBadRequest, code: "invalid_memory_id"},
	{target: activation.ErrInvalidSessionRef, status: http.StatusBadRequest, code: "invalid_session"},
	{target: ledger.ErrInsufficientBalance, status: http.StatusPaymentRequired, code: "insufficient_balance"},
	{target: ledger.ErrConflict, status: http.StatusConflict, code: "conflict"},
	{target: ledger.ErrExternalRefOwner, status: http.StatusConflict, code: "external_ref_conflict"},
	{target: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{target: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{target: ledger.ErrInvalidExternalRef, status: http.StatusBadRequest, code: "invalid_external_ref"},
	{target: ledger.ErrInvalidSubjectRef, status: http.StatusBadRequest, code: "invalid_subject_ref"},
	{target: ledger.ErrInvalidMetadataJSON, status: http.StatusBadRequest, code: "invalid_metadata"},
	{target: errInvalidPayload, status: http.StatusBadRequest, code: "invalid_payload"},
}

var errInvalidPayload = errors.New("invalid payload")

func classifyError(err error) (int, string) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			return mapping.status, mapping.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}
