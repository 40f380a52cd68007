package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

const defaultSummaryConversions = 20

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := requireSession(ctx)
	if !ok {
		return
	}
	account, err := handler.services.Ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := requireSession(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var before time.Time
	if raw := ctx.Query("before"); raw != "" {
		before, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			handler.respondError(ctx, fmt.Errorf("%w: before must be RFC3339", errInvalidPayload))
			return
		}
	}
	transactions, err := handler.services.Ledger.Transactions(ctx.Request.Context(), userID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": newTransactionPayloads(transactions)})
}

func (handler *httpHandler) handleCreateReferralAccount(ctx *gin.Context) {
	userID, ok := requireSession(ctx)
	if !ok {
		return
	}
	var request codeRequest
	if !bindOptionalJSON(ctx, &request) {
		return
	}
	var usedCode *referral.Code
	if strings.TrimSpace(request.Code) != "" {
		code, err := referral.NewCode(request.Code)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		usedCode = &code
	}
	account, created, err := handler.services.Registry.CreateAccount(ctx.Request.Context(), userID, usedCode)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ctx.JSON(status, gin.H{"account": newReferralAccountPayload(account), "created": created})
}

func (handler *httpHandler) handleLinkCode(ctx *gin.Context) {
	userID, ok := requireSession(ctx)
	if !ok {
		return
	}
	var request codeRequest
	if !bindJSON(ctx, &request) {
		return
	}
	code, err := referral.NewCode(request.Code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	account, err := handler.services.Registry.LinkCodeLater(ctx.Request.Context(), userID, code)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newReferralAccountPayload(account)})
}

func (handler *httpHandler) handleLookupCode(ctx *gin.Context) {
	if _, ok := requireSession(ctx); !ok {
		return
	}
	code, err := referral.NewCode(ctx.Param("code"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if _, err := handler.services.Registry.LookupByCode(ctx.Request.Context(), code); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": code.String(), "valid": true})
}

func (handler *httpHandler) handleReferralSummary(ctx *gin.Context) {
	userID, ok := requireSession(ctx)
	if !ok {
		return
	}
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if limit == 0 {
		limit = defaultSummaryConversions
	}
	summary, err := handler.services.Registry.Summary(ctx.Request.Context(), userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account":            newReferralAccountPayload(summary.Account),
		"signup_count":       summary.SignupCount,
		"conversions":        newConversionPayloads(summary.Conversions),
		"claim_amount_cents": handler.services.Claims.ClaimAmountCents(),
	})
}

func (handler *httpHandler) handleFileClaim(ctx *gin.Context) {
	userID, ok := requireSession(ctx)
	if !ok {
		return
	}
	var request claimRequest
	if !bindJSON(ctx, &request) {
		return
	}
	receipt, err := handler.services.Claims.FileClaim(ctx.Request.Context(), userID, request.PayoutMethod, request.PayoutDetails)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"claim":                    newClaimPayload(receipt.Claim),
		"remaining_pending_claims": receipt.RemainingPendingClaims,
	})
}

func (handler *httpHandler) handleRegisterCheckout(ctx *gin.Context) {
	userID, memoryID, ok := handler.memoryRequest(ctx)
	if !ok {
		return
	}
	var request checkoutRequest
	if !bindJSON(ctx, &request) {
		return
	}
	memory, err := handler.services.Coordinator.RegisterCheckout(ctx.Request.Context(), memoryID, userID, request.SessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"memory": newMemoryPayload(memory)})
}

func (handler *httpHandler) handleVerifyCheckout(ctx *gin.Context) {
	userID, memoryID, ok := handler.memoryRequest(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.GatewayTimeout)
	defer cancel()
	result, err := handler.services.Coordinator.VerifyCheckout(requestCtx, memoryID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": result.Outcome, "memory": newMemoryPayload(result.Memory)})
}

func (handler *httpHandler) handleFreeUnlock(ctx *gin.Context) {
	userID, memoryID, ok := handler.memoryRequest(ctx)
	if !ok {
		return
	}
	result, err := handler.services.Coordinator.ActivateViaFreeUnlock(ctx.Request.Context(), memoryID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"memory": newMemoryPayload(result.Memory)})
}

func (handler *httpHandler) handleOpenMemory(ctx *gin.Context) {
	var request openMemoryRequest
	if !bindJSON(ctx, &request) {
		return
	}
	memoryID, err := activation.NewMemoryID(request.MemoryID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	memory, err := handler.services.Coordinator.OpenMemory(ctx.Request.Context(), memoryID, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"memory": newMemoryPayload(memory)})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	externalRef, err := ledger.NewExternalRef(request.ExternalRef)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.services.Ledger.Grant(ctx.Request.Context(), ledger.GrantRequest{
		UserID:      userID,
		Amount:      amount,
		ExternalRef: externalRef,
		PackageRef:  strings.TrimSpace(request.PackageRef),
		Description: request.Description,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handleDebit(ctx *gin.Context) {
	handler.handleMovement(ctx, func(requestCtx context.Context, userID ledger.UserID, amount ledger.Credits, subjectRef ledger.SubjectRef, description string) (ledger.Receipt, error) {
		return handler.services.Ledger.Debit(requestCtx, ledger.DebitRequest{
			UserID:      userID,
			Amount:      amount,
			SubjectRef:  subjectRef,
			Description: description,
		})
	})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	handler.handleMovement(ctx, func(requestCtx context.Context, userID ledger.UserID, amount ledger.Credits, subjectRef ledger.SubjectRef, description string) (ledger.Receipt, error) {
		return handler.services.Ledger.Refund(requestCtx, ledger.RefundRequest{
			UserID:      userID,
			Amount:      amount,
			SubjectRef:  subjectRef,
			Description: description,
		})
	})
}

type movementFunc func(ctx context.Context, userID ledger.UserID, amount ledger.Credits, subjectRef ledger.SubjectRef, description string) (ledger.Receipt, error)

func (handler *httpHandler) handleMovement(ctx *gin.Context, move movementFunc) {
	var request movementRequest
	if !bindJSON(ctx, &request) {
		return
	}
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	subjectRef, err := ledger.NewSubjectRef(request.SubjectRef)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := move(ctx.Request.Context(), userID, amount, subjectRef, request.Description)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"receipt": newReceiptPayload(receipt)})
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var payload webhookPayload
	if err := json.NewDecoder(ctx.Request.Body).Decode(&payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	result, err := handler.services.Coordinator.HandlePaymentCallback(ctx.Request.Context(), activation.PaymentCallback{
		MemoryID:        payload.MemoryID,
		SessionRef:      payload.SessionID,
		PaymentRef:      payload.PaymentID,
		PayerUserID:     payload.PayerUserID,
		Status:          activation.ParsePaymentStatus(payload.Status),
		DiscountApplied: payload.DiscountApplied,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"outcome": result.Outcome, "memory": newMemoryPayload(result.Memory)})
}

func (handler *httpHandler) handleListClaims(ctx *gin.Context) {
	limit, err := queryInt(ctx, "limit")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	filter := referral.ClaimFilter{UserID: strings.TrimSpace(ctx.Query("user_id")), Limit: limit}
	if raw := ctx.Query("status"); raw != "" {
		status, err := referral.ParseClaimStatus(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		filter.Status = status
	}
	claims, err := handler.services.Claims.ListClaims(ctx.Request.Context(), filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]claimPayload, 0, len(claims))
	for _, claim := range claims {
		payloads = append(payloads, newClaimPayload(claim))
	}
	ctx.JSON(http.StatusOK, gin.H{"claims": payloads})
}

func (handler *httpHandler) handleProcessClaim(ctx *gin.Context) {
	var request processClaimRequest
	if !bindJSON(ctx, &request) {
		return
	}
	decision, err := referral.ParseDecision(request.Decision)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	claim, err := handler.services.Claims.ProcessClaim(ctx.Request.Context(), ctx.Param("id"), decision, request.Note, operatorName(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"claim": newClaimPayload(claim)})
}

func (handler *httpHandler) memoryRequest(ctx *gin.Context) (ledger.UserID, activation.MemoryID, bool) {
	userID, ok := requireSession(ctx)
	if !ok {
		return ledger.UserID{}, activation.MemoryID{}, false
	}
	memoryID, err := activation.NewMemoryID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return ledger.UserID{}, activation.MemoryID{}, false
	}
	return userID, memoryID, true
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(ctx *gin.Context, target any) bool {
	if ctx.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(ctx, target)
}

func queryInt(ctx *gin.Context, key string) (int, error) {
	raw := ctx.Query(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidPayload, key)
	}
	return value, nil
}
