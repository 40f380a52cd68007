package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

type grantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_ref"`
	PackageRef  string `json:"package_ref"`
	Description string `json:"description"`
}

type movementRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	SubjectRef  string `json:"subject_ref"`
	Description string `json:"description"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type claimRequest struct {
	PayoutMethod  string `json:"payout_method"`
	PayoutDetails string `json:"payout_details"`
}

type processClaimRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

type checkoutRequest struct {
	SessionID string `json:"session_id"`
}

type openMemoryRequest struct {
	MemoryID string `json:"memory_id"`
	UserID   string `json:"user_id"`
}

type webhookPayload struct {
	MemoryID        string `json:"memory_id"`
	SessionID       string `json:"session_id"`
	PaymentID       string `json:"payment_id"`
	PayerUserID     string `json:"payer_user_id"`
	Status          string `json:"status"`
	DiscountApplied bool   `json:"discount_applied"`
}

type accountPayload struct {
	UserID       string `json:"user_id"`
	Balance      int64  `json:"balance"`
	TotalGranted int64  `json:"total_granted"`
	TotalSpent   int64  `json:"total_spent"`
}

type receiptPayload struct {
	TransactionID string `json:"transaction_id"`
	Balance       int64  `json:"balance"`
	Duplicate     bool   `json:"duplicate"`
}

type transactionPayload struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	SubjectRef   string    `json:"subject_ref,omitempty"`
	Description  string    `json:"description,omitempty"`
	Metadata     rawJSON   `json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
}

type referralAccountPayload struct {
	Code                string `json:"code"`
	Referred            bool   `json:"referred"`
	DiscountAvailable   bool   `json:"discount_available"`
	FreeUnlockAvailable bool   `json:"free_unlock_available"`
	PaidConversionCount int64  `json:"paid_conversion_count"`
	PendingClaimCount   int64  `json:"pending_claim_count"`
	TotalClaimedCount   int64  `json:"total_claimed_count"`
}

type conversionPayload struct {
	ID          string    `json:"id"`
	ConvertedAt time.Time `json:"converted_at"`
	Claimed     bool      `json:"claimed"`
}

type claimPayload struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	AmountCents   int64      `json:"amount_cents"`
	PayoutMethod  string     `json:"payout_method"`
	PayoutDetails string     `json:"payout_details,omitempty"`
	Status        string     `json:"status"`
	AdminNote     string     `json:"admin_note,omitempty"`
	ProcessedBy   string     `json:"processed_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

type memoryPayload struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	UnlockMethod string     `json:"unlock_method,omitempty"`
	SessionRef   string     `json:"session_ref,omitempty"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
}

// rawJSON embeds stored metadata without re-encoding it.
type rawJSON string

func (value rawJSON) MarshalJSON() ([]byte, error) {
	if value == "" {
		return []byte("{}"), nil
	}
	return []byte(value), nil
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		UserID:       account.UserID,
		Balance:      account.Balance.Int64(),
		TotalGranted: account.TotalGranted.Int64(),
		TotalSpent:   account.TotalSpent.Int64(),
	}
}

func newReceiptPayload(receipt ledger.Receipt) receiptPayload {
	return receiptPayload{
		TransactionID: receipt.TransactionID,
		Balance:       receipt.Balance.Int64(),
		Duplicate:     receipt.Duplicate,
	}
}

func newTransactionPayloads(transactions []ledger.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			ID:           transaction.ID,
			Kind:         transaction.Kind.String(),
			Amount:       transaction.Amount,
			BalanceAfter: transaction.BalanceAfter.Int64(),
			ExternalRef:  transaction.ExternalRef,
			SubjectRef:   transaction.SubjectRef,
			Description:  transaction.Description,
			Metadata:     rawJSON(transaction.Metadata.String()),
			CreatedAt:    transaction.CreatedAt,
		})
	}
	return payloads
}

func newReferralAccountPayload(account referral.Account) referralAccountPayload {
	return referralAccountPayload{
		Code:                account.Code,
		Referred:            account.IsReferred(),
		DiscountAvailable:   account.DiscountAvailable(),
		FreeUnlockAvailable: account.FreeUnlockAvailable(),
		PaidConversionCount: account.PaidConversionCount,
		PendingClaimCount:   account.PendingClaimCount,
		TotalClaimedCount:   account.TotalClaimedCount,
	}
}

func newConversionPayloads(conversions []referral.Conversion) []conversionPayload {
	payloads := make([]conversionPayload, 0, len(conversions))
	for _, conversion := range conversions {
		payloads = append(payloads, conversionPayload{
			ID:          conversion.ID,
			ConvertedAt: conversion.ConvertedAt,
			Claimed:     conversion.Claimed,
		})
	}
	return payloads
}

func newClaimPayload(claim referral.Claim) claimPayload {
	return claimPayload{
		ID:            claim.ID,
		UserID:        claim.UserID,
		AmountCents:   claim.AmountCents,
		PayoutMethod:  claim.PayoutMethod,
		PayoutDetails: claim.PayoutDetails,
		Status:        claim.Status.String(),
		AdminNote:     claim.AdminNote,
		ProcessedBy:   claim.ProcessedBy,
		CreatedAt:     claim.CreatedAt,
		ProcessedAt:   claim.ProcessedAt,
	}
}

func newMemoryPayload(memory activation.Memory) memoryPayload {
	return memoryPayload{
		ID:           memory.ID,
		Status:       memory.Status.String(),
		UnlockMethod: string(memory.UnlockMethod),
		SessionRef:   memory.ExternalSessionRef,
		PaidAt:       memory.PaidAt,
	}
}
