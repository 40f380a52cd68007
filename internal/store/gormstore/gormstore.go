package gormstore

import (
	"errors"
	"strings"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

const (
	constraintGrantExternalRef     = "uniq_credit_transactions_kind_external_ref"
	constraintReferralAccountsPkey = "referral_accounts_pkey"
	constraintReferralCode         = "uniq_referral_accounts_code"
	constraintConversionReferred   = "uniq_referral_conversions_referred_id"
	sqliteColumnGrantExternalRef   = "credit_transactions.external_ref"
	sqliteColumnReferralUser       = "referral_accounts.user_id"
	sqliteColumnReferralCode       = "referral_accounts.code"
	sqliteColumnConversionReferred = "referral_conversions.referred_id"
	defaultMetadataJSON            = "{}"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19

	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectReferral    = "referral"
	errorSubjectConversion  = "conversion"
	errorSubjectClaim       = "claim"
	errorSubjectMemory      = "memory"
	errorCodeCount          = "count"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeCompareAndSwap = "compare_and_swap"
)

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isUniqueViolation reports whether err is a unique violation of the named
// Postgres constraint or, on sqlite, of the named table.column.
func isUniqueViolation(err error, pgConstraint string, sqliteColumn string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == pgConstraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), sqliteColumn)
	}
	return false
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
