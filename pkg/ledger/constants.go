package ledger

const (
	operationGrant  = "grant"
	operationDebit  = "debit"
	operationRefund = "refund"

	// OperationStatusOK and OperationStatusError are the Status values of an OperationLog.
	OperationStatusOK    = "ok"
	OperationStatusError = "error"

	// OutcomeDuplicate marks a grant replay that moved no credits.
	OutcomeDuplicate = "duplicate"

	defaultDebitAttempts = 3
	maxListLimit         = 200

	metadataKeyPackageRef = "package_ref"
)
