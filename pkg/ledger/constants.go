package ledger

const (
	operationOpen   = "open"
	operationAdjust = "adjust"
	operationDebit  = "debit"
	operationGrant  = "grant"
	operationRefund = "refund"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	idempotencyKeyDelimiter = ":"

	defaultListEntriesLimit = 50
	maxListEntriesLimit     = 200
)
