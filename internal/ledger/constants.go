package ledger

const (
	operationCreateAccount = "create_account"
	operationDebit         = "debit"
	operationCredit        = "credit"
	operationGrant         = "grant"
	operationRefund        = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	metadataKeyGrantedBy   = "granted_by"
	metadataKeyIssuedBy    = "issued_by"
	metadataKeyRefundsTxID = "refunds_transaction_id"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)
