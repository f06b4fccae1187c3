package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountExists            = errors.New("account already exists")
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrDuplicateExternalOrder   = errors.New("duplicate external order")
	ErrUnknownTransaction       = errors.New("unknown transaction")
	ErrInvalidAccountID         = errors.New("invalid account id")
	ErrInvalidAdminID           = errors.New("invalid admin id")
	ErrInvalidCreditAmount      = errors.New("invalid credit amount")
	ErrInvalidDescription       = errors.New("invalid description")
	ErrInvalidExternalOrderID   = errors.New("invalid external order id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidTransactionKind   = errors.New("invalid transaction kind")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidStarterCredits    = errors.New("invalid starter credits")
	ErrInvalidPlan              = errors.New("invalid plan")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidBalance           = errors.New("invalid balance")
	ErrInvalidTransactionsLimit = errors.New("invalid transactions limit")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
