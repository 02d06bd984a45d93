package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is a stable numeric code attached to every rejection that can
// reach a page context. Pages branch on the code, never on the message.
// 4xxx codes follow the provider-error convention dapps already understand,
// 5xxx codes are keeper internal.
type ErrorCode int

const (
	ErrCodeUserRejected           ErrorCode = 4001
	ErrCodeUserCancelled          ErrorCode = 4002
	ErrCodePermissionDenied       ErrorCode = 4100
	ErrCodeUnsupportedOperation   ErrorCode = 4200
	ErrCodePendingRequestLimit    ErrorCode = -32002
	ErrCodeTransactionRejected    ErrorCode = -32003
	ErrCodeMethodNotFound         ErrorCode = -32601
	ErrCodeInternal               ErrorCode = -32603
	ErrCodeWalletLocked           ErrorCode = 5001
	ErrCodeInvalidMnemonic        ErrorCode = 5002
	ErrCodeInvalidPrivateKey      ErrorCode = 5003
	ErrCodeDecryptionFailed       ErrorCode = 5004
	ErrCodeWindowCreateFailed     ErrorCode = 5005
	ErrCodeApprovalAlreadyPending ErrorCode = 5006
	ErrCodeDeviceDisconnected     ErrorCode = 5008
)

// Error is the wire shape of a keeper rejection: {code, message} plus
// optional diagnostic data.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches by code so sentinel comparisons survive WithData copies and
// RPC round trips.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithData returns a copy of err carrying marshalled diagnostic data. The
// original sentinel stays untouched.
func (e *Error) WithData(data interface{}) *Error {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = nil
	}
	return &Error{Code: e.Code, Message: e.Message, Data: raw}
}

var (
	ErrUserRejected           = &Error{Code: ErrCodeUserRejected, Message: "user rejected the request"}
	ErrUserCancelled          = &Error{Code: ErrCodeUserCancelled, Message: "user cancelled the request"}
	ErrPermissionDenied       = &Error{Code: ErrCodePermissionDenied, Message: "origin has no permission"}
	ErrUnsupportedOperation   = &Error{Code: ErrCodeUnsupportedOperation, Message: "operation not supported by this keyring"}
	ErrPendingRequestLimit    = &Error{Code: ErrCodePendingRequestLimit, Message: "a request is already pending on this connection"}
	ErrTransactionRejected    = &Error{Code: ErrCodeTransactionRejected, Message: "duplicate in-flight call rejected"}
	ErrMethodNotFound         = &Error{Code: ErrCodeMethodNotFound, Message: "method not found"}
	ErrWalletLocked           = &Error{Code: ErrCodeWalletLocked, Message: "wallet is locked"}
	ErrInvalidMnemonic        = &Error{Code: ErrCodeInvalidMnemonic, Message: "invalid mnemonic phrase"}
	ErrInvalidPrivateKey      = &Error{Code: ErrCodeInvalidPrivateKey, Message: "invalid private key"}
	ErrDecryptionFailed       = &Error{Code: ErrCodeDecryptionFailed, Message: "decryption failed, possibly wrong password"}
	ErrWindowCreateFailed     = &Error{Code: ErrCodeWindowCreateFailed, Message: "unable to create notification window"}
	ErrApprovalAlreadyPending = &Error{Code: ErrCodeApprovalAlreadyPending, Message: "another approval is already pending"}
	ErrDeviceDisconnected     = &Error{Code: ErrCodeDeviceDisconnected, Message: "hardware device not connected"}
)

// AsRPCError shapes an arbitrary error for the page. Coded errors pass
// through unchanged, everything else collapses to an internal error so no
// keeper internals leak across the boundary.
func AsRPCError(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: ErrCodeInternal, Message: err.Error()}
}
