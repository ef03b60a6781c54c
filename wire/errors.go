package wire

import (
	"errors"
	"fmt"
)

// TFTPError is an error that maps to a TFTP ERROR packet. Components below
// the dispatcher (path resolution, option negotiation, session loops) return
// TFTPError values so the caller knows exactly what to send to the peer.
type TFTPError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *TFTPError) Error() string {
	return fmt.Sprintf("tftp error %d: %s", e.Code, e.Message)
}

// Packet converts the error to its wire representation.
func (e *TFTPError) Packet() *Error {
	return &Error{Code: e.Code, Message: e.Message}
}

// NewTFTPError builds a TFTPError with a custom message.
func NewTFTPError(code ErrorCode, message string) *TFTPError {
	if message == "" {
		message = code.String()
	}
	return &TFTPError{Code: code, Message: message}
}

// AsTFTPError extracts a TFTPError from an error chain. When err carries no
// TFTP code, a code-0 TFTPError with err's message is returned so a reply
// can always be produced.
func AsTFTPError(err error) *TFTPError {
	var te *TFTPError
	if errors.As(err, &te) {
		return te
	}
	return &TFTPError{Code: ErrNotDefined, Message: err.Error()}
}
