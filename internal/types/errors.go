package types

import (
	"errors"
	"fmt"
)

const (
	CodeAttachFailure        = "ATTACH_FAILURE"
	CodeDetachFailure        = "DETACH_FAILURE"
	CodeBodyRetrievalFailure = "BODY_RETRIEVAL_FAILURE"
	CodeMalformedPayload     = "MALFORMED_PAYLOAD"
	CodePersistenceFailure   = "PERSISTENCE_FAILURE"

	CodeValidation      = "VALIDATION"
	CodeCaptureNotFound = "CAPTURE_NOT_FOUND"
	CodeUnavailable     = "UNAVAILABLE"
)

// CodedError is a typed error used for stable failure classification.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first CodedError in err's chain, or "".
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
