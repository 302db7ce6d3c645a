package models

import "fmt"

// Vendor error codes shared by the fetch and render collaborators.
const (
	ErrorCodeInternal       = 0
	ErrorCodeInvalidRequest = 1
	ErrorCodeNetwork        = 2
	ErrorCodeNoFill         = 3
	ErrorCodeAppNotReady    = 4
	ErrorCodeAlreadyShown   = 5
	ErrorCodeNotReady       = 6
	ErrorCodeTimeout        = 7
)

// AdError is an opaque upstream failure. It keeps the vendor's code, domain
// and message verbatim and chains the underlying cause.
type AdError struct {
	Code     int          `json:"code"`
	Domain   string       `json:"domain"`
	Message  string       `json:"message"`
	Cause    error        `json:"-"`
	Response ResponseMeta `json:"response_info,omitempty"`
}

func (e *AdError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s code %d: %s (cause: %v)", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s code %d: %s", e.Domain, e.Code, e.Message)
}

func (e *AdError) Unwrap() error { return e.Cause }

// NewAdError builds an AdError with an optional cause.
func NewAdError(domain string, code int, message string, cause error) *AdError {
	return &AdError{Code: code, Domain: domain, Message: message, Cause: cause}
}
