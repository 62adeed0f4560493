package app

import "fmt"

// DomainError is the error shape surfaced to API clients: an HTTP status plus
// a stable machine-readable code (PROPOSAL_CONFLICT, NOT_PENDING, STALE, …).
// Details carries structured context, such as the id of a blocking proposal.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
