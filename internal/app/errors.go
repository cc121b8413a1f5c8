package app

// DomainError is an error the HTTP layer renders as-is: response status,
// a stable machine-readable code, and an optional details payload for the
// caller (the login URL on auth failures, bounds on validation failures).
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
	return e.Code + ": " + e.Message
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
