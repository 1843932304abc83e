package gateway

import "fmt"

// AuthError reports a failure to acquire a gateway access credential. The
// upstream HTTP status is preserved for diagnostics.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway auth failed (status %d): %s", e.StatusCode, e.Message)
}

// InvoiceError reports a rejected invoice creation, carrying the gateway's
// structured error code and message.
type InvoiceError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *InvoiceError) Error() string {
	return fmt.Sprintf("gateway invoice creation failed (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// QueryError reports a transport or parse failure during a status query.
// Callers must treat it as "status unknown", never as "not paid".
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("gateway status query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
