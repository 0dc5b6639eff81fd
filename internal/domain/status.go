package domain

import "net/http"

// Status is the envelope returned by user-facing verification operations.
type Status struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message"`
	Code          int      `json:"code"`
	InvalidParams []string `json:"invalid_params,omitempty"`
}

// OK builds a successful status.
func OK(message string) Status {
	return Status{Success: true, Message: message, Code: http.StatusOK}
}

// Fail builds a failed status. Codes below 400 are raised to 400 so that a
// failure never looks successful.
func Fail(code int, message string, invalidParams ...string) Status {
	if code < http.StatusBadRequest {
		code = http.StatusBadRequest
	}
	return Status{Success: false, Message: message, Code: code, InvalidParams: invalidParams}
}
