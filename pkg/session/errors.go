package session

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from a platform backend. The body fields
// are best-effort: backends disagree on the shape of their error envelopes,
// so all three candidate fields are captured and inspected in order.
type APIError struct {
	StatusCode int    `json:"-"`
	StatusText string `json:"-"`
	ErrorField string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if msg, ok := e.bodyMessage(); ok {
		return fmt.Sprintf("%s (status=%d)", msg, e.StatusCode)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.StatusText)
}

func (e *APIError) bodyMessage() (string, bool) {
	switch {
	case e.ErrorField != "":
		return e.ErrorField, true
	case e.Message != "":
		return e.Message, true
	case e.Detail != "":
		return e.Detail, true
	}
	return "", false
}

const genericErrorMessage = "Something went wrong. Please try again."

// statusMessages maps well-known auth failure statuses to user-facing text.
var statusMessages = map[int]string{
	http.StatusUnauthorized:        "Invalid email or password",
	http.StatusForbidden:           "Access denied",
	http.StatusNotFound:            "Resource not found",
	http.StatusInternalServerError: "Server error",
}

// extractors are tried in order; the first one that produces a message wins.
// Keeping them as an explicit chain avoids shape-sniffing at call sites.
var extractors = []func(*APIError) (string, bool){
	func(e *APIError) (string, bool) { return e.bodyMessage() },
	func(e *APIError) (string, bool) {
		msg, ok := statusMessages[e.StatusCode]
		return msg, ok
	},
	func(e *APIError) (string, bool) {
		if e.StatusCode == 0 {
			return "", false
		}
		return fmt.Sprintf("Request failed: %d %s", e.StatusCode, e.StatusText), true
	},
}

// FormatError turns any error from the account backend into a message safe
// to show to a person. It never returns an empty string.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		for _, extract := range extractors {
			if msg, ok := extract(apiErr); ok {
				return msg
			}
		}
	}

	return genericErrorMessage
}
