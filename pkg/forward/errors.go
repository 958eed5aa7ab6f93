package forward

import "fmt"

// Error is the envelope returned to the browser when forwarding itself
// fails. Upstream-reported failures pass through untouched.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
