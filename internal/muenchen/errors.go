package muenchen

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTokenRejected means the API refused the captcha token (or the
// submitted solution). Not retryable with the same token; callers must
// derive a fresh one.
var ErrTokenRejected = errors.New("muenchen: captcha token rejected")

// ErrSlotTaken means a reservation attempt lost the race for the slot.
var ErrSlotTaken = errors.New("muenchen: slot no longer available")

// APIError is a structured error the API returned alongside a response.
// Errors not covered by the sentinel values above surface as *APIError.
type APIError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("muenchen: %s: %s (%s, http %d)", e.Endpoint, e.Code, e.Message, e.Status)
	}
	return fmt.Sprintf("muenchen: %s: http %d", e.Endpoint, e.Status)
}

// apiFault is the error shape the API embeds in both non-2xx responses
// and, occasionally, in otherwise successful bodies. ErrorCode has been
// observed as both string and number.
type apiFault struct {
	ErrorCode    any    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (f apiFault) code() string {
	if f.ErrorCode == nil {
		return ""
	}
	return fmt.Sprint(f.ErrorCode)
}

func (f apiFault) empty() bool { return f.ErrorCode == nil && f.ErrorMessage == "" }

// classifyFault maps an API fault to the typed error taxonomy. Codes and
// messages mentioning the captcha token mean the token went stale.
func classifyFault(endpoint string, status int, f apiFault) error {
	code, msg := f.code(), f.ErrorMessage
	lower := strings.ToLower(code + " " + msg)
	if status == 401 || status == 403 ||
		strings.Contains(lower, "captcha") || strings.Contains(lower, "token") {
		return fmt.Errorf("%w: %s %s (http %d)", ErrTokenRejected, code, msg, status)
	}
	return &APIError{Endpoint: endpoint, Status: status, Code: code, Message: msg}
}
