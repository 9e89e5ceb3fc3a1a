package spotify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	ErrUnauthorized   = errors.New("spotify: access token rejected")
	ErrForbidden      = errors.New("spotify: forbidden")
	ErrNoActiveDevice = errors.New("spotify: no active device")
	ErrTransient      = errors.New("spotify: temporarily unavailable")
)

// APIError describes a failed provider call. errors.Is matches it against the
// package sentinels by status and reason.
type APIError struct {
	Op      string
	Status  int
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("spotify: %s failed: %s", e.Op, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("spotify: %s failed with status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("spotify: %s failed with status %d: %s", e.Op, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Reason == "NO_ACTIVE_DEVICE",
		e.Status == http.StatusNotFound && strings.Contains(strings.ToLower(e.Message), "no active device"):
		return ErrNoActiveDevice
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == 0, isRetryable(e.Status):
		return ErrTransient
	}
	return nil
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Web API errors: {"error":{"status":404,"message":"...","reason":"NO_ACTIVE_DEVICE"}}
// Accounts errors: {"error":"invalid_grant","error_description":"..."}
type errorBody struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

type regularError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func newAPIError(op string, status int, body []byte) *APIError {
	apiErr := &APIError{Op: op, Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || len(eb.Error) == 0 {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 200 {
			apiErr.Message = apiErr.Message[:200]
		}
		return apiErr
	}

	var regular regularError
	if err := json.Unmarshal(eb.Error, &regular); err == nil {
		apiErr.Message = regular.Message
		apiErr.Reason = regular.Reason
		return apiErr
	}

	var code string
	if err := json.Unmarshal(eb.Error, &code); err == nil {
		apiErr.Reason = code
		apiErr.Message = eb.ErrorDescription
	}
	return apiErr
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
