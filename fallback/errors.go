package fallback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// ErrQuotaExhausted matches any *QuotaExhaustedError via errors.Is.
var ErrQuotaExhausted = errors.New("fallback: quota exhausted")

// ErrNotConfigured matches any *ConfigurationError via errors.Is.
var ErrNotConfigured = errors.New("fallback: not configured")

// ConfigurationError reports a client that cannot run, such as one without a
// primary API key.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "fallback: configuration error: " + e.Reason
}

// Is reports whether target is ErrNotConfigured.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrNotConfigured
}

// QuotaExhaustedErrorCode is the machine-readable code carried by
// QuotaExhaustedError.
const QuotaExhaustedErrorCode = "quota_exhausted"

// QuotaExhaustedError is returned when every configured key is out of quota
// and no cached response could be served.
type QuotaExhaustedError struct {
	Operation string
	ResetAt   time.Time
}

func (e *QuotaExhaustedError) Error() string {
	msg := "quota exhausted for all API keys"
	if e.Operation != "" {
		msg += " (" + e.Operation + ")"
	}
	if !e.ResetAt.IsZero() {
		msg += "; resets at " + e.ResetAt.Format(time.RFC3339)
	}
	return msg
}

// Code returns QuotaExhaustedErrorCode.
func (e *QuotaExhaustedError) Code() string {
	return QuotaExhaustedErrorCode
}

// Is reports whether target is ErrQuotaExhausted.
func (e *QuotaExhaustedError) Is(target error) bool {
	return target == ErrQuotaExhausted
}

// MarshalJSON encodes the error for API responses.
func (e *QuotaExhaustedError) MarshalJSON() ([]byte, error) {
	body := struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		ResetAt string `json:"resetAt,omitempty"`
	}{
		Error:   QuotaExhaustedErrorCode,
		Message: e.Error(),
	}
	if !e.ResetAt.IsZero() {
		body.ResetAt = e.ResetAt.UTC().Format(time.RFC3339)
	}
	return json.Marshal(body)
}

// quotaReasons are the googleapi error reasons that mean the daily quota
// for a key is spent.
var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

// IsQuotaError reports whether err is a quota-exceeded response from the
// Data API. A 403 qualifies when its reason is a quota reason or its message
// mentions quota. Other 403s (bad key, API disabled) and rate limiting do not.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code != 403 {
			return false
		}
		for _, item := range gerr.Errors {
			if quotaReasons[item.Reason] {
				return true
			}
		}
		return strings.Contains(strings.ToLower(gerr.Message), "quota")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "quotaexceeded") || strings.Contains(msg, "quota exceeded")
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
