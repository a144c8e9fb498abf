package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderError is returned when a backend responds with a non-2xx status.
//
// Adapters should populate RawResponse with the response body bytes.
// RawResponse must never include API keys.
type ProviderError struct {
	Provider    string
	StatusCode  int
	Message     string
	RetryAfter  time.Duration
	RawResponse []byte
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

// Describe returns a short, caller-safe explanation of an adapter error.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider request timed out"
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr != nil {
		status := perr.StatusCode
		details := strings.TrimSpace(perr.Message)
		var summary string
		switch {
		case status == 401 || status == 403:
			summary = "provider authentication failed"
		case status == 429:
			summary = "provider rate limited"
			if perr.RetryAfter > 0 {
				summary += fmt.Sprintf(" (retry after %s)", perr.RetryAfter)
			}
		case status >= 500 && status <= 599:
			summary = "provider unavailable"
		case status >= 400 && status <= 499:
			summary = "provider rejected request"
		default:
			summary = "provider request failed"
		}
		if details == "" {
			return summary
		}
		return summary + ": " + truncate(details, 200)
	}

	return err.Error()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
