package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ValidationError reports a request parameter that violates a documented
// constraint. It is raised locally before any network round trip whenever
// possible, naming the offending field and the violated rule.
type ValidationError struct {
	Field   string
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s: violates %s", e.Field, e.Rule)
}

// AuthError reports a rejected credential (HTTP 401 class).
type AuthError struct {
	Provider string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Message)
}

// RateLimitError reports concurrency or billing quota exhaustion (HTTP 429
// class, or a vendor code such as 1303 "too many concurrent tasks"). It never
// indicates a malformed request; the documented remediation is exponential
// backoff starting at one second or more.
type RateLimitError struct {
	Provider   string
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: rate limited (code %d): %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: rate limited: %s", e.Provider, e.Message)
}

// ContentPolicyError reports a request or output rejected by the provider's
// moderation layer. Resubmitting identical input will not succeed.
type ContentPolicyError struct {
	Provider string
	Message  string
}

func (e *ContentPolicyError) Error() string {
	return fmt.Sprintf("%s: content policy rejection: %s", e.Provider, e.Message)
}

// ServerError reports a provider-side fault (HTTP 5xx). Retryable with backoff.
type ServerError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error (http %d): %s", e.Provider, e.StatusCode, e.Message)
}

// SubmissionError reports a transport-level failure while submitting a task.
type SubmissionError struct {
	Provider string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Provider, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// TaskFailedError reports a task that reached the failed terminal state after
// being accepted. Unlike the synchronous submission errors above it is only
// observable via polling or callback delivery.
type TaskFailedError struct {
	Provider string
	TaskID   string
	Message  string
}

func (e *TaskFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "task failed without status message"
	}
	return fmt.Sprintf("%s: task %s failed: %s", e.Provider, e.TaskID, msg)
}

// IsRetryable reports whether the error class is safe to retry with backoff.
// Rate limit and server faults are; validation, auth, content policy, and
// task failures are not.
func IsRetryable(err error) bool {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return true
	}
	var server *ServerError
	if errors.As(err, &server) {
		return true
	}
	return false
}

// classifyHTTP maps an HTTP error response to the provider-agnostic taxonomy.
// Bodies mentioning moderation are treated as content policy rejections
// regardless of the exact 4xx code used. A Retry-After header on a 429 is
// carried into the rate limit error so backoff can honor the provider's wait.
func classifyHTTP(providerID string, resp *http.Response, body string) error {
	msg := strings.TrimSpace(body)
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		return &AuthError{Provider: providerID, Message: msg}
	case resp.StatusCode == 429:
		return &RateLimitError{
			Provider:   providerID,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &ServerError{Provider: providerID, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode >= 400:
		if looksLikeContentPolicy(msg) {
			return &ContentPolicyError{Provider: providerID, Message: msg}
		}
		return &ValidationError{Field: "request", Rule: "provider_rejected", Message: msg}
	}
	return nil
}

// parseRetryAfter reads a Retry-After header value, which carries either a
// delta in seconds or an HTTP date. Unparseable or stale values map to zero.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func looksLikeContentPolicy(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range []string{"content_policy", "content policy", "moderation", "sensitive", "banned prompt", "risk control"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
