/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package meshsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is the base error for non-2xx responses. Every specific error
// type embeds it, so errors.As(err, &apiErr) works for all of them.
type APIError struct {
	StatusCode int
	Status     string

	// Message is the "error" (or "message") field of the JSON body.
	Message string

	// RetryAfter is parsed from the Retry-After header. Zero if absent.
	RetryAfter time.Duration

	RawBody []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error: %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %d", e.StatusCode)
}

// ValidationError is returned for HTTP 400 Bad Request responses.
type ValidationError struct{ *APIError }

func (e *ValidationError) Unwrap() error { return e.APIError }

// AuthError is returned for HTTP 401 Unauthorized responses.
type AuthError struct{ *APIError }

func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for HTTP 403 Forbidden responses.
type ForbiddenError struct{ *APIError }

func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError is returned for HTTP 404 Not Found responses.
type NotFoundError struct{ *APIError }

func (e *NotFoundError) Unwrap() error { return e.APIError }

// ConflictError is returned for HTTP 409 Conflict responses, e.g. a room id
// that is already taken or a history record submitted twice.
type ConflictError struct{ *APIError }

func (e *ConflictError) Unwrap() error { return e.APIError }

// RateLimitError is returned for HTTP 429 responses.
type RateLimitError struct{ *APIError }

func (e *RateLimitError) Unwrap() error { return e.APIError }

// ServerError is returned for HTTP 5xx responses.
type ServerError struct{ *APIError }

func (e *ServerError) Unwrap() error { return e.APIError }

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewAPIError builds the typed error matching resp.StatusCode.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	var parsed apiErrorBody
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		base.Message = parsed.Error
		if base.Message == "" {
			base.Message = parsed.Message
		}
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			base.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &ValidationError{APIError: base}
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{APIError: base}
	case resp.StatusCode == http.StatusForbidden:
		return &ForbiddenError{APIError: base}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{APIError: base}
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{APIError: base}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{APIError: base}
	case resp.StatusCode >= 500:
		return &ServerError{APIError: base}
	default:
		return base
	}
}

// IsNotFound reports whether err is a not found error (HTTP 404).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a conflict error (HTTP 409).
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is an authentication error (HTTP 401).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a rate limit error (HTTP 429).
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}
