// Package gdrive is a thin Google Drive v3 client exposing the four calls the
// replication engine needs (list children, get metadata, create folder, copy
// file), each authorized by a caller-chosen credential, with API failures
// classified into sentinel errors.
package gdrive

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Sentinel errors for API failure classification.
// Use errors.Is(err, gdrive.ErrNotFound) to check.
var (
	ErrBadRequest    = errors.New("gdrive: bad request")
	ErrUnauthorized  = errors.New("gdrive: unauthorized")
	ErrForbidden     = errors.New("gdrive: forbidden")
	ErrQuotaExceeded = errors.New("gdrive: quota exceeded")
	ErrNotFound      = errors.New("gdrive: not found")
	ErrThrottled     = errors.New("gdrive: throttled")
	ErrServerError   = errors.New("gdrive: server error")
)

// quotaReasons are the 403 reasons that mean the credential is used up
// rather than lacking permission on the resource.
var quotaReasons = map[string]bool{
	"userRateLimitExceeded":      true,
	"rateLimitExceeded":          true,
	"dailyLimitExceeded":         true,
	"quotaExceeded":              true,
	"storageQuotaExceeded":       true,
	"sharingRateLimitExceeded":   true,
	"teamDriveFileLimitExceeded": true,
}

// APIError wraps a sentinel error with the HTTP status, the first reason
// reported by Drive, and its message.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gdrive: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("gdrive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status and Drive reason to a sentinel.
func classifyStatus(code int, reason string) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		if quotaReasons[reason] {
			return ErrQuotaExceeded
		}

		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// wrapError converts a googleapi error into an *APIError. Other errors
// (transport failures, context cancellation) are returned unchanged.
func wrapError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}

	sentinel := classifyStatus(gerr.Code, reason)
	if sentinel == nil {
		return err
	}

	return &APIError{
		StatusCode: gerr.Code,
		Reason:     reason,
		Message:    gerr.Message,
		Err:        sentinel,
	}
}
