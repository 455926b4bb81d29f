package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// FetchError covers network failures, timeouts and blocking responses.
type FetchError struct {
	URL        string
	StatusCode int
	// Blocked is set on 403/429 responses and captcha pages.
	Blocked bool
	// Gone is set when the target page no longer exists.
	Gone bool
	Err  error
}

func (e *FetchError) Error() string {
	switch {
	case e.Blocked:
		return fmt.Sprintf("blocked fetching %s (status %d)", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError is a malformed page.
type ParseError struct {
	Page int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse page %d: %v", e.Page, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a single record.
type ValidationError struct {
	ExternalID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid listing %q: %s", e.ExternalID, strings.Join(e.Problems, "; "))
}

// StorageError is a failed transaction.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigError is an unresolvable target or bad configuration. Never retried.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func IsBlocked(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Blocked
}

// OutcomeFor maps a job-level error to the state the job ends in.
func OutcomeFor(err error) JobState {
	if err == nil {
		return JobSucceeded
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return JobFailedPermanent
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.Gone {
		return JobFailedPermanent
	}
	return JobFailedRetryable
}
