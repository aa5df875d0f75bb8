package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies collaborator API failures so callers can branch without
// inspecting message text.
type Kind string

const (
	// KindUnknown is an uncategorized failure.
	KindUnknown Kind = "unknown"
	// KindNotFound indicates the resource does not exist (yet).
	KindNotFound Kind = "not_found"
	// KindUnavailable indicates the API could not be reached or is overloaded.
	KindUnavailable Kind = "unavailable"
	// KindInvalid indicates the request was rejected as malformed.
	KindInvalid Kind = "invalid"
)

// Error wraps an API failure with a stable classification.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "api error"
	}
	switch {
	case e.Message != "" && e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Message != "":
		return e.Message
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s failed (%d)", e.Op, e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a not-found API failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity, status == http.StatusConflict:
		return KindInvalid
	case status == http.StatusTooManyRequests, status >= 500:
		return KindUnavailable
	}
	return KindUnknown
}
