package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"pact/internal/domain"
)

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the envelope error code, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &env) == nil {
		return env.Error.Code
	}
	return ""
}

// Message extracts the human message from either the
// {"error":{"message":...}} envelope or a {"detail":...} body.
func (e *APIError) Message() string {
	var env struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err == nil {
		if env.Error != nil && env.Error.Message != "" {
			return env.Error.Message
		}
		if len(env.Detail) > 0 {
			var s string
			if json.Unmarshal(env.Detail, &s) == nil && s != "" {
				return s
			}
			var items []struct {
				Msg string `json:"msg"`
			}
			if json.Unmarshal(env.Detail, &items) == nil && len(items) > 0 && items[0].Msg != "" {
				return items[0].Msg
			}
		}
	}
	return http.StatusText(e.StatusCode)
}

// UserMessage turns an error from this package into a line fit for display.
// Raw bodies are left to the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		apiErr *APIError
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, domain.ErrAuthRequired):
		return "Please sign in first."
	case errors.Is(err, domain.ErrInvalidInput):
		return strings.TrimSuffix(err.Error(), ": "+domain.ErrInvalidInput.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return "The PACT backend took too long to answer. Try again."
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	case errors.As(err, &apiErr):
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized:
			return "Your session expired. Sign in again."
		case apiErr.StatusCode == http.StatusForbidden:
			return "You are not allowed to do that."
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return "Too many requests. Slow down and try again."
		case apiErr.StatusCode >= 500:
			return "The PACT backend failed: " + apiErr.Message()
		}
		return apiErr.Message()
	case errors.As(err, &urlErr):
		return "Could not reach the PACT backend. Is it running?"
	}
	return err.Error()
}
