package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/npezzotti/gochat-rooms/internal/server"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Kind       string `json:"kind,omitempty"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// NewRoomError converts a room operation failure into the response sent to
// the client. Errors without a kind are internal errors.
func NewRoomError(err error) *ApiError {
	kind := rooms.KindOf(err)
	if kind == rooms.KindUnknown {
		return NewInternalServerError(err)
	}

	apiErr := newApiError(server.StatusForError(err), err)
	apiErr.Kind = kind.String()
	if msg := rooms.Reason(err); msg != "" {
		apiErr.Message = msg
	}

	return apiErr
}
