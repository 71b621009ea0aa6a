package domain

import (
	"net/http"
)

var (
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrPasteExists       = NewErr("PASTE_EXISTS", ReasonURLTaken, http.StatusConflict)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUnsupportedMedia  = NewErr("UNSUPPORTED_MEDIA_TYPE", "unsupported content type", http.StatusUnsupportedMediaType)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", ReasonInternal, http.StatusInternalServerError)
	ErrLogNotFound       = NewErr("LOG_NOT_FOUND", "log not found", http.StatusNotFound)
)

// Err is a coded error; Status is the HTTP status the API answers with.
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}
