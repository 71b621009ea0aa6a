package domain

import "encoding/json"

// Result is the outcome of every mutating core operation. It encodes as the
// tuple [success, message, payload?].
type Result struct {
	Success bool
	Message string
	Payload interface{}
	// Err is set only for resource failures; Message stays presentable.
	Err error
	// SetCookies carries association cookie directives produced on the way.
	SetCookies []string
}

func OK(msg string, payload interface{}) *Result {
	return &Result{Success: true, Message: msg, Payload: payload}
}

func Fail(msg string) *Result {
	return &Result{Success: false, Message: msg}
}

func Failure(err error) *Result {
	return &Result{Success: false, Message: ReasonInternal, Err: err}
}

func (r *Result) WithCookie(directive string) *Result {
	if directive != "" {
		r.SetCookies = append(r.SetCookies, directive)
	}
	return r
}

func (r *Result) MarshalJSON() ([]byte, error) {
	if r.Payload == nil {
		return json.Marshal([]interface{}{r.Success, r.Message})
	}
	return json.Marshal([]interface{}{r.Success, r.Message, r.Payload})
}
