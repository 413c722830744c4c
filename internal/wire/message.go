package wire

import (
	"fmt"

	"vetbox/internal/verdict"
)

// Request is the JSON payload of a request frame. Content is base64 in
// JSON.
type Request struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	Result *verdict.Result `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed analysis. Kind uses the engine's error kind
// names plus "bad_request".
type ErrorBody struct {
	Kind     string          `json:"kind"`
	Message  string          `json:"message"`
	Fallback *verdict.Result `json:"fallback,omitempty"`
}

// RemoteError is an ErrorBody returned to a client as a Go error.
type RemoteError struct {
	ErrorBody
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote analysis failed (%s): %s", e.Kind, e.Message)
}

const kindBadRequest = "bad_request"
