package completion

import (
	"encoding/json"
	"errors"
	"strings"
)

const GenericErrorMessage = "An unknown error occurred"

// StreamError is returned when the endpoint rejects a request or fails
// mid-stream. Message carries the endpoint's payload, which may be JSON.
type StreamError struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *StreamError) Error() string {
	switch {
	case e.Message != "":
		return "completion stream: " + e.Message
	case e.Err != nil:
		return "completion stream: " + e.Err.Error()
	default:
		return "completion stream failed"
	}
}

func (e *StreamError) Unwrap() error { return e.Err }

// ErrorMessage turns err into text fit for a user. A JSON payload's message
// field wins; a malformed JSON payload becomes GenericErrorMessage.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *StreamError
	if errors.As(err, &se) && se.Message != "" {
		return payloadMessage(se.Message)
	}
	return payloadMessage(err.Error())
}

func payloadMessage(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return GenericErrorMessage
	}
	if !strings.HasPrefix(raw, "{") && !strings.HasPrefix(raw, "[") {
		return raw
	}
	var payload struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return GenericErrorMessage
	}
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.Error != nil && payload.Error.Message != "":
		return payload.Error.Message
	default:
		return GenericErrorMessage
	}
}
