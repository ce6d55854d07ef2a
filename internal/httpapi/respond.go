package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"streamchat/internal/chat"
	"streamchat/internal/session"
)

const maxBodyBytes = 8 << 20

var errBadRequest = errors.New("bad request")

// errorBody is the JSON error payload. Its shape matches what
// completion.ErrorMessage extracts a message from.
type errorBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrEmptyTitle),
		errors.Is(err, session.ErrNotEditable):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, session.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrDuplicateID),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrNothingToRetry),
		errors.Is(err, session.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, chat.ErrStorageUnavailable), errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeMessage(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeOptional(w, r, dst); err != nil {
		return err
	}
	if r.ContentLength == 0 {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	return nil
}

// decodeOptional accepts an empty body and leaves dst untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
