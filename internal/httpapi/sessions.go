package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"streamchat/internal/chat"
	"streamchat/internal/session"
)

const (
	sseHeartbeat = 15 * time.Second
	sseBuffer    = 256
)

type submitRequest struct {
	Content     string            `json:"content"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	Model       string            `json:"model,omitempty"`
}

type editRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
}

type modelRequest struct {
	Model string `json:"model,omitempty"`
}

func (s *Server) open(r *http.Request, model string) (*session.Controller, error) {
	return s.cfg.Manager.Open(r.Context(), r.PathValue("id"), model)
}

type inputRequest struct {
	Input string `json:"input"`
}

type inputResponse struct {
	Input string `json:"input"`
}

// emptyState describes a chat that is neither stored nor open.
func emptyState(id string) session.State {
	return session.State{ChatID: id, Status: session.StatusReady, Messages: []chat.Message{}}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	c, found, err := s.cfg.Manager.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, emptyState(r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, c.State())
}

// handleInput stores the draft input of a chat so other clients watching it
// see the same text.
func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.open(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c.SetInput(req.Input)
	writeJSON(w, http.StatusOK, inputResponse{Input: c.Input()})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.open(r, req.Model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	scope := "submit:" + c.ChatID()
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && s.cfg.Idempotency != nil {
		first, err := s.cfg.Idempotency.MarkFirst(r.Context(), scope, key)
		if err != nil {
			s.log.Warn().Err(err).Msg("idempotency check failed, submitting anyway")
		} else if !first {
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, http.StatusOK, c.State())
			return
		}
	}

	if err := c.Submit(r.Context(), req.Content, req.Attachments); err != nil {
		if key != "" && s.cfg.Idempotency != nil {
			if ferr := s.cfg.Idempotency.Forget(r.Context(), scope, key); ferr != nil {
				s.log.Warn().Err(ferr).Msg("forget idempotency key")
			}
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.State())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeOptional(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.open(r, req.Model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := c.Retry(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.State())
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		s.writeError(w, r, fmt.Errorf("%w: messageId is required", errBadRequest))
		return
	}
	c, err := s.open(r, req.Model)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := c.EditAndResubmit(r.Context(), req.MessageID, req.Content); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, c.State())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	c, found, err := s.cfg.Manager.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, emptyState(r.PathValue("id")))
		return
	}
	if err := c.Stop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c.State())
}

// handleEvents streams session events as SSE. The first event is a state
// snapshot; the rest apply on top of it. A client that falls behind is
// disconnected and should reconnect for a fresh snapshot.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	c, err := s.open(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events := make(chan session.Event, sseBuffer)
	lagged := make(chan struct{})
	var dropped bool
	snapshot, unsubscribe := c.Watch(func(ev session.Event) {
		if dropped {
			return
		}
		select {
		case events <- ev:
		default:
			dropped = true
			close(lagged)
		}
	})
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "state", snapshot); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-lagged:
			s.log.Warn().Str("chat_id", c.ChatID()).Msg("event subscriber lagged, disconnecting")
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeSSE(w, string(ev.Kind), ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == session.EventClosed {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
