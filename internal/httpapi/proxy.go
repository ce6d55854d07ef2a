package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
)

type proxyAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
}

type proxyMessage struct {
	chat.Message
	ExperimentalAttachments []proxyAttachment `json:"experimental_attachments,omitempty"`
}

type proxyRequest struct {
	Messages          []proxyMessage `json:"messages"`
	SelectedChatModel string         `json:"selectedChatModel"`
}

func (r proxyRequest) chatMessages() []chat.Message {
	out := make([]chat.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msg := m.Message
		for _, a := range m.ExperimentalAttachments {
			typ := chat.AttachmentOther
			switch {
			case strings.HasPrefix(a.ContentType, "image/"):
				typ = chat.AttachmentImage
			case strings.HasPrefix(a.ContentType, "text/"):
				typ = chat.AttachmentText
			}
			msg.Attachments = append(msg.Attachments, chat.Attachment{
				ID:   uuid.NewString(),
				Type: typ,
				Name: a.Name,
				URL:  a.URL,
			})
		}
		out = append(out, msg)
	}
	return out
}

// dataStream writes the line protocol AI SDK clients read: 0 for text, 3
// for errors, d for the finish message.
type dataStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newDataStream(w http.ResponseWriter) *dataStream {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Vercel-AI-Data-Stream", "v1")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &dataStream{w: w, flusher: f}
}

func (d *dataStream) part(code string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(d.w, "%s:%s\n", code, b); err != nil {
		return err
	}
	if d.flusher != nil {
		d.flusher.Flush()
	}
	return nil
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs := req.chatMessages()
	if _, ok := completion.LastUserMessage(msgs); !ok {
		http.Error(w, "No user message found", http.StatusBadRequest)
		return
	}
	if s.cfg.Client == nil {
		writeMessage(w, http.StatusServiceUnavailable, "completion client not configured")
		return
	}

	model := req.SelectedChatModel
	if len(s.cfg.Catalog.Models) > 0 {
		model = s.cfg.Catalog.Resolve(model).ID
	}
	if s.cfg.Trimmer.MaxTokens > 0 {
		msgs = s.cfg.Trimmer.Trim(msgs)
	}

	log := s.log.With().Str("model", model).Logger()
	s.cfg.Metrics.StreamsStarted.Inc()

	out := newDataStream(w)
	stream, err := s.cfg.Client.Stream(r.Context(), completion.Request{
		Model:    model,
		System:   s.cfg.System,
		Messages: msgs,
	})
	if err != nil {
		s.cfg.Metrics.StreamsFailed.Inc()
		log.Warn().Err(err).Msg("open completion stream")
		_ = out.part("3", completion.ErrorMessage(err))
		return
	}
	if s.cfg.Smooth {
		stream = completion.Smooth(stream)
	}
	defer stream.Close()

	_ = out.part("f", map[string]string{"messageId": "msg-" + uuid.NewString()})
	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			s.cfg.Metrics.StreamsCompleted.Inc()
			_ = out.part("d", map[string]string{"finishReason": "stop"})
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				s.cfg.Metrics.StreamsStopped.Inc()
				return
			}
			s.cfg.Metrics.StreamsFailed.Inc()
			log.Warn().Err(err).Msg("completion stream failed")
			_ = out.part("3", completion.ErrorMessage(err))
			return
		}
		s.cfg.Metrics.StreamDeltas.Inc()
		if werr := out.part("0", delta); werr != nil {
			s.cfg.Metrics.StreamsStopped.Inc()
			return
		}
	}
}
