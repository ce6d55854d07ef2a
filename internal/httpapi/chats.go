package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"streamchat/internal/chat"
)

type createChatRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type renameChatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.cfg.Manager.History().List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeOptional(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	c, err := s.cfg.Manager.History().Create(r.Context(), id, req.Title)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, found, err := s.cfg.Manager.History().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, fmt.Errorf("get chat %s: %w", id, chat.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	var req renameChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.Manager.History().Rename(r.Context(), id, req.Title); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, _, err := s.cfg.Manager.History().Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
