package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/message"
	"github.com/christopherjohns/guildsync/internal/reaction"
	"github.com/christopherjohns/guildsync/internal/room"
	"github.com/christopherjohns/guildsync/internal/ws"
)

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nickname string `json:"nickname"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON")
			return
		}
	}
	nickname := strings.TrimSpace(req.Nickname)
	if len(nickname) > 32 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "nickname is too long")
		return
	}
	writeJSON(w, http.StatusCreated, s.issuer.Issue(nickname))
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required")
		return
	}
	sess, err := s.issuer.Refresh(req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.rooms.List()
	infos := make([]room.Info, 0, len(rooms))
	for _, rm := range rooms {
		if info, ok := s.rooms.Info(rm.ID); ok {
			infos = append(infos, info)
		}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if reason := validRoomID(id); reason != "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", reason)
		return
	}
	s.rooms.Ensure(id)
	info, ok := s.rooms.Info(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "room not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if reason := validRoomID(id); reason != "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", reason)
		return
	}
	s.rooms.Ensure(id)
	n := s.rooms.Join(id, sessionFrom(r).UserID)
	writeJSON(w, http.StatusOK, map[string]int{"memberCount": n})
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n := s.rooms.Leave(id, sessionFrom(r).UserID)
	writeJSON(w, http.StatusOK, map[string]int{"memberCount": n})
}

func (s *Server) handleListReactions(w http.ResponseWriter, r *http.Request) {
	rs := s.reactions.List(r.PathValue("id"), sessionFrom(r).UserID)
	if rs == nil {
		rs = []message.Reaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reactions": rs})
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Shortcode string `json:"shortcode"`
		Unicode   string `json:"unicode"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON")
		return
	}
	req.Shortcode = strings.TrimSpace(req.Shortcode)
	if req.Shortcode == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "shortcode is required")
		return
	}

	if !s.messageExists(w, r) {
		return
	}
	u, err := s.reactions.Add(r.PathValue("id"), sessionFrom(r).UserID, req.Shortcode, req.Unicode)
	if errors.Is(err, reaction.ErrMaxReactionsExceeded) {
		writeError(w, http.StatusConflict, "MAX_REACTIONS", err.Error())
		return
	}
	s.metrics.reactions.WithLabelValues("add").Inc()
	s.hub.PublishReaction(u)
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	if !s.messageExists(w, r) {
		return
	}
	u := s.reactions.Remove(r.PathValue("id"), sessionFrom(r).UserID, r.PathValue("shortcode"), r.URL.Query().Get("unicode"))
	s.metrics.reactions.WithLabelValues("remove").Inc()
	s.hub.PublishReaction(u)
	writeJSON(w, http.StatusOK, u)
}

// messageExists writes a 404 when the path's message is not in history.
func (s *Server) messageExists(w http.ResponseWriter, r *http.Request) bool {
	_, err := s.messages.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, message.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
		return false
	case err != nil:
		s.logger.Error("server: message lookup failed", zap.String("id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "history unavailable")
		return false
	}
	return true
}

var _ ws.Authenticator = (*auth.Issuer)(nil)
