package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
)

// pairHistory serves GET /messages/{a}/{b}. The order of a and b does not
// matter.
func (s *Server) pairHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, err := identity.Normalize(vars["a"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := identity.Normalize(vars["b"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	messages, err := s.store.ListConversation(r.Context(), a, b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(messages))
}

func (s *Server) roomHistory(w http.ResponseWriter, r *http.Request) {
	room, err := identity.NormalizeRoom(mux.Vars(r)["roomId"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	messages, err := s.store.ListRoom(r.Context(), room)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(messages))
}

// Deleted messages stay in history with their body removed.
func redact(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Redacted()
	}
	return out
}
