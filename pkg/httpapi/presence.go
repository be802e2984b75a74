package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mahaj/pulsechat/pkg/identity"
)

type userEntry struct {
	Username identity.ID `json:"username"`
	Online   bool        `json:"online"`
}

type presenceResponse struct {
	Identity identity.ID `json:"identity"`
	Online   bool        `json:"online"`
}

// users lists every registered identity with its online flag.
func (s *Server) users(w http.ResponseWriter, r *http.Request) {
	ids, err := s.accounts.ListIdentities(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	online, err := s.presence.OnlineIdentities(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	isOnline := make(map[identity.ID]bool, len(online))
	for _, id := range online {
		isOnline[id] = true
	}
	out := make([]userEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, userEntry{Username: id, Online: isOnline[id]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) presenceOf(w http.ResponseWriter, r *http.Request) {
	id, err := identity.Normalize(mux.Vars(r)["identity"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	online, err := s.presence.IsOnline(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceResponse{Identity: id, Online: online})
}
