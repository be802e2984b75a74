package httpapi

import (
	"net/http"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token    string      `json:"token"`
	Username identity.ID `json:"username"`
}

type readRequest struct {
	Peer string `json:"peer"`
}

func (c credentials) validate() error {
	if c.Username == "" || c.Password == "" {
		return chaterr.Validation("username and password required")
	}
	return nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	id, err := s.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.issue(w, r, http.StatusCreated, id)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	id, err := s.accounts.VerifyCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.issue(w, r, http.StatusOK, id)
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, status int, id identity.ID) {
	token, err := s.issuer.GenerateToken(id)
	if err != nil {
		writeError(w, r, chaterr.Wrap(chaterr.KindInternal, err, "sign token"))
		return
	}
	writeJSON(w, status, tokenResponse{Token: token, Username: id})
}

// conversations lists the caller's pair conversations, most recent first.
func (s *Server) conversations(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, r, chaterr.New(chaterr.KindUnauthorized, "no claims"))
		return
	}

	list, err := s.accounts.Conversations(r.Context(), claims.Identity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// markRead resets the caller's unread counter for one peer.
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, r, chaterr.New(chaterr.KindUnauthorized, "no claims"))
		return
	}

	var req readRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	peer, err := identity.Normalize(req.Peer)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.accounts.MarkRead(r.Context(), claims.Identity, peer); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
