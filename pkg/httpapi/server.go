// Package httpapi serves the retrieval and account endpoints: history,
// directory with online flags, presence, login and the conversation list.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/directory"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/presence"
	"github.com/mahaj/pulsechat/pkg/store"
)

// Accounts is the directory surface the API needs.
type Accounts interface {
	directory.Directory
	Conversations(ctx context.Context, owner identity.ID) ([]directory.Conversation, error)
	MarkRead(ctx context.Context, owner, peer identity.ID) error
}

type Server struct {
	store    store.IMessageStore
	accounts Accounts
	presence presence.Lookup
	issuer   *auth.Issuer
}

func New(st store.IMessageStore, accounts Accounts, lookup presence.Lookup, issuer *auth.Issuer) *Server {
	return &Server{store: st, accounts: accounts, presence: lookup, issuer: issuer}
}

// Handler returns the routed API wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.Register(r)
	return CORSMiddleware(r)
}

// Register mounts the API routes on r.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/auth/register", s.register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", s.login).Methods(http.MethodPost)

	r.HandleFunc("/messages/{a}/{b}", s.pairHistory).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomId}/messages", s.roomHistory).Methods(http.MethodGet)
	r.HandleFunc("/users", s.users).Methods(http.MethodGet)
	r.HandleFunc("/presence/{identity}", s.presenceOf).Methods(http.MethodGet)

	r.Handle("/conversations", s.AuthMiddleware(http.HandlerFunc(s.conversations))).Methods(http.MethodGet)
	r.Handle("/conversations/read", s.AuthMiddleware(http.HandlerFunc(s.markRead))).Methods(http.MethodPost)
}

type errorResponse struct {
	Code      chaterr.Kind `json:"code"`
	Error     string       `json:"error"`
	Retryable bool         `json:"retryable,omitempty"`
}

func statusOf(err error) int {
	switch chaterr.KindOf(err) {
	case chaterr.KindValidation, chaterr.KindInvalidIdentity:
		return http.StatusBadRequest
	case chaterr.KindNotFound:
		return http.StatusNotFound
	case chaterr.KindUnauthorized, chaterr.KindAuth:
		return http.StatusUnauthorized
	case chaterr.KindNotJoined:
		return http.StatusForbidden
	case chaterr.KindRateLimited:
		return http.StatusTooManyRequests
	case chaterr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		glog.Errorf("httpapi: %s %s error: %v", r.Method, r.URL.Path, err)
	} else {
		glog.V(5).Infof("httpapi: %s %s rejected: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorResponse{
		Code:      chaterr.KindOf(err),
		Error:     err.Error(),
		Retryable: chaterr.Retryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("httpapi: encode response error: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return chaterr.Validation("malformed body at offset %d", syntax.Offset)
		}
		return chaterr.Validation("invalid request body")
	}
	return nil
}
