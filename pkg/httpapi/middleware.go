package httpapi

import (
	"net/http"

	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/auth"
	"github.com/mahaj/pulsechat/pkg/chaterr"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware requires a valid bearer token and puts its claims on the
// request context.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := auth.TokenFromRequest(r)
		if tokenString == "" {
			writeError(w, r, chaterr.New(chaterr.KindUnauthorized, "authorization header required"))
			return
		}

		claims, err := s.issuer.ValidateToken(tokenString)
		if err != nil {
			writeError(w, r, err)
			return
		}
		glog.V(5).Infof("httpapi: authenticated %s", claims.Identity)

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}
