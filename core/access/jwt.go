package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relata-tech/relata/core/logger"
)

// JwtMiddlewareBuilder is a helper builder for the JWT middleware
type JwtMiddlewareBuilder struct {
	// KeyFunc returns the verification key for a parsed token.
	KeyFunc jwt.Keyfunc
	// Issuer is the accepted issuer for the token. Optional.
	Issuer string
}

type claims struct {
	jwt.RegisteredClaims
	Roles      []string          `json:"roles"`
	Resources  map[string]string `json:"resources"`
	Properties map[string]string `json:"properties"`
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// tokens. Tokens are accepted as "Authorization: Bearer" header.
//
// The token's "roles", "resources" and "properties" claims become the
// request's Authorization. This is a final handler with regards to the
// bearer token: it returns http.StatusUnauthorized when a token is
// available but cannot be verified.
func NewJwtMiddleware(jmb *JwtMiddlewareBuilder) mux.MiddlewareFunc {
	authCache := NewAuthorizationCache()

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			rlog := logger.FromContext(r.Context())

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
				tokenString = bearer[7:]
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r)
				return
			}

			if auth := authCache.Read(tokenString); auth != nil {
				ctx := auth.ContextWithAuthorization(r.Context())
				h.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			c := claims{}
			token, err := jwt.ParseWithClaims(tokenString, &c, jmb.KeyFunc)
			if err != nil || !token.Valid {
				rlog.WithError(err).Infoln("cannot verify bearer token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if jmb.Issuer != "" && c.Issuer != jmb.Issuer {
				http.Error(w, "invalid token issuer", http.StatusUnauthorized)
				return
			}

			auth := &Authorization{
				Roles:      c.Roles,
				Properties: c.Properties,
			}
			if len(c.Resources) > 0 {
				auth.Resources = map[string]uuid.UUID{}
				for key, value := range c.Resources {
					id, err := uuid.Parse(value)
					if err != nil {
						continue
					}
					auth.Resources[key] = id
				}
			}
			identity := c.Subject
			authCache.Write(tokenString, auth)

			ctx := auth.ContextWithAuthorization(r.Context())
			ctx = ContextWithIdentity(ctx, identity)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
