/*Package access provides utilities for access control.
 */
package access

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relata-tech/relata/core"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

// Permit grants a set of operations on a resource to a role.
type Permit struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
}

/*Authorization is a context object which stores authorization information
for users or machines.

An authorization carries a list of roles and identifiers of resources from
the backend configuration. It can also carry additional properties.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)
*/
type Authorization struct {
	Roles      []string             `json:"roles"`
	Resources  map[string]uuid.UUID `json:"resources,omitempty"`
	Properties map[string]string    `json:"properties,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Identifier returns the identifier for the requested resource; if the
// identifier does not exist, it returns an empty uuid and false.
func (a *Authorization) Identifier(resource string) (uuid.UUID, bool) {
	if a == nil || a.Resources == nil {
		return uuid.UUID{}, false
	}
	value, ok := a.Resources[resource+"_id"]
	return value, ok
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// IsAuthorized returns true if the authorization is authorized for the
// requested operation according to the passed permits.
//
// The "admin" role is always authorized. A permit given to "everybody"
// applies to all roles, including unauthenticated requests with no
// authorization at all.
func (a *Authorization) IsAuthorized(operation core.Operation, permits []Permit) bool {
	if a.HasRole("admin") {
		return true
	}
	for _, permit := range permits {
		if permit.Role != "everybody" && !a.HasRole(permit.Role) {
			continue
		}
		for _, op := range permit.Operations {
			if op == operation {
				return true
			}
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with an authenticated identity
// added to it.
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves an authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// AuthorizationCache is an in-memory cache for authorizations. It is used
// by the jwt middleware to cache authorization objects for bearer tokens,
// to reduce the number of token verifications per request.
type AuthorizationCache struct {
	mutex sync.RWMutex
	cache map[string]*Authorization
}

// NewAuthorizationCache creates a new authorization cache
func NewAuthorizationCache() *AuthorizationCache {
	return &AuthorizationCache{cache: make(map[string]*Authorization)}
}

// Read returns an authorization from the in-process cache.
// Token should be the temporary token the authorization was derived from,
// not any of the ids. This function is go-routine safe.
func (a *AuthorizationCache) Read(token string) *Authorization {
	a.mutex.RLock()
	auth, ok := a.cache[token]
	a.mutex.RUnlock()
	if ok {
		return auth
	}
	return nil
}

// Write stores an authorization in the in-memory cache.
// Token should be the temporary token it was derived from, not any of the
// ids. This function is go-routine safe.
func (a *AuthorizationCache) Write(token string, auth *Authorization) {
	a.mutex.Lock()
	a.cache[token] = auth
	a.mutex.Unlock()
}

// HandleAuthorizationRoute adds a route /authorization GET to the router.
//
// The route returns the current authorization for the provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
		} else {
			jsonData, _ := json.MarshalIndent(auth, "", " ")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Write(jsonData)
		}
	}).Methods(http.MethodGet)
}
