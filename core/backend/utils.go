package backend

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/relata-tech/relata/core/logger"
)

var (
	errInvalidEntityID = errors.New("invalid entity identifier")
	errBodyNotAnObject = errors.New("body must be a JSON object")
	errBodyNotAnArray  = errors.New("body must be a JSON array")
)

func muxVars(r *http.Request) map[string]string {
	return mux.Vars(r)
}

// bodyID extracts a client-supplied identifier from a request body.
// The zero identifier counts as absent, entity structs marshal it for
// identifier fields the client never set.
func bodyID(object map[string]interface{}, field string) (uuid.UUID, bool) {
	id, ok := objectID(object, field)
	if !ok || id == (uuid.UUID{}) {
		return uuid.UUID{}, false
	}
	return id, true
}

// requestWithEntityID returns a shallow request copy whose route
// variables carry id as the resource's primary identifier.
func requestWithEntityID(r *http.Request, rs *resource, id uuid.UUID) *http.Request {
	vars := map[string]string{}
	for key, value := range mux.Vars(r) {
		vars[key] = value
	}
	vars[rs.primary] = id.String()
	return mux.SetURLVars(r, vars)
}

// writeSQLError maps database errors to meaningful responses. Anything
// unmapped is an internal error.
func (b *Backend) writeSQLError(w http.ResponseWriter, r *http.Request, rs *resource, err error) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			writeError(w, http.StatusConflict, "%s exists already", rs.this)
			return
		case "23503": // foreign_key_violation, the owner does not exist
			writeError(w, http.StatusNotFound, "no such %s", rs.owner)
			return
		case "23502": // not_null_violation
			writeError(w, http.StatusBadRequest, "missing required field")
			return
		case "22P02": // invalid_text_representation
			writeError(w, http.StatusBadRequest, "invalid field value")
			return
		}
	}
	logger.FromContext(r.Context()).WithError(err).Errorf("Error 1220: database error on %s", rs.config.Resource)
	writeError(w, http.StatusInternalServerError, "cannot access %s", rs.this)
}
