package backend

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relata-tech/relata/core/validation"
)

// errorResponse is the uniform JSON error envelope. Invalid carries the
// per-field error structure for validation failures, or the ordered
// per-item structure for batch failures.
type errorResponse struct {
	Message string      `json:"message"`
	Invalid interface{} `json:"invalid,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, object interface{}) {
	data, err := json.MarshalWithOption(object, json.DisableHTMLEscape())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, errorResponse{Message: fmt.Sprintf(format, args...)})
}

// writeValidationError reports a single entity's validation failure. A
// pure lookup failure renders as 404, everything else as 422.
func writeValidationError(w http.ResponseWriter, verr *validation.Error) {
	if verr.IsNotFound() {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Message: "entity not found",
			Invalid: verr.Invalid(),
		})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Message: "the given data failed validation",
		Invalid: verr.Invalid(),
	})
}

// writeValidationErrorList reports a batch validation failure. The
// invalid array mirrors the request order, null marks valid items.
func writeValidationErrorList(w http.ResponseWriter, list validation.ErrorList) {
	invalid := make([]interface{}, len(list))
	for i, verr := range list {
		if verr != nil {
			invalid[i] = verr.Invalid()
		}
	}
	message := "the given data failed validation"
	if list.AllNotFound() {
		message = "one or more entities not found"
	}
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
		Message: message,
		Invalid: invalid,
	})
}
