package search

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/relata-tech/relata/core"
)

// AllField is the catch-all index field that every indexed property is
// copied into. The special query key "_all" targets it.
const AllField = "_all"

// percolateKey is the reserved query key that requests stored-query
// matching instead of a regular search.
const percolateKey = "percolate"

// Hook lets a resource post-process the assembled search request body
// before execution, typically to inject fixed additional constraints.
type Hook func(body map[string]interface{}) map[string]interface{}

// ParseQuery parses the raw value of the q parameter. A JSON object is
// taken as the structured query DSL. Any other string is a plain
// free-text search across all indexed fields.
func ParseQuery(raw string) map[string]interface{} {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		query := map[string]interface{}{}
		if err := json.Unmarshal([]byte(trimmed), &query); err == nil {
			return query
		}
	}
	return map[string]interface{}{AllField: []interface{}{raw}}
}

// IsPercolate returns true if the query requests stored-query matching.
func IsPercolate(query map[string]interface{}) bool {
	switch value := query[percolateKey].(type) {
	case bool:
		return value
	case string:
		return value == "true" || value == "1"
	}
	return false
}

// Translate converts a query DSL object into an opensearch request body.
//
// Keys are field names, or relation names with a leading underscore. A
// relation key holds an object of one inner field with its candidate
// values; it becomes a nested match scoped to the relation's objects.
// All other keys hold candidate values and become flat matches, "_all"
// targets the catch-all field. Every match is a phrase-prefix match, so
// partially typed terms already hit. Candidates and fields combine with
// logical AND; empty candidate strings are dropped, which lets clients
// submit fixed-shape filter forms with blank fields. A query with no
// effective candidates at all translates to match_all.
func Translate(query map[string]interface{}) map[string]interface{} {
	var must []interface{}

	for key, value := range query {
		if key == percolateKey {
			continue
		}
		if strings.HasPrefix(key, "_") && key != AllField {
			path := core.SnakeCase(key)
			inner, ok := value.(map[string]interface{})
			if !ok {
				continue
			}
			for field, candidates := range inner {
				scoped := path + "." + core.SnakeCase(field)
				for _, candidate := range asStrings(candidates) {
					if candidate == "" {
						continue
					}
					must = append(must, map[string]interface{}{
						"nested": map[string]interface{}{
							"path": path,
							"query": map[string]interface{}{
								"match_phrase_prefix": map[string]interface{}{
									scoped: candidate,
								},
							},
						},
					})
				}
			}
			continue
		}

		field := key
		if field != AllField {
			field = core.SnakeCase(field)
		}
		for _, candidate := range asStrings(value) {
			if candidate == "" {
				continue
			}
			must = append(must, map[string]interface{}{
				"match_phrase_prefix": map[string]interface{}{
					field: candidate,
				},
			})
		}
	}

	if len(must) == 0 {
		return map[string]interface{}{
			"query": map[string]interface{}{
				"match_all": map[string]interface{}{},
			},
		}
	}
	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": must,
			},
		},
	}
}

// asStrings normalizes a candidate value to a list of strings. Scalars
// become a single-element list, non-string values are ignored.
func asStrings(value interface{}) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		candidates := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
		return candidates
	}
	return nil
}
