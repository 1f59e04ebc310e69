package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustClauses(t *testing.T, body map[string]interface{}) []interface{} {
	t.Helper()
	query, ok := body["query"].(map[string]interface{})
	assert.True(t, ok, "body has no query")
	boolQuery, ok := query["bool"].(map[string]interface{})
	assert.True(t, ok, "query is not a bool query")
	must, ok := boolQuery["must"].([]interface{})
	assert.True(t, ok, "bool query has no must")
	return must
}

func TestTranslateAll(t *testing.T) {
	body := Translate(map[string]interface{}{
		AllField: []interface{}{"foo"},
	})
	must := mustClauses(t, body)
	assert.Len(t, must, 1)
	clause := must[0].(map[string]interface{})
	match := clause["match_phrase_prefix"].(map[string]interface{})
	assert.Equal(t, "foo", match[AllField])
}

func TestTranslateEmptyCandidates(t *testing.T) {
	// blank filter-form fields are dropped, leaving match_all
	body := Translate(map[string]interface{}{
		"field": []interface{}{""},
	})
	query := body["query"].(map[string]interface{})
	_, ok := query["match_all"]
	assert.True(t, ok, "expected match_all, got %v", query)

	body = Translate(map[string]interface{}{})
	query = body["query"].(map[string]interface{})
	_, ok = query["match_all"]
	assert.True(t, ok)
}

func TestTranslateNested(t *testing.T) {
	body := Translate(map[string]interface{}{
		"_rel": map[string]interface{}{
			"subfield": []interface{}{"x"},
		},
	})
	must := mustClauses(t, body)
	assert.Len(t, must, 1)
	nested := must[0].(map[string]interface{})["nested"].(map[string]interface{})
	assert.Equal(t, "_rel", nested["path"])
	match := nested["query"].(map[string]interface{})["match_phrase_prefix"].(map[string]interface{})
	assert.Equal(t, "x", match["_rel.subfield"])
}

func TestTranslateSnakeCase(t *testing.T) {
	body := Translate(map[string]interface{}{
		"firstName": []interface{}{"jo"},
	})
	must := mustClauses(t, body)
	match := must[0].(map[string]interface{})["match_phrase_prefix"].(map[string]interface{})
	assert.Equal(t, "jo", match["first_name"])
}

func TestTranslateCombination(t *testing.T) {
	body := Translate(map[string]interface{}{
		"name":  []interface{}{"a", "b", ""},
		"email": "c",
	})
	must := mustClauses(t, body)
	// empty candidate dropped, all others combine with AND
	assert.Len(t, must, 3)
}

func TestTranslateIgnoresPercolateKey(t *testing.T) {
	query := map[string]interface{}{
		"percolate": true,
		"name":      []interface{}{"x"},
	}
	assert.True(t, IsPercolate(query))
	must := mustClauses(t, Translate(query))
	assert.Len(t, must, 1)
}

func TestParseQuery(t *testing.T) {
	query := ParseQuery(`{"name": ["foo"]}`)
	assert.Equal(t, []interface{}{"foo"}, query["name"])

	// a plain string searches across all indexed fields
	query = ParseQuery("foo bar")
	assert.Equal(t, []interface{}{"foo bar"}, query[AllField])

	assert.False(t, IsPercolate(query))
	assert.True(t, IsPercolate(map[string]interface{}{"percolate": "true"}))
}
