/*Package search provides the search index collaborator for the backend.

It contains the translation of the public query DSL into opensearch
request bodies, and a thin client for document indexing and search.
*/
package search

import (
	"context"

	"github.com/goccy/go-json"
)

// Hit is a single search result.
type Hit struct {
	ID     string
	Source json.RawMessage
}

// Result is the outcome of a search request.
type Result struct {
	// Total is the true number of matching documents in the index,
	// independent of the requested window.
	Total int64
	Hits  []Hit
}

// Indexer is the interface the backend uses to talk to the search index.
// It exists so the reindex logic can be tested without a search cluster.
type Indexer interface {
	// IndexDocument creates or replaces the document with the given id.
	IndexDocument(ctx context.Context, index, id string, doc map[string]interface{}) error
	// DeleteDocument removes the document with the given id. Deleting a
	// document that does not exist is not an error.
	DeleteDocument(ctx context.Context, index, id string) error
	// Search executes the request body against the index and returns the
	// window of hits selected by from and size.
	Search(ctx context.Context, index string, body map[string]interface{}, from, size int) (*Result, error)
}
