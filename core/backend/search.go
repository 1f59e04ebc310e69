package backend

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/logger"
	"github.com/relata-tech/relata/core/search"
)

/*searchCollectionWithAuth serves a collection request with a q query.

The q parameter is either a JSON query DSL object or a plain string to
match across all indexed fields. The translated request runs against
the resource's search index; hits are resolved back to full entities
from the database, in hit order. The response uses the same pagination
envelope as plain collection reads.

The search index is the source of the total count here. When filtering
shrinks the addressable range, the effective total is the true hit
count, never the unfiltered collection size.
*/
func (b *Backend) searchCollectionWithAuth(w http.ResponseWriter, r *http.Request, rs *resource, q string) {
	if !b.authorized(r, core.OperationSearch, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	if !rs.config.Indexable {
		writeError(w, http.StatusBadRequest, "%s is not searchable", rs.this)
		return
	}
	if b.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search is not available")
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	query := search.ParseQuery(q)

	if search.IsPercolate(query) {
		percolator, ok := b.percolators[rs.config.Resource]
		if !ok {
			writeError(w, http.StatusBadRequest, "percolated search is not supported for %s", rs.this)
			return
		}
		items, err := percolator(ctx, query)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1301: percolated search on %s failed", rs.this)
			writeError(w, http.StatusInternalServerError, "cannot search %s", rs.this)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	body := search.Translate(query)
	body = scopeToOwners(body, rs, ownerIDs)
	if hook, ok := b.searchHooks[rs.config.Resource]; ok {
		body = hook(body)
	}

	page, err := parsePageRange(r, rs.config.DefaultLimit, rs.config.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if page.lastPage {
		// the last window needs the total count first
		probe, err := b.searcher.Search(ctx, rs.index, body, 0, 0)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1302: cannot search %s", rs.this)
			writeError(w, http.StatusInternalServerError, "cannot search %s", rs.this)
			return
		}
		page = page.resolve(int(probe.Total))
	}

	result, err := b.searcher.Search(ctx, rs.index, body, page.offset, page.limit)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1303: cannot search %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot search %s", rs.this)
		return
	}
	if result.Total == 0 {
		writeError(w, http.StatusNotFound, "No results found for model %s", rs.this)
		return
	}
	totalCount := int(result.Total)

	ids := make([]uuid.UUID, 0, len(result.Hits))
	for _, hit := range result.Hits {
		if id, err := uuid.Parse(hit.ID); err == nil {
			ids = append(ids, id)
		}
	}
	entities, err := rs.findMany(ctx, b.db, ownerIDs, ids)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1304: cannot resolve search hits for %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot search %s", rs.this)
		return
	}
	items := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		// the index can be ahead of the database, skip stale hits
		if entity := entities[id]; entity != nil {
			items = append(items, entity)
		}
	}

	if !writeContentRange(w, page.offset, len(items), totalCount) {
		return
	}
	writeJSON(w, http.StatusPartialContent, items)
}

// scopeToOwners restricts a search request to the owner identifiers of
// a child collection route. Root resources pass through unchanged.
func scopeToOwners(body map[string]interface{}, rs *resource, ownerIDs []uuid.UUID) map[string]interface{} {
	if len(ownerIDs) == 0 {
		return body
	}
	must := []interface{}{body["query"]}
	for i, ownerID := range ownerIDs {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{
				rs.columns[1+i]: ownerID.String(),
			},
		})
	}
	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": must,
			},
		},
	}
}

// StoredQuery is a named search query kept in the backend's registry.
// Percolate handlers typically evaluate the stored queries of their
// resource against the search index.
type StoredQuery struct {
	Name     string                 `json:"name"`
	Resource string                 `json:"resource"`
	Query    map[string]interface{} `json:"query"`
}

const storedQueryPrefix = "search-query"

// SaveStoredQuery persists a stored query for a resource. The resource
// must have stored queries enabled in its configuration.
func (b *Backend) SaveStoredQuery(query StoredQuery) error {
	rs, ok := b.resources[query.Resource]
	if !ok || !rs.config.StoredQueries {
		return fmt.Errorf("resource %q does not keep stored queries", query.Resource)
	}
	accessor := b.Registry.Accessor(storedQueryPrefix)
	return accessor.Write(query.Resource+":"+query.Name, query)
}

// LoadStoredQueries returns all stored queries of a resource.
func (b *Backend) LoadStoredQueries(resource string) ([]StoredQuery, error) {
	accessor := b.Registry.Accessor(storedQueryPrefix + ":" + resource)
	keys, err := accessor.ListKeys()
	if err != nil {
		return nil, err
	}
	queries := make([]StoredQuery, 0, len(keys))
	for _, key := range keys {
		var query StoredQuery
		if _, err := accessor.Read(key, &query); err != nil {
			return nil, err
		}
		queries = append(queries, query)
	}
	return queries, nil
}

// DeleteStoredQuery removes a stored query.
func (b *Backend) DeleteStoredQuery(resource, name string) error {
	accessor := b.Registry.Accessor(storedQueryPrefix)
	return accessor.Delete(resource + ":" + name)
}
