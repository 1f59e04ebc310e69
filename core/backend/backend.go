/*Package backend generates a RESTful API from a declarative configuration.

Every declared resource gets full CRUD routes, batch operations,
pagination, validation and search-index synchronization. Declared
relations add attach, sync and detach routes between resources.
*/
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/access"
	"github.com/relata-tech/relata/core/csql"
	"github.com/relata-tech/relata/core/logger"
	"github.com/relata-tech/relata/core/notify"
	"github.com/relata-tech/relata/core/registry"
	"github.com/relata-tech/relata/core/schema"
	"github.com/relata-tech/relata/core/search"
	"github.com/relata-tech/relata/core/validation"
)

// Builder is the input to New
type Builder struct {
	// Config is the JSON description of all resources and relations.
	// Required.
	Config string
	// DB is the postgres database. Required.
	DB *csql.DB
	// Router is the mux router the backend adds its routes to. Required.
	Router *mux.Router
	// Searcher is the search index collaborator. Optional; without it,
	// resources are not indexed and search requests fail.
	Searcher search.Indexer
	// Notifier receives mutation events. Optional.
	Notifier notify.Notifier
	// JSONSchemas contains JSON schemas for resource payload validation,
	// referenced from resource configurations by their schema id.
	JSONSchemas []string
	// JSONSchemasRefs contains schemas the toplevel schemas can reference.
	JSONSchemasRefs []string
	// SkipSchemaUpdate skips the database DDL at startup.
	SkipSchemaUpdate bool
	// AuthorizationEnabled enforces the configured permits.
	AuthorizationEnabled bool
}

// Backend is the generic REST backend
type Backend struct {
	config               Configuration
	db                   *csql.DB
	router               *mux.Router
	searcher             search.Indexer
	notifier             notify.Notifier
	jsonValidator        *schema.Validator
	ruleValidator        *validation.Validator
	Registry             registry.Registry
	authorizationEnabled bool

	resources map[string]*resource
	relations map[string]*relation
	byLeft    map[string][]*relation
	byRight   map[string][]*relation

	searchHooks map[string]search.Hook
	percolators map[string]PercolateFunc

	reindexer *reindexer
}

// PercolateFunc handles a stored-query search request for one resource.
// It returns the matching entities. Resources without a registered
// percolate handler reject percolated search requests.
type PercolateFunc func(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error)

// New realizes the backend. It creates the database schema and adds all
// routes to the router. Configuration errors panic, this is a backend
// and configuration errors are development errors.
func New(bb *Builder) *Backend {
	nillog := logger.Default()

	config, err := parseConfiguration(bb.Config)
	if err != nil {
		nillog.WithError(err).Error("Error 1101: invalid configuration")
		panic(err)
	}
	if bb.DB == nil {
		panic("database is missing")
	}
	if bb.Router == nil {
		panic("router is missing")
	}

	jsonValidator, err := schema.NewValidator(bb.JSONSchemas, bb.JSONSchemasRefs)
	if err != nil {
		nillog.WithError(err).Error("Error 1102: invalid JSON schemas")
		panic(err)
	}

	notifier := bb.Notifier
	if notifier == nil {
		notifier = &notify.LogNotifier{}
	}

	b := &Backend{
		config:               config,
		db:                   bb.DB,
		router:               bb.Router,
		searcher:             bb.Searcher,
		notifier:             notifier,
		jsonValidator:        jsonValidator,
		ruleValidator:        validation.NewValidator(),
		Registry:             registry.New(bb.DB),
		authorizationEnabled: bb.AuthorizationEnabled,
		resources:            map[string]*resource{},
		relations:            map[string]*relation{},
		byLeft:               map[string][]*relation{},
		byRight:              map[string][]*relation{},
		searchHooks:          map[string]search.Hook{},
		percolators:          map[string]PercolateFunc{},
	}
	b.reindexer = &reindexer{source: b, indexer: bb.Searcher}

	ctx := context.Background()
	for _, rc := range config.Resources {
		rs, err := newResource(bb.DB.Schema, rc)
		if err != nil {
			nillog.WithError(err).Error("Error 1103: invalid resource configuration")
			panic(err)
		}
		if !bb.SkipSchemaUpdate {
			if err := rs.createTable(ctx, bb.DB); err != nil {
				nillog.WithError(err).Errorf("Error 1104: cannot create table for %s", rc.Resource)
				panic(err)
			}
		}
		b.resources[rc.Resource] = rs
	}
	for _, relc := range config.Relations {
		rel, err := newRelation(bb.DB.Schema, relc, b.resources)
		if err != nil {
			nillog.WithError(err).Error("Error 1105: invalid relation configuration")
			panic(err)
		}
		if !bb.SkipSchemaUpdate {
			if err := rel.createTable(ctx, bb.DB); err != nil {
				nillog.WithError(err).Errorf("Error 1106: cannot create table for %s", relc.Name())
				panic(err)
			}
		}
		b.relations[relc.Name()] = rel
		b.byLeft[relc.Left] = append(b.byLeft[relc.Left], rel)
		b.byRight[relc.Right] = append(b.byRight[relc.Right], rel)
	}

	// index relations can only be resolved once all resources and
	// relations exist
	for _, rs := range b.resources {
		for _, name := range rs.config.IndexRelations {
			if !b.hasRelation(rs, name) {
				err := fmt.Errorf("resource %q: unknown index relation %q", rs.config.Resource, name)
				nillog.WithError(err).Error("Error 1107: invalid index relation")
				panic(err)
			}
		}
	}

	for _, rc := range config.Resources {
		b.handleResourceRoutes(b.resources[rc.Resource])
	}
	for _, relc := range config.Relations {
		b.handleRelationRoutes(b.relations[relc.Name()])
	}
	access.HandleAuthorizationRoute(b.router)

	return b
}

// SearchHook installs a post-processing hook for one resource's search
// requests. The hook runs on every assembled search request body before
// execution.
func (b *Backend) SearchHook(resource string, hook search.Hook) {
	if _, ok := b.resources[resource]; !ok {
		panic("unknown resource " + resource)
	}
	b.searchHooks[resource] = hook
}

// Percolator installs the stored-query search strategy for one
// resource. Search requests with the percolate flag are dispatched to
// it instead of the regular translator.
func (b *Backend) Percolator(resource string, fn PercolateFunc) {
	if _, ok := b.resources[resource]; !ok {
		panic("unknown resource " + resource)
	}
	b.percolators[resource] = fn
}

// hasRelation returns true if name resolves to a child resource or a
// linked relation of rs.
func (b *Backend) hasRelation(rs *resource, name string) bool {
	if _, ok := b.resources[rs.config.Resource+"/"+name]; ok {
		return true
	}
	for _, rel := range b.byLeft[rs.config.Resource] {
		if rel.config.Right == name {
			return true
		}
	}
	for _, rel := range b.byRight[rs.config.Resource] {
		if rel.config.Left == name {
			return true
		}
	}
	return false
}

/*related returns the entities behind one of rs's relations.

The name resolves to either an owned child collection or a linked
relation; resolution of an undeclared name is a hard error, callers
depend on that to surface configuration mistakes instead of silently
skipping reindex work. The returned resource is the related type.

The ids are the entity's full identifier chain, its own identifier
followed by all owner identifiers. A child collection needs the whole
chain, the entity's chain is exactly the child's owner scope.
*/
func (b *Backend) related(ctx context.Context, rs *resource, name string, ids []uuid.UUID) (*resource, []map[string]interface{}, error) {
	if child, ok := b.resources[rs.config.Resource+"/"+name]; ok {
		items, err := child.list(ctx, b.db, ids, 0, relatedItemsLimit)
		return child, items, err
	}
	for _, rel := range b.byLeft[rs.config.Resource] {
		if rel.config.Right == name {
			items, err := rel.listRelated(ctx, b.db, rel.right, ids[0], true)
			return rel.right, items, err
		}
	}
	for _, rel := range b.byRight[rs.config.Resource] {
		if rel.config.Left == name {
			items, err := rel.listRelated(ctx, b.db, rel.left, ids[0], false)
			return rel.left, items, err
		}
	}
	return nil, nil, fmt.Errorf("%s has no relation %q", rs.config.Resource, name)
}

// relatedItemsLimit caps how many related entities a single relation
// traversal returns for eager loading and index projections.
const relatedItemsLimit = 1000

// authorized checks the current authorization against the permits.
func (b *Backend) authorized(r *http.Request, operation core.Operation, permits []access.Permit) bool {
	if !b.authorizationEnabled {
		return true
	}
	auth := access.AuthorizationFromContext(r.Context())
	return auth.IsAuthorized(operation, permits)
}

// notify publishes a mutation event. Publish failures are logged only.
func (b *Backend) notify(ctx context.Context, rs *resource, operation core.Operation, id uuid.UUID, payload []byte) {
	event := notify.Event{
		Resource:   rs.config.Resource,
		Operation:  operation,
		ResourceID: id,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1108: cannot notify %s %s", operation, rs.config.Resource)
	}
}

// ownerIDsFromVars extracts the owner identifiers from the route, in
// column order from direct owner to root.
func (rs *resource) ownerIDsFromVars(vars map[string]string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, rs.propertiesIndex-1)
	for i := len(rs.resources) - 2; i >= 0; i-- {
		param := rs.resources[i] + "_id"
		id, err := uuid.Parse(vars[param])
		if err != nil {
			return nil, fmt.Errorf("invalid %s", param)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// withNested parses the With-Nested request header, a comma-space
// separated list of relation names to eager-load.
func withNested(r *http.Request) []string {
	header := r.Header.Get("With-Nested")
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// contextKeyRegion carries the requested content region.
type contextKeyRegionType struct{}

var contextKeyRegion = &contextKeyRegionType{}

// RegionFromContext returns the region requested with the Accept-Region
// header, or the empty string.
func RegionFromContext(ctx context.Context) string {
	region, _ := ctx.Value(contextKeyRegion).(string)
	return region
}

// AddRegionHeader makes the Accept-Region request header available in
// the request context.
func AddRegionHeader(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if region := r.Header.Get("Accept-Region"); region != "" {
				ctx := context.WithValue(r.Context(), contextKeyRegion, region)
				r = r.WithContext(ctx)
			}
			h.ServeHTTP(w, r)
		})
	})
}
