package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/search"
)

// indexTarget describes how one resource maps into the search index.
type indexTarget struct {
	resource   string
	index      string
	key        string
	indexable  bool
	properties []string // allow-list of indexed fields
	relations  []string // declared index relations
}

// documentSource resolves resources and their relations for the
// reindexer. The backend implements it against the database.
type documentSource interface {
	target(resource string) (indexTarget, bool)
	// relatedForIndex returns the target and entities of one relation
	// of the given entity. An undeclared relation name is an error.
	relatedForIndex(ctx context.Context, resource, relation string, entity map[string]interface{}) (indexTarget, []map[string]interface{}, error)
}

// noRelations requests a document without relation projections.
// A nil relation list means all declared relations.
var noRelations = []string{}

/*reindexer keeps the search index in sync with entity mutations.

Every successful mutation pushes the entity's current projection into
the index. Updates additionally refresh the documents of all related
entities, because those may embed a projection of the mutated entity.
Projections go exactly one level deep: a related entity's refresh never
cascades further.

All index traffic happens after the database transaction committed.
Index failures surface to the caller but can no longer undo the
mutation.
*/
type reindexer struct {
	source  documentSource
	indexer search.Indexer
}

// filterRelations reduces the declared relations to the requested
// subset. Requesting an undeclared relation is a hard error, silence
// here would hide configuration mistakes.
func filterRelations(declared, only []string) ([]string, error) {
	if only == nil {
		return declared, nil
	}
	var filtered []string
	for _, name := range only {
		found := false
		for _, have := range declared {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown relation %q", name)
		}
		filtered = append(filtered, name)
	}
	return filtered, nil
}

/*buildDocument derives the search document from an entity.

The document carries the entity's identifiers, the fields of the
indexed-properties allow-list, a catch-all field concatenating all
indexed text, and one nested projection per requested relation keyed
"_name". A field absent from the allow-list never reaches the index.
*/
func (rx *reindexer) buildDocument(ctx context.Context, target indexTarget, entity map[string]interface{}, relations []string) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	var all []string
	for key, value := range entity {
		if strings.HasSuffix(key, "_id") {
			if id, ok := objectID(entity, key); ok {
				doc[core.SnakeCase(key)] = id.String()
			}
			continue
		}
		for _, property := range target.properties {
			if key == property {
				doc[core.SnakeCase(key)] = value
				if s, ok := value.(string); ok && s != "" {
					all = append(all, s)
				}
				break
			}
		}
	}
	doc[search.AllField] = strings.Join(all, " ")

	for _, name := range relations {
		relatedTarget, items, err := rx.source.relatedForIndex(ctx, target.resource, name, entity)
		if err != nil {
			return nil, err
		}
		projections := make([]map[string]interface{}, 0, len(items))
		for _, item := range items {
			projection := map[string]interface{}{}
			if itemID, ok := objectID(item, relatedTarget.key); ok {
				projection[relatedTarget.key] = itemID.String()
			}
			for _, property := range relatedTarget.properties {
				if value, ok := item[property]; ok {
					projection[core.SnakeCase(property)] = value
				}
			}
			projections = append(projections, projection)
		}
		doc["_"+core.SnakeCase(name)] = projections
	}
	return doc, nil
}

// ReindexOne pushes one entity's document into the index. The only
// argument selects a subset of the declared relations, nil means all.
func (rx *reindexer) ReindexOne(ctx context.Context, resource string, entity map[string]interface{}, only []string) error {
	target, ok := rx.source.target(resource)
	if !ok {
		return fmt.Errorf("unknown resource %q", resource)
	}
	relations, err := filterRelations(target.relations, only)
	if err != nil {
		return err
	}
	if !target.indexable || rx.indexer == nil {
		return nil
	}
	id, ok := objectID(entity, target.key)
	if !ok {
		return fmt.Errorf("entity of %s has no %s", resource, target.key)
	}
	doc, err := rx.buildDocument(ctx, target, entity, relations)
	if err != nil {
		return err
	}
	return rx.indexer.IndexDocument(ctx, target.index, id.String(), doc)
}

// ReindexMany pushes a batch of entities, without refreshing their
// related documents.
func (rx *reindexer) ReindexMany(ctx context.Context, resource string, entities []map[string]interface{}) error {
	for _, entity := range entities {
		if err := rx.ReindexOne(ctx, resource, entity, nil); err != nil {
			return err
		}
	}
	return nil
}

// ReindexOneAndRelated pushes the entity's document and refreshes the
// documents of all entities behind its declared relations.
func (rx *reindexer) ReindexOneAndRelated(ctx context.Context, resource string, entity map[string]interface{}) error {
	if err := rx.ReindexOne(ctx, resource, entity, nil); err != nil {
		return err
	}
	target, _ := rx.source.target(resource)
	if !target.indexable || rx.indexer == nil {
		return nil
	}
	for _, name := range target.relations {
		relatedTarget, items, err := rx.source.relatedForIndex(ctx, resource, name, entity)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := rx.ReindexOne(ctx, relatedTarget.resource, item, noRelations); err != nil {
				return err
			}
		}
	}
	return nil
}

// capturedRelations holds related entities collected before a delete,
// while the relations could still be traversed.
type capturedRelations []capturedItem

type capturedItem struct {
	resource string
	entity   map[string]interface{}
}

// CaptureRelated collects the entities behind all declared relations of
// an entity about to be deleted.
func (rx *reindexer) CaptureRelated(ctx context.Context, resource string, entity map[string]interface{}) (capturedRelations, error) {
	target, ok := rx.source.target(resource)
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
	if !target.indexable || rx.indexer == nil {
		return nil, nil
	}
	var captured capturedRelations
	for _, name := range target.relations {
		relatedTarget, items, err := rx.source.relatedForIndex(ctx, resource, name, entity)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			captured = append(captured, capturedItem{resource: relatedTarget.resource, entity: item})
		}
	}
	return captured, nil
}

// AfterDelete removes the entity's document and refreshes the captured
// related documents.
func (rx *reindexer) AfterDelete(ctx context.Context, resource string, id uuid.UUID, captured capturedRelations) error {
	target, ok := rx.source.target(resource)
	if !ok {
		return fmt.Errorf("unknown resource %q", resource)
	}
	if !target.indexable || rx.indexer == nil {
		return nil
	}
	if err := rx.indexer.DeleteDocument(ctx, target.index, id.String()); err != nil {
		return err
	}
	for _, item := range captured {
		if err := rx.ReindexOne(ctx, item.resource, item.entity, noRelations); err != nil {
			return err
		}
	}
	return nil
}

// target implements documentSource for the backend.
func (b *Backend) target(resource string) (indexTarget, bool) {
	rs, ok := b.resources[resource]
	if !ok {
		return indexTarget{}, false
	}
	return indexTarget{
		resource:   resource,
		index:      rs.index,
		key:        rs.primary,
		indexable:  rs.config.Indexable,
		properties: rs.config.IndexedProperties,
		relations:  rs.config.IndexRelations,
	}, true
}

// relatedForIndex implements documentSource for the backend.
func (b *Backend) relatedForIndex(ctx context.Context, resource, relation string, entity map[string]interface{}) (indexTarget, []map[string]interface{}, error) {
	rs, ok := b.resources[resource]
	if !ok {
		return indexTarget{}, nil, fmt.Errorf("unknown resource %q", resource)
	}
	ids, err := rs.objectIDs(entity)
	if err != nil {
		return indexTarget{}, nil, err
	}
	related, items, err := b.related(ctx, rs, relation, ids)
	if err != nil {
		return indexTarget{}, nil, err
	}
	target, _ := b.target(related.config.Resource)
	return target, items, nil
}
