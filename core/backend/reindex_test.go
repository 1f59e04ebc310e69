package backend

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/relata-tech/relata/core/search"
)

// fakeIndexer records index traffic for inspection.
type fakeIndexer struct {
	indexed map[string]map[string]interface{}
	deleted []string
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{indexed: map[string]map[string]interface{}{}}
}

func (f *fakeIndexer) IndexDocument(ctx context.Context, index, id string, doc map[string]interface{}) error {
	f.indexed[id] = doc
	return nil
}

func (f *fakeIndexer) DeleteDocument(ctx context.Context, index, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndexer) Search(ctx context.Context, index string, body map[string]interface{}, from, size int) (*search.Result, error) {
	return &search.Result{}, nil
}

// fakeSource serves a fixed resource graph from memory.
type fakeSource struct {
	targets map[string]indexTarget
	related map[string][]map[string]interface{} // keyed resource "/" relation
}

func (f *fakeSource) target(resource string) (indexTarget, bool) {
	target, ok := f.targets[resource]
	return target, ok
}

func (f *fakeSource) relatedForIndex(ctx context.Context, resource, relation string, entity map[string]interface{}) (indexTarget, []map[string]interface{}, error) {
	items, ok := f.related[resource+"/"+relation]
	if !ok {
		return indexTarget{}, nil, fmt.Errorf("unknown relation %q", relation)
	}
	target, ok := f.targets[relation]
	if !ok {
		return indexTarget{}, nil, fmt.Errorf("unknown resource %q", relation)
	}
	return target, items, nil
}

func authorBookSource() (*fakeSource, uuid.UUID, uuid.UUID) {
	authorID := uuid.New()
	bookID := uuid.New()
	source := &fakeSource{
		targets: map[string]indexTarget{
			"author": {
				resource:   "author",
				index:      "author",
				key:        "author_id",
				indexable:  true,
				properties: []string{"name", "biography"},
				relations:  []string{"book"},
			},
			"book": {
				resource:   "book",
				index:      "book",
				key:        "book_id",
				indexable:  true,
				properties: []string{"title"},
				relations:  []string{"author"},
			},
		},
		related: map[string][]map[string]interface{}{
			"author/book": {{
				"book_id": bookID,
				"title":   "A Study in Scarlet",
			}},
			"book/author": {{
				"author_id": authorID,
				"name":      "Arthur Conan Doyle",
			}},
		},
	}
	return source, authorID, bookID
}

func TestReindexOneBuildsDocument(t *testing.T) {
	source, authorID, bookID := authorBookSource()
	indexer := newFakeIndexer()
	rx := &reindexer{source: source, indexer: indexer}

	err := rx.ReindexOne(context.Background(), "author", map[string]interface{}{
		"author_id": authorID,
		"name":      "Arthur Conan Doyle",
		"biography": "Scottish writer",
		"secret":    "not for the index",
	}, nil)
	assert.NoError(t, err)

	doc, ok := indexer.indexed[authorID.String()]
	if !assert.True(t, ok) {
		return
	}
	assert.Equal(t, authorID.String(), doc["author_id"])
	assert.Equal(t, "Arthur Conan Doyle", doc["name"])
	assert.Equal(t, "Scottish writer", doc["biography"])
	assert.Contains(t, doc[search.AllField], "Scottish writer")

	// a field outside the allow-list never reaches the index
	_, ok = doc["secret"]
	assert.False(t, ok)

	// declared relations project one level deep
	projections, ok := doc["_book"].([]map[string]interface{})
	if assert.True(t, ok) && assert.Len(t, projections, 1) {
		assert.Equal(t, bookID.String(), projections[0]["book_id"])
		assert.Equal(t, "A Study in Scarlet", projections[0]["title"])
	}
}

func TestReindexOneWithoutRelations(t *testing.T) {
	source, authorID, _ := authorBookSource()
	indexer := newFakeIndexer()
	rx := &reindexer{source: source, indexer: indexer}

	err := rx.ReindexOne(context.Background(), "author", map[string]interface{}{
		"author_id": authorID,
		"name":      "Arthur Conan Doyle",
	}, noRelations)
	assert.NoError(t, err)

	doc := indexer.indexed[authorID.String()]
	_, ok := doc["_book"]
	assert.False(t, ok)
}

func TestReindexOneUnknownRelation(t *testing.T) {
	source, authorID, _ := authorBookSource()
	indexer := newFakeIndexer()
	rx := &reindexer{source: source, indexer: indexer}

	err := rx.ReindexOne(context.Background(), "author", map[string]interface{}{
		"author_id": authorID,
	}, []string{"publisher"})
	assert.Error(t, err)
	assert.Empty(t, indexer.indexed)
}

func TestReindexDisabled(t *testing.T) {
	source, authorID, _ := authorBookSource()
	target := source.targets["author"]
	target.indexable = false
	source.targets["author"] = target

	indexer := newFakeIndexer()
	rx := &reindexer{source: source, indexer: indexer}

	entity := map[string]interface{}{"author_id": authorID, "name": "x"}
	assert.NoError(t, rx.ReindexOne(context.Background(), "author", entity, nil))
	assert.Empty(t, indexer.indexed)

	// an unknown relation is still a configuration error
	err := rx.ReindexOne(context.Background(), "author", entity, []string{"publisher"})
	assert.Error(t, err)
}

func TestReindexOneAndRelated(t *testing.T) {
	source, authorID, bookID := authorBookSource()
	indexer := newFakeIndexer()
	rx := &reindexer{source: source, indexer: indexer}

	err := rx.ReindexOneAndRelated(context.Background(), "author", map[string]interface{}{
		"author_id": authorID,
		"name":      "Arthur Conan Doyle",
	})
	assert.NoError(t, err)
	assert.Len(t, indexer.indexed, 2)

	// the related document refreshes without its own projections
	bookDoc := indexer.indexed[bookID.String()]
	if assert.NotNil(t, bookDoc) {
		assert.Equal(t, "A Study in Scarlet", bookDoc["title"])
		_, ok := bookDoc["_author"]
		assert.False(t, ok)
	}
}

func TestCaptureRelatedAndAfterDelete(t *testing.T) {
	source, authorID, bookID := authorBookSource()
	indexer := newFakeIndexer()
	rx := &reindexer{source: source, indexer: indexer}

	captured, err := rx.CaptureRelated(context.Background(), "author", map[string]interface{}{
		"author_id": authorID,
		"name":      "Arthur Conan Doyle",
	})
	assert.NoError(t, err)
	assert.Len(t, captured, 1)

	err = rx.AfterDelete(context.Background(), "author", authorID, captured)
	assert.NoError(t, err)
	assert.Equal(t, []string{authorID.String()}, indexer.deleted)

	// the captured book got refreshed without projections
	bookDoc := indexer.indexed[bookID.String()]
	if assert.NotNil(t, bookDoc) {
		_, ok := bookDoc["_author"]
		assert.False(t, ok)
	}
}

func TestFilterRelations(t *testing.T) {
	declared := []string{"book", "award"}

	filtered, err := filterRelations(declared, nil)
	assert.NoError(t, err)
	assert.Equal(t, declared, filtered)

	filtered, err = filterRelations(declared, []string{"award"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"award"}, filtered)

	filtered, err = filterRelations(declared, noRelations)
	assert.NoError(t, err)
	assert.Empty(t, filtered)

	_, err = filterRelations(declared, []string{"publisher"})
	assert.Error(t, err)
}
