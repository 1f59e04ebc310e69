package backend

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relata-tech/relata/core/access"
)

// Configuration holds a complete backend configuration
type Configuration struct {
	Resources []ResourceConfiguration `json:"resources"`
	Relations []RelationConfiguration `json:"relations"`
}

/*ResourceConfiguration describes one entity type exposed as a REST
resource.

The resource string is the path of the entity type. A plain name like
"user" makes a root collection, a composed path like "user/address"
makes an owned child collection whose records live and die with their
owning user. A child with Singleton set is a one-to-one child; it is
addressed without its own identifier and shares its key with the owner.

Validation rules are declared per field as validator/v10 tag strings.
Rules apply to create and full update. UpdateRules overrides individual
field rules for partial updates; either way partial updates only
validate the fields actually present in the request.

SearchableProperties become dedicated database columns and can be used
for ordering. All other fields of an entity live in a dynamic JSON
properties column and require no declaration.

Indexable marks the resource for search-index synchronization.
IndexedProperties is the allow-list of fields that reach the index.
IndexRelations names the relations whose projections are embedded into
this resource's index documents; every name must resolve to a declared
child resource or linked relation.
*/
type ResourceConfiguration struct {
	Resource             string            `json:"resource"`
	Singleton            bool              `json:"singleton"`
	Rules                map[string]string `json:"rules"`
	UpdateRules          map[string]string `json:"update_rules"`
	SearchableProperties []string          `json:"searchable_properties"`
	Indexable            bool              `json:"indexable"`
	IndexedProperties    []string          `json:"indexed_properties"`
	IndexRelations       []string          `json:"index_relations"`
	DefaultOrder         string            `json:"default_order"`
	DefaultLimit         int               `json:"default_limit"`
	MaxLimit             int               `json:"max_limit"`
	Permits              []access.Permit   `json:"permits"`
	SchemaID             string            `json:"schema_id"`
	StoredQueries        bool              `json:"stored_queries"`
	Description          string            `json:"description"`
}

/*RelationConfiguration describes a many-to-many relation between two
root resources.

Left and Right name existing resources. The relation creates an
association table and injects attach, sync and detach routes below the
left resource, plus a read-only listing below the right resource.
Attaching never creates the related entity, detaching never deletes it.

PivotProperties declares the fields stored on the association itself,
for example a role or a position. They are returned merged into the
related entity on reads.
*/
type RelationConfiguration struct {
	Left            string          `json:"left"`
	Right           string          `json:"right"`
	PivotProperties []string        `json:"pivot_properties"`
	LeftPermits     []access.Permit `json:"left_permits"`
	RightPermits    []access.Permit `json:"right_permits"`
	Description     string          `json:"description"`
}

// Name returns the relation's canonical name "left:right"
func (rc RelationConfiguration) Name() string {
	return rc.Left + ":" + rc.Right
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 50
)

// parseConfiguration parses and sanity checks a JSON configuration.
func parseConfiguration(config string) (Configuration, error) {
	var c Configuration
	if err := json.Unmarshal([]byte(config), &c); err != nil {
		return c, fmt.Errorf("parse error in configuration: %w", err)
	}

	known := map[string]bool{}
	for i := range c.Resources {
		rc := &c.Resources[i]
		if rc.Resource == "" {
			return c, fmt.Errorf("resource #%d has no name", i)
		}
		if known[rc.Resource] {
			return c, fmt.Errorf("duplicate resource %q", rc.Resource)
		}
		known[rc.Resource] = true

		if owner := ownerOf(rc.Resource); owner != "" && !known[owner] {
			return c, fmt.Errorf("resource %q declared before its owner %q", rc.Resource, owner)
		}
		if rc.Singleton && !strings.Contains(rc.Resource, "/") {
			return c, fmt.Errorf("resource %q: a singleton needs an owner", rc.Resource)
		}
		if rc.DefaultLimit == 0 {
			rc.DefaultLimit = defaultPageLimit
		}
		if rc.MaxLimit == 0 {
			rc.MaxLimit = maxPageLimit
		}
		if rc.DefaultLimit > rc.MaxLimit {
			return c, fmt.Errorf("resource %q: default limit %d exceeds max limit %d",
				rc.Resource, rc.DefaultLimit, rc.MaxLimit)
		}
		for _, property := range rc.IndexedProperties {
			if !rc.Indexable {
				return c, fmt.Errorf("resource %q: indexed properties on a non-indexable resource", rc.Resource)
			}
			if strings.HasPrefix(property, "_") {
				return c, fmt.Errorf("resource %q: indexed property %q must not start with underscore", rc.Resource, property)
			}
		}
	}

	for _, relation := range c.Relations {
		if !known[relation.Left] || !known[relation.Right] {
			return c, fmt.Errorf("relation %q references unknown resources", relation.Name())
		}
		if strings.Contains(relation.Left, "/") || strings.Contains(relation.Right, "/") {
			return c, fmt.Errorf("relation %q: relations are only supported between root resources", relation.Name())
		}
	}
	return c, nil
}

// ownerOf returns the owning resource path, or "" for a root resource.
func ownerOf(resource string) string {
	i := strings.LastIndex(resource, "/")
	if i < 0 {
		return ""
	}
	return resource[:i]
}
