package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/access"
)

// queryer is satisfied by *sql.DB and *sql.Tx, so all storage helpers
// run inside or outside a transaction alike.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

/*resource is the compiled form of one ResourceConfiguration.

All SQL statements are built once at startup. The column layout is: the
resource's own identifier, the identifiers of all owners from direct
owner to root, then the dynamic properties document, then one dedicated
column per searchable property. Timestamp comes last.
*/
type resource struct {
	config    ResourceConfiguration
	this      string   // singular name of the last path segment
	resources []string // all path segments, root first
	owner     string   // direct owner segment, "" for root resources
	schema    string
	table     string // quoted schema-qualified table name

	columns         []string // id columns, then "properties", then searchable columns
	propertiesIndex int      // index of the "properties" column
	primary         string   // name of the primary id column
	order           string   // ORDER BY column
	index           string   // search index name

	permits []access.Permit

	readQuery      string
	sqlWhereOne    string
	listQuery      string
	sqlWhereOwners string
	sqlPagination  string
	countQuery     string
	findManyQuery  string
	upsertQuery    string
	deleteQuery    string
}

func newResource(schema string, rc ResourceConfiguration) (*resource, error) {
	resources := strings.Split(rc.Resource, "/")
	this := resources[len(resources)-1]

	rs := &resource{
		config:    rc,
		this:      this,
		resources: resources,
		schema:    schema,
		table:     fmt.Sprintf("%s.\"%s\"", schema, rc.Resource),
		primary:   this + "_id",
		permits:   rc.Permits,
	}
	if len(resources) > 1 {
		rs.owner = resources[len(resources)-2]
	}
	rs.index = strings.ToLower(schema + "-" + strings.ReplaceAll(rc.Resource, "/", "-"))

	// id columns: own id first, then owners from direct owner to root
	rs.columns = []string{rs.primary}
	for i := len(resources) - 2; i >= 0; i-- {
		rs.columns = append(rs.columns, resources[i]+"_id")
	}
	rs.propertiesIndex = len(rs.columns)
	rs.columns = append(rs.columns, "properties")
	for _, property := range rc.SearchableProperties {
		name := core.SnakeCase(property)
		if name == "properties" || name == "timestamp" || strings.HasSuffix(name, "_id") {
			return nil, fmt.Errorf("resource %q: illegal searchable property %q", rc.Resource, property)
		}
		rs.columns = append(rs.columns, name)
	}

	rs.order = rs.primary
	if rc.DefaultOrder != "" {
		name := core.SnakeCase(rc.DefaultOrder)
		found := name == "timestamp"
		for _, column := range rs.columns[rs.propertiesIndex+1:] {
			found = found || column == name
		}
		if !found {
			return nil, fmt.Errorf("resource %q: default order %q is not a searchable property",
				rc.Resource, rc.DefaultOrder)
		}
		rs.order = name
	}

	columnList := strings.Join(rs.columns, ", ")
	rs.readQuery = "SELECT " + columnList + ", timestamp FROM " + rs.table + " "
	rs.sqlWhereOne = "WHERE " + compareColumns(rs.columns[:rs.propertiesIndex], 1)
	rs.sqlWhereOwners = ""
	if rs.propertiesIndex > 1 {
		rs.sqlWhereOwners = "WHERE " + compareColumns(rs.columns[1:rs.propertiesIndex], 1)
	}
	params := rs.propertiesIndex - 1 // number of owner parameters
	rs.listQuery = rs.readQuery + rs.sqlWhereOwners +
		fmt.Sprintf(" ORDER BY %s LIMIT $%d OFFSET $%d;", rs.order, params+1, params+2)
	rs.countQuery = "SELECT count(*) FROM " + rs.table + " " + rs.sqlWhereOwners + ";"

	where := "WHERE "
	if rs.sqlWhereOwners != "" {
		where += compareColumns(rs.columns[1:rs.propertiesIndex], 1) + " AND "
	}
	rs.findManyQuery = rs.readQuery + where +
		fmt.Sprintf("%s = ANY($%d::uuid[]) ORDER BY %s;", rs.primary, params+1, rs.order)

	rs.upsertQuery = "INSERT INTO " + rs.table + "(" + columnList + ", timestamp)" +
		" VALUES(" + parameterString(len(rs.columns)+1) + ")" +
		" ON CONFLICT (" + rs.primary + ") DO UPDATE SET " + upsertSets(rs.columns, rs.propertiesIndex) +
		", timestamp = $" + strconv.Itoa(len(rs.columns)+1) +
		" RETURNING " + rs.primary + ", (xmax = 0) AS inserted;"

	rs.deleteQuery = "DELETE FROM " + rs.table + " " + rs.sqlWhereOne +
		" RETURNING " + columnList + ", timestamp;"

	return rs, nil
}

// createTable creates the resource's table and indices if necessary.
func (rs *resource) createTable(ctx context.Context, q queryer) error {
	createColumns := []string{
		rs.primary + " uuid NOT NULL DEFAULT uuid_generate_v4()",
		"PRIMARY KEY (" + rs.primary + ")",
	}
	for i := 1; i < rs.propertiesIndex; i++ {
		column := rs.columns[i] + " uuid NOT NULL"
		if i == 1 { // direct owner, cascade ownership
			ownerTable := fmt.Sprintf("%s.\"%s\"", rs.schema, ownerOf(rs.config.Resource))
			column += " REFERENCES " + ownerTable + "(" + rs.columns[i] + ") ON DELETE CASCADE"
		}
		createColumns = append(createColumns, column)
	}
	if rs.config.Singleton {
		createColumns = append(createColumns, "UNIQUE ("+rs.columns[1]+")")
	}
	createColumns = append(createColumns, "properties json NOT NULL DEFAULT '{}'::json")
	for _, column := range rs.columns[rs.propertiesIndex+1:] {
		createColumns = append(createColumns, column+" varchar NOT NULL DEFAULT ''")
	}
	createColumns = append(createColumns, "timestamp timestamp NOT NULL DEFAULT now()")

	createQuery := "CREATE table IF NOT EXISTS " + rs.table +
		"(" + strings.Join(createColumns, ", ") + ");"
	for i := 1; i < rs.propertiesIndex; i++ {
		createQuery += fmt.Sprintf("CREATE index IF NOT EXISTS \"%s\" ON %s(%s);",
			"owner_index_"+rs.config.Resource+"_"+rs.columns[i], rs.table, rs.columns[i])
	}
	_, err := q.ExecContext(ctx, createQuery)
	return err
}

// compareColumns builds "a = $1 AND b = $2 ..." starting at parameter first.
func compareColumns(columns []string, first int) string {
	comparisons := make([]string, len(columns))
	for i, column := range columns {
		comparisons[i] = column + " = $" + strconv.Itoa(first+i)
	}
	return strings.Join(comparisons, " AND ")
}

// parameterString builds "$1,$2,...,$n"
func parameterString(n int) string {
	parameters := make([]string, n)
	for i := range parameters {
		parameters[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(parameters, ",")
}

func upsertSets(columns []string, propertiesIndex int) string {
	sets := make([]string, 0, len(columns)-propertiesIndex)
	for i := propertiesIndex; i < len(columns); i++ {
		sets = append(sets, columns[i]+" = $"+strconv.Itoa(i+1))
	}
	return strings.Join(sets, ", ")
}

// createScanValuesAndObject creates the scan destinations for one row
// and the entity object their values surface in.
func (rs *resource) createScanValuesAndObject(timestamp *time.Time, extra ...interface{}) ([]interface{}, map[string]interface{}) {
	values := make([]interface{}, len(rs.columns)+1, len(rs.columns)+1+len(extra))
	object := map[string]interface{}{}
	var i int
	for ; i < rs.propertiesIndex; i++ {
		values[i] = &uuid.UUID{}
		object[rs.columns[i]] = values[i]
	}
	values[i] = &json.RawMessage{}
	object["properties"] = values[i]
	i++
	for ; i < len(rs.columns); i++ {
		str := ""
		values[i] = &str
		object[rs.columns[i]] = values[i]
	}
	values[i] = timestamp
	object["timestamp"] = timestamp
	values = append(values, extra...)
	return values, object
}

// mergeProperties merges the dynamic properties document into the
// object and flattens the scan pointers into plain values. Dynamic
// properties never overwrite declared columns.
func (rs *resource) mergeProperties(object map[string]interface{}) {
	for key, value := range object {
		switch v := value.(type) {
		case *uuid.UUID:
			object[key] = *v
		case *string:
			object[key] = *v
		case *time.Time:
			object[key] = *v
		}
	}
	rawJSON, ok := object["properties"].(*json.RawMessage)
	if !ok {
		return
	}
	delete(object, "properties")
	var properties map[string]interface{}
	if err := json.Unmarshal([]byte(*rawJSON), &properties); err != nil {
		return
	}
	for key, value := range properties {
		if _, ok := object[key]; !ok {
			object[key] = value
		}
	}
}

/*extractValues builds the insert values for one entity.

Identifier columns come from id and ownerIDs. Declared searchable
properties are stored in their dedicated columns, everything else the
body carries goes into the dynamic properties document. Core columns
and the timestamp never end up in properties.
*/
func (rs *resource) extractValues(id uuid.UUID, ownerIDs []uuid.UUID, body map[string]interface{}, timestamp time.Time) ([]interface{}, error) {
	if len(ownerIDs) != rs.propertiesIndex-1 {
		return nil, fmt.Errorf("resource %s: expected %d owner identifiers, got %d",
			rs.config.Resource, rs.propertiesIndex-1, len(ownerIDs))
	}
	values := make([]interface{}, len(rs.columns)+1)
	values[0] = id
	for i, ownerID := range ownerIDs {
		values[1+i] = ownerID
	}

	extract := map[string]interface{}{}
	for key, value := range body {
		if key == "timestamp" || strings.HasSuffix(key, "_id") {
			continue
		}
		column := core.SnakeCase(key)
		static := false
		for i := rs.propertiesIndex + 1; i < len(rs.columns); i++ {
			if rs.columns[i] == column {
				str, ok := value.(string)
				if !ok {
					return nil, fmt.Errorf("searchable property %s must be a string", key)
				}
				values[i] = str
				static = true
				break
			}
		}
		if !static {
			extract[key] = value
		}
	}
	// searchable columns the body does not carry default to empty
	for i := rs.propertiesIndex + 1; i < len(rs.columns); i++ {
		if values[i] == nil {
			values[i] = ""
		}
	}

	propertiesJSON, err := json.MarshalWithOption(extract, json.DisableHTMLEscape())
	if err != nil {
		return nil, err
	}
	values[rs.propertiesIndex] = propertiesJSON
	values[len(rs.columns)] = timestamp
	return values, nil
}

// readOne reads one entity. The ids are the primary identifier followed
// by the owner identifiers. Returns csql.ErrNoRows if the entity does
// not exist.
func (rs *resource) readOne(ctx context.Context, q queryer, ids []uuid.UUID) (map[string]interface{}, error) {
	var timestamp time.Time
	values, object := rs.createScanValuesAndObject(&timestamp)
	err := q.QueryRowContext(ctx, rs.readQuery+rs.sqlWhereOne+";", uuidArgs(ids)...).Scan(values...)
	if err != nil {
		return nil, err
	}
	rs.mergeProperties(object)
	return object, nil
}

// count returns the number of entities within the owner scope.
func (rs *resource) count(ctx context.Context, q queryer, ownerIDs []uuid.UUID) (int, error) {
	var totalCount int
	err := q.QueryRowContext(ctx, rs.countQuery, uuidArgs(ownerIDs)...).Scan(&totalCount)
	return totalCount, err
}

// list returns one window of the collection within the owner scope.
func (rs *resource) list(ctx context.Context, q queryer, ownerIDs []uuid.UUID, offset, limit int) ([]map[string]interface{}, error) {
	args := append(uuidArgs(ownerIDs), limit, offset)
	rows, err := q.QueryContext(ctx, rs.listQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	response := []map[string]interface{}{}
	for rows.Next() {
		var timestamp time.Time
		values, object := rs.createScanValuesAndObject(&timestamp)
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		rs.mergeProperties(object)
		response = append(response, object)
	}
	return response, rows.Err()
}

// findMany returns the entities with the given identifiers within the
// owner scope, in default order. Missing identifiers are not an error,
// they are simply absent from the result.
func (rs *resource) findMany(ctx context.Context, q queryer, ownerIDs []uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]map[string]interface{}, error) {
	idStrings := make([]string, len(ids))
	for i, id := range ids {
		idStrings[i] = id.String()
	}
	args := append(uuidArgs(ownerIDs), pq.Array(idStrings))
	rows, err := q.QueryContext(ctx, rs.findManyQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	response := map[uuid.UUID]map[string]interface{}{}
	for rows.Next() {
		var timestamp time.Time
		values, object := rs.createScanValuesAndObject(&timestamp)
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		rs.mergeProperties(object)
		response[*values[0].(*uuid.UUID)] = object
	}
	return response, rows.Err()
}

// upsert creates or replaces one entity and reports whether it was
// newly created.
func (rs *resource) upsert(ctx context.Context, q queryer, id uuid.UUID, ownerIDs []uuid.UUID, body map[string]interface{}) (uuid.UUID, bool, error) {
	values, err := rs.extractValues(id, ownerIDs, body, time.Now().UTC())
	if err != nil {
		return uuid.UUID{}, false, err
	}
	var inserted bool
	err = q.QueryRowContext(ctx, rs.upsertQuery, values...).Scan(&id, &inserted)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	return id, inserted, nil
}

// delete removes one entity and returns it, or csql.ErrNoRows.
func (rs *resource) delete(ctx context.Context, q queryer, ids []uuid.UUID) (map[string]interface{}, error) {
	var timestamp time.Time
	values, object := rs.createScanValuesAndObject(&timestamp)
	err := q.QueryRowContext(ctx, rs.deleteQuery, uuidArgs(ids)...).Scan(values...)
	if err != nil {
		return nil, err
	}
	rs.mergeProperties(object)
	return object, nil
}

func uuidArgs(ids []uuid.UUID) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// objectIDs returns the entity's identifier chain from its object form,
// the own identifier followed by all owner identifiers.
func (rs *resource) objectIDs(object map[string]interface{}) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, rs.propertiesIndex)
	for i, column := range rs.columns[:rs.propertiesIndex] {
		id, ok := objectID(object, column)
		if !ok {
			return nil, fmt.Errorf("entity of %s has no %s", rs.config.Resource, column)
		}
		ids[i] = id
	}
	return ids, nil
}

// objectID extracts a uuid-valued field, accepting both the scan
// representation and plain strings from request bodies.
func objectID(object map[string]interface{}, field string) (uuid.UUID, bool) {
	switch value := object[field].(type) {
	case *uuid.UUID:
		return *value, true
	case uuid.UUID:
		return value, true
	case string:
		id, err := uuid.Parse(value)
		return id, err == nil
	}
	return uuid.UUID{}, false
}
