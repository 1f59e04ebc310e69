package backend

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/access"
	"github.com/relata-tech/relata/core/csql"
	"github.com/relata-tech/relata/core/logger"
	"github.com/relata-tech/relata/core/validation"
)

/*relation is the compiled form of one RelationConfiguration.

Associations live in their own edge table keyed by both entity
identifiers. Pivot values are stored as a JSON document on the edge and
surface merged into the related entity on reads. Edges disappear with
either entity through cascading deletes.
*/
type relation struct {
	config      RelationConfiguration
	schema      string
	table       string
	left, right *resource
	leftColumn  string
	rightColumn string

	attachQuery    string
	detachQuery    string
	detachAllQuery string
	relatedQuery   string
	reverseQuery   string
	countQuery     string
	reverseCount   string
	edgeQuery      string
}

func newRelation(schema string, rc RelationConfiguration, resources map[string]*resource) (*relation, error) {
	left, ok := resources[rc.Left]
	if !ok {
		return nil, fmt.Errorf("relation %q: unknown resource %q", rc.Name(), rc.Left)
	}
	right, ok := resources[rc.Right]
	if !ok {
		return nil, fmt.Errorf("relation %q: unknown resource %q", rc.Name(), rc.Right)
	}
	if rc.Left == rc.Right {
		return nil, fmt.Errorf("relation %q: self relations are not supported", rc.Name())
	}

	rel := &relation{
		config:      rc,
		schema:      schema,
		table:       fmt.Sprintf("%s.\"%s\"", schema, rc.Name()),
		left:        left,
		right:       right,
		leftColumn:  rc.Left + "_id",
		rightColumn: rc.Right + "_id",
	}

	rel.attachQuery = "INSERT INTO " + rel.table +
		"(" + rel.leftColumn + ", " + rel.rightColumn + ", properties, timestamp) VALUES($1,$2,$3,$4)" +
		" ON CONFLICT (" + rel.leftColumn + ", " + rel.rightColumn + ")" +
		" DO UPDATE SET properties = $3, timestamp = $4;"
	rel.detachQuery = "DELETE FROM " + rel.table +
		" WHERE " + rel.leftColumn + " = $1 AND " + rel.rightColumn + " = $2 RETURNING " + rel.rightColumn + ";"
	rel.detachAllQuery = "DELETE FROM " + rel.table +
		" WHERE " + rel.leftColumn + " = $1 RETURNING " + rel.rightColumn + ";"
	rel.relatedQuery = relatedQuery(rel.table, right, rel.rightColumn, rel.leftColumn)
	rel.reverseQuery = relatedQuery(rel.table, left, rel.leftColumn, rel.rightColumn)
	rel.countQuery = "SELECT count(*) FROM " + rel.table + " WHERE " + rel.leftColumn + " = $1;"
	rel.reverseCount = "SELECT count(*) FROM " + rel.table + " WHERE " + rel.rightColumn + " = $1;"
	rel.edgeQuery = "SELECT properties FROM " + rel.table +
		" WHERE " + rel.leftColumn + " = $1 AND " + rel.rightColumn + " = $2;"

	return rel, nil
}

// relatedQuery builds the join from the edge table to one side.
func relatedQuery(table string, target *resource, joinColumn, whereColumn string) string {
	query := "SELECT "
	for _, column := range target.columns {
		query += "t." + column + ", "
	}
	query += "t.timestamp, r.properties AS pivot FROM " + target.table + " t JOIN " + table + " r ON " +
		"t." + target.primary + " = r." + joinColumn +
		" WHERE r." + whereColumn + " = $1 ORDER BY t." + target.order + " LIMIT $2 OFFSET $3;"
	return query
}

func (rel *relation) createTable(ctx context.Context, q queryer) error {
	createQuery := "CREATE table IF NOT EXISTS " + rel.table + "(" +
		rel.leftColumn + " uuid NOT NULL REFERENCES " + rel.left.table + "(" + rel.leftColumn + ") ON DELETE CASCADE, " +
		rel.rightColumn + " uuid NOT NULL REFERENCES " + rel.right.table + "(" + rel.rightColumn + ") ON DELETE CASCADE, " +
		"properties json NOT NULL DEFAULT '{}'::json, " +
		"timestamp timestamp NOT NULL DEFAULT now(), " +
		"PRIMARY KEY(" + rel.leftColumn + ", " + rel.rightColumn + "));"
	_, err := q.ExecContext(ctx, createQuery)
	return err
}

// extractPivot keeps only the declared pivot properties of a body.
func (rel *relation) extractPivot(body map[string]interface{}) ([]byte, error) {
	pivot := map[string]interface{}{}
	for _, property := range rel.config.PivotProperties {
		if value, ok := body[property]; ok {
			pivot[property] = value
		}
	}
	return json.MarshalWithOption(pivot, json.DisableHTMLEscape())
}

// entityFields returns the body's fields that belong to the related
// entity itself, with pivot values and identifiers stripped.
func (rel *relation) entityFields(body map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{}
	for key, value := range body {
		if key == rel.leftColumn || key == rel.rightColumn {
			continue
		}
		isPivot := false
		for _, property := range rel.config.PivotProperties {
			if key == property {
				isPivot = true
				break
			}
		}
		if !isPivot {
			fields[key] = value
		}
	}
	return fields
}

// attach creates or refreshes one edge.
func (rel *relation) attach(ctx context.Context, q queryer, leftID, rightID uuid.UUID, pivot []byte) error {
	if pivot == nil {
		pivot = []byte("{}")
	}
	_, err := q.ExecContext(ctx, rel.attachQuery, leftID, rightID, pivot, time.Now().UTC())
	return err
}

// detach removes one edge. Returns csql.ErrNoRows if there is none.
func (rel *relation) detach(ctx context.Context, q queryer, leftID, rightID uuid.UUID) error {
	var id uuid.UUID
	return q.QueryRowContext(ctx, rel.detachQuery, leftID, rightID).Scan(&id)
}

// detachAll removes all edges of a left entity and returns the
// identifiers that had been attached.
func (rel *relation) detachAll(ctx context.Context, q queryer, leftID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, rel.detachAllQuery, leftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pivot reads one edge's pivot document, or csql.ErrNoRows.
func (rel *relation) pivot(ctx context.Context, q queryer, leftID, rightID uuid.UUID) (map[string]interface{}, error) {
	var rawJSON json.RawMessage
	if err := q.QueryRowContext(ctx, rel.edgeQuery, leftID, rightID).Scan(&rawJSON); err != nil {
		return nil, err
	}
	pivot := map[string]interface{}{}
	if err := json.Unmarshal(rawJSON, &pivot); err != nil {
		return nil, err
	}
	return pivot, nil
}

// count returns the number of edges on one side of the relation.
func (rel *relation) countRelated(ctx context.Context, q queryer, fromLeft bool, id uuid.UUID) (int, error) {
	query := rel.countQuery
	if !fromLeft {
		query = rel.reverseCount
	}
	var totalCount int
	err := q.QueryRowContext(ctx, query, id).Scan(&totalCount)
	return totalCount, err
}

// listRelated returns the entities attached to one side, with their
// pivot values merged in. Pivot values never overwrite entity fields.
func (rel *relation) listRelated(ctx context.Context, q queryer, target *resource, id uuid.UUID, fromLeft bool) ([]map[string]interface{}, error) {
	return rel.listRelatedPage(ctx, q, target, id, fromLeft, 0, relatedItemsLimit)
}

func (rel *relation) listRelatedPage(ctx context.Context, q queryer, target *resource, id uuid.UUID, fromLeft bool, offset, limit int) ([]map[string]interface{}, error) {
	query := rel.relatedQuery
	if !fromLeft {
		query = rel.reverseQuery
	}
	rows, err := q.QueryContext(ctx, query, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	response := []map[string]interface{}{}
	for rows.Next() {
		var (
			timestamp time.Time
			pivotJSON json.RawMessage
		)
		values, object := target.createScanValuesAndObject(&timestamp, &pivotJSON)
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		target.mergeProperties(object)
		var pivot map[string]interface{}
		if err := json.Unmarshal(pivotJSON, &pivot); err == nil {
			for key, value := range pivot {
				if _, ok := object[key]; !ok {
					object[key] = value
				}
			}
		}
		response = append(response, object)
	}
	return response, rows.Err()
}

// relatedIDs returns the identifiers currently attached to a left
// entity.
func (rel *relation) relatedIDs(ctx context.Context, q queryer, leftID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+rel.rightColumn+" FROM "+rel.table+" WHERE "+rel.leftColumn+" = $1;", leftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// handleRelationRoutes adds the attach, sync and detach routes below
// the left resource and a read-only listing below the right resource.
func (b *Backend) handleRelationRoutes(rel *relation) {
	nillog := logger.Default()

	listRoute := "/" + core.Plural(rel.config.Left) + "/{" + rel.leftColumn + "}/" + core.Plural(rel.config.Right)
	itemRoute := listRoute + "/{" + rel.rightColumn + "}"
	reverseRoute := "/" + core.Plural(rel.config.Right) + "/{" + rel.rightColumn + "}/" + core.Plural(rel.config.Left)

	nillog.Debugln("handle relation routes:", listRoute, "GET,POST,PUT,DELETE")
	nillog.Debugln("handle relation routes:", itemRoute, "GET,PUT,DELETE")
	nillog.Debugln("handle relation routes:", reverseRoute, "GET")

	b.router.HandleFunc(listRoute, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			return
		case http.MethodGet:
			b.listRelatedWithAuth(w, r, rel, true)
		case http.MethodPost:
			b.attachManyWithAuth(w, r, rel, false)
		case http.MethodPut:
			b.attachManyWithAuth(w, r, rel, true)
		case http.MethodDelete:
			b.detachAllWithAuth(w, r, rel)
		}
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)

	b.router.HandleFunc(itemRoute, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			return
		case http.MethodGet:
			b.getRelatedWithAuth(w, r, rel)
		case http.MethodPut:
			b.attachOneWithAuth(w, r, rel)
		case http.MethodDelete:
			b.detachOneWithAuth(w, r, rel)
		}
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPut, http.MethodDelete)

	b.router.HandleFunc(reverseRoute, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			return
		}
		b.listRelatedWithAuth(w, r, rel, false)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (rel *relation) edgeIDs(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	vars := muxVars(r)
	leftID, err := uuid.Parse(vars[rel.leftColumn])
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, fmt.Errorf("invalid %s", rel.leftColumn)
	}
	rightID, err := uuid.Parse(vars[rel.rightColumn])
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, fmt.Errorf("invalid %s", rel.rightColumn)
	}
	return leftID, rightID, nil
}

func (b *Backend) relationAuthorized(r *http.Request, operation core.Operation, permits []access.Permit) bool {
	return b.authorized(r, operation, permits)
}

func (b *Backend) listRelatedWithAuth(w http.ResponseWriter, r *http.Request, rel *relation, fromLeft bool) {
	permits := rel.config.LeftPermits
	target := rel.right
	idColumn := rel.leftColumn
	if !fromLeft {
		permits = rel.config.RightPermits
		target = rel.left
		idColumn = rel.rightColumn
	}
	if !b.relationAuthorized(r, core.OperationList, permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rel.config.Name())
		return
	}
	id, err := uuid.Parse(muxVars(r)[idColumn])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid %s", idColumn)
		return
	}
	page, err := parsePageRange(r, target.config.DefaultLimit, target.config.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	totalCount, err := rel.countRelated(ctx, b.db, fromLeft, id)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1401: cannot count %s", rel.config.Name())
		writeError(w, http.StatusInternalServerError, "cannot list %s", rel.config.Name())
		return
	}
	page = page.resolve(totalCount)

	items := []map[string]interface{}{}
	if page.offset < totalCount {
		items, err = rel.listRelatedPage(ctx, b.db, target, id, fromLeft, page.offset, page.limit)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1402: cannot list %s", rel.config.Name())
			writeError(w, http.StatusInternalServerError, "cannot list %s", rel.config.Name())
			return
		}
	}
	if !writeContentRange(w, page.offset, len(items), totalCount) {
		return
	}
	writeJSON(w, http.StatusPartialContent, items)
}

func (b *Backend) getRelatedWithAuth(w http.ResponseWriter, r *http.Request, rel *relation) {
	if !b.relationAuthorized(r, core.OperationRead, rel.config.LeftPermits) {
		writeError(w, http.StatusForbidden, "no access to %s", rel.config.Name())
		return
	}
	leftID, rightID, err := rel.edgeIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	ctx := r.Context()
	pivot, err := rel.pivot(ctx, b.db, leftID, rightID)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "%s is not attached", rel.config.Right)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read %s", rel.config.Name())
		return
	}
	object, err := rel.right.readOne(ctx, b.db, []uuid.UUID{rightID})
	if err != nil {
		writeError(w, http.StatusNotFound, "no such %s", rel.config.Right)
		return
	}
	for key, value := range pivot {
		if _, ok := object[key]; !ok {
			object[key] = value
		}
	}
	writeJSON(w, http.StatusOK, object)
}

func (b *Backend) attachOneWithAuth(w http.ResponseWriter, r *http.Request, rel *relation) {
	if !b.relationAuthorized(r, core.OperationAttach, rel.config.LeftPermits) {
		writeError(w, http.StatusForbidden, "no access to %s", rel.config.Name())
		return
	}
	leftID, rightID, err := rel.edgeIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	body, err := readBodyObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	left, err := rel.left.readOne(ctx, b.db, []uuid.UUID{leftID})
	if err != nil {
		writeError(w, http.StatusNotFound, "no such %s", rel.config.Left)
		return
	}
	right, err := rel.right.readOne(ctx, b.db, []uuid.UUID{rightID})
	if err != nil && err != csql.ErrNoRows {
		writeError(w, http.StatusInternalServerError, "cannot read %s", rel.config.Right)
		return
	}

	// a body with entity fields beyond the pivot values updates the
	// related entity, creating it when necessary. Without entity
	// fields the related entity must already exist.
	if fields := rel.entityFields(body); len(fields) > 0 {
		rules := rel.right.updateRules().LimitToKeys(fields)
		if verr := b.ruleValidator.ValidateEntity(fields, rules, right); verr != nil {
			writeValidationError(w, verr)
			return
		}
		merged := map[string]interface{}{}
		for key, value := range right {
			merged[key] = value
		}
		for key, value := range fields {
			merged[key] = value
		}
		if _, _, err := rel.right.upsert(ctx, b.db, rightID, nil, merged); err != nil {
			b.writeSQLError(w, r, rel.right, err)
			return
		}
		if right, err = rel.right.readOne(ctx, b.db, []uuid.UUID{rightID}); err != nil {
			writeError(w, http.StatusInternalServerError, "cannot read %s", rel.config.Right)
			return
		}
	} else if right == nil {
		writeError(w, http.StatusNotFound, "no such %s", rel.config.Right)
		return
	}

	pivot, err := rel.extractPivot(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if err := rel.attach(ctx, b.db, leftID, rightID, pivot); err != nil {
		b.writeSQLError(w, r, rel.left, err)
		return
	}

	if err := b.reindexAttached(ctx, rel, left, []map[string]interface{}{right}); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1403: cannot index %s", rel.config.Name())
		writeError(w, http.StatusInternalServerError, "cannot index %s", rel.config.Name())
		return
	}
	b.notify(ctx, rel.left, core.OperationAttach, leftID, pivot)
	w.WriteHeader(http.StatusCreated)
}

/*attachManyWithAuth attaches a batch of entities, or replaces the full
association set when sync is requested.

All items must carry the related entity's identifier and all
identifiers must resolve. The affected set for reindexing is the union
of the previously attached entities and the new batch, so entities a
sync implicitly detaches are refreshed as well. The response carries a
minimal self-reference projection per affected entity instead of the
full entities, to keep bulk payloads small.
*/
func (b *Backend) attachManyWithAuth(w http.ResponseWriter, r *http.Request, rel *relation, sync bool) {
	if !b.relationAuthorized(r, core.OperationAttach, rel.config.LeftPermits) {
		writeError(w, http.StatusForbidden, "no access to %s", rel.config.Name())
		return
	}
	leftID, err := uuid.Parse(muxVars(r)[rel.leftColumn])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid %s", rel.leftColumn)
		return
	}
	collection, err := readBodyArray(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	left, err := rel.left.readOne(ctx, b.db, []uuid.UUID{leftID})
	if err != nil {
		writeError(w, http.StatusNotFound, "no such %s", rel.config.Left)
		return
	}

	ids := make([]uuid.UUID, len(collection))
	errs := make(validation.ErrorList, len(collection))
	failed := false
	for i, item := range collection {
		id, ok := bodyID(item, rel.right.primary)
		if !ok {
			verr := validation.NewError()
			verr.Add(rel.right.primary, "required", "The "+rel.right.primary+" field is required.")
			errs[i] = verr
			failed = true
			continue
		}
		ids[i] = id
	}
	if failed {
		writeValidationErrorList(w, errs)
		return
	}
	existing, err := rel.right.findMany(ctx, b.db, nil, ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot attach %s", rel.config.Right)
		return
	}
	for i, id := range ids {
		if existing[id] == nil {
			errs[i] = validation.NotFoundError(rel.right.primary)
			failed = true
		}
	}
	if failed {
		writeValidationErrorList(w, errs)
		return
	}

	// the affected set: everything attached before plus the new batch
	before, err := rel.relatedIDs(ctx, b.db, leftID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot attach %s", rel.config.Right)
		return
	}
	affected := map[uuid.UUID]bool{}
	for _, id := range before {
		affected[id] = true
	}
	for _, id := range ids {
		affected[id] = true
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot attach %s", rel.config.Right)
		return
	}
	if sync {
		if _, err = rel.detachAll(ctx, tx, leftID); err != nil {
			tx.Rollback()
			b.writeSQLError(w, r, rel.left, err)
			return
		}
	}
	for i, item := range collection {
		pivot, err := rel.extractPivot(item)
		if err != nil {
			tx.Rollback()
			writeError(w, http.StatusBadRequest, "%s", err)
			return
		}
		if err = rel.attach(ctx, tx, leftID, ids[i], pivot); err != nil {
			tx.Rollback()
			b.writeSQLError(w, r, rel.left, err)
			return
		}
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot attach %s", rel.config.Right)
		return
	}

	affectedIDs := make([]uuid.UUID, 0, len(affected))
	for id := range affected {
		affectedIDs = append(affectedIDs, id)
	}
	affectedItems, err := rel.right.findMany(ctx, b.db, nil, affectedIDs)
	if err == nil {
		batch := make([]map[string]interface{}, 0, len(affectedItems))
		for _, item := range affectedItems {
			batch = append(batch, item)
		}
		if err = b.reindexAttached(ctx, rel, left, batch); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1404: cannot index %s", rel.config.Name())
			writeError(w, http.StatusInternalServerError, "cannot index %s", rel.config.Name())
			return
		}
	}
	b.notify(ctx, rel.left, core.OperationAttach, leftID, nil)

	// minimal projection: a self reference per affected entity
	selves := make([]map[string]interface{}, len(ids))
	for i, id := range ids {
		selves[i] = map[string]interface{}{
			rel.right.primary: id,
			"_self":           "/" + core.Plural(rel.config.Right) + "/" + id.String(),
		}
	}
	writeJSON(w, http.StatusCreated, selves)
}

func (b *Backend) detachOneWithAuth(w http.ResponseWriter, r *http.Request, rel *relation) {
	if !b.relationAuthorized(r, core.OperationDetach, rel.config.LeftPermits) {
		writeError(w, http.StatusForbidden, "no access to %s", rel.config.Name())
		return
	}
	leftID, rightID, err := rel.edgeIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	ctx := r.Context()
	err = rel.detach(ctx, b.db, leftID, rightID)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "%s is not attached", rel.config.Right)
		return
	}
	if err != nil {
		b.writeSQLError(w, r, rel.left, err)
		return
	}

	if err := b.reindexDetached(ctx, rel, leftID, []uuid.UUID{rightID}); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1405: cannot index %s", rel.config.Name())
		writeError(w, http.StatusInternalServerError, "cannot index %s", rel.config.Name())
		return
	}
	b.notify(ctx, rel.left, core.OperationDetach, leftID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) detachAllWithAuth(w http.ResponseWriter, r *http.Request, rel *relation) {
	if !b.relationAuthorized(r, core.OperationDetach, rel.config.LeftPermits) {
		writeError(w, http.StatusForbidden, "no access to %s", rel.config.Name())
		return
	}
	leftID, err := uuid.Parse(muxVars(r)[rel.leftColumn])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid %s", rel.leftColumn)
		return
	}
	ctx := r.Context()
	// detachAll returns the previously attached identifiers, captured
	// here because the relation cannot be traversed after the unlink
	detached, err := rel.detachAll(ctx, b.db, leftID)
	if err != nil {
		b.writeSQLError(w, r, rel.left, err)
		return
	}

	if err := b.reindexDetached(ctx, rel, leftID, detached); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1406: cannot index %s", rel.config.Name())
		writeError(w, http.StatusInternalServerError, "cannot index %s", rel.config.Name())
		return
	}
	b.notify(ctx, rel.left, core.OperationDetach, leftID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// reindexAttached refreshes the left entity's document with all of its
// relation projections and the affected right entities without theirs.
func (b *Backend) reindexAttached(ctx context.Context, rel *relation, left map[string]interface{}, affected []map[string]interface{}) error {
	if err := b.reindexer.ReindexOne(ctx, rel.config.Left, left, nil); err != nil {
		return err
	}
	for _, item := range affected {
		if err := b.reindexer.ReindexOne(ctx, rel.config.Right, item, noRelations); err != nil {
			return err
		}
	}
	return nil
}

// reindexDetached refreshes both sides of removed edges, without
// relation projections.
func (b *Backend) reindexDetached(ctx context.Context, rel *relation, leftID uuid.UUID, rightIDs []uuid.UUID) error {
	left, err := rel.left.readOne(ctx, b.db, []uuid.UUID{leftID})
	if err == nil {
		if err := b.reindexer.ReindexOne(ctx, rel.config.Left, left, noRelations); err != nil {
			return err
		}
	}
	if len(rightIDs) == 0 {
		return nil
	}
	items, err := rel.right.findMany(ctx, b.db, nil, rightIDs)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := b.reindexer.ReindexOne(ctx, rel.config.Right, item, noRelations); err != nil {
			return err
		}
	}
	return nil
}
