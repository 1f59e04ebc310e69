package backend

import (
	"context"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relata-tech/relata/core"
	"github.com/relata-tech/relata/core/csql"
	"github.com/relata-tech/relata/core/logger"
	"github.com/relata-tech/relata/core/validation"
)

// handleResourceRoutes adds all routes for one resource.
func (b *Backend) handleResourceRoutes(rs *resource) {
	nillog := logger.Default()

	listRoute, itemRoute, singletonRoute := "", "", ""
	for _, r := range rs.resources {
		singletonRoute = itemRoute + "/" + r
		listRoute = itemRoute + "/" + core.Plural(r)
		itemRoute = itemRoute + "/" + core.Plural(r) + "/{" + r + "_id}"
	}

	if rs.config.Singleton {
		nillog.Debugln("handle singleton routes:", singletonRoute, "GET,PUT,PATCH,DELETE")
		b.router.HandleFunc(singletonRoute, func(w http.ResponseWriter, r *http.Request) {
			b.singletonWithAuth(w, r, rs)
		}).Methods(http.MethodOptions, http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete)
		return
	}

	nillog.Debugln("handle collection routes:", listRoute, "GET,POST,PUT,PATCH,DELETE")
	nillog.Debugln("handle item routes:", itemRoute, "GET,PUT,PATCH,DELETE")

	b.router.HandleFunc(listRoute, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			return
		case http.MethodGet:
			b.collectionGetWithAuth(w, r, rs)
		case http.MethodPost:
			b.postOneWithAuth(w, r, rs)
		case http.MethodPut:
			b.putManyWithAuth(w, r, rs)
		case http.MethodPatch:
			b.patchManyWithAuth(w, r, rs)
		case http.MethodDelete:
			b.deleteManyWithAuth(w, r, rs)
		}
	}).Methods(http.MethodOptions, http.MethodGet, http.MethodPost,
		http.MethodPut, http.MethodPatch, http.MethodDelete)

	// explicit list variants, registered before the item route so the
	// fixed segments win over the identifier pattern
	b.router.HandleFunc(listRoute+"/pages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			return
		}
		b.collectionGetWithAuth(w, r, rs)
	}).Methods(http.MethodOptions, http.MethodGet)

	b.router.HandleFunc(listRoute+"/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			return
		}
		q := r.URL.Query().Get("q")
		if q == "" {
			writeError(w, http.StatusBadRequest, "missing query parameter q")
			return
		}
		b.searchCollectionWithAuth(w, r, rs, q)
	}).Methods(http.MethodOptions, http.MethodGet)

	b.router.HandleFunc(itemRoute, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions:
			return
		case http.MethodGet:
			b.getOneWithAuth(w, r, rs)
		case http.MethodPut:
			b.putOneWithAuth(w, r, rs)
		case http.MethodPatch:
			b.patchOneWithAuth(w, r, rs)
		case http.MethodDelete:
			b.deleteOneWithAuth(w, r, rs)
		}
	}).Methods(http.MethodOptions, http.MethodGet,
		http.MethodPut, http.MethodPatch, http.MethodDelete)
}

// singletonWithAuth handles a one-to-one child. The child shares its
// identifier with the owner, so all item operations work without a
// child identifier in the route.
func (b *Backend) singletonWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if r.Method == http.MethodOptions {
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	// the singleton's key is the owner's key
	r = requestWithEntityID(r, rs, ownerIDs[0])
	switch r.Method {
	case http.MethodGet:
		b.getOneWithAuth(w, r, rs)
	case http.MethodPut:
		b.putOneWithAuth(w, r, rs)
	case http.MethodPatch:
		b.patchOneWithAuth(w, r, rs)
	case http.MethodDelete:
		b.deleteOneWithAuth(w, r, rs)
	}
}

// entityIDs returns the route's entity identifiers: the primary
// identifier followed by all owner identifiers.
func (rs *resource) entityIDs(r *http.Request) ([]uuid.UUID, []uuid.UUID, error) {
	vars := muxVars(r)
	ownerIDs, err := rs.ownerIDsFromVars(vars)
	if err != nil {
		return nil, nil, err
	}
	id, err := uuid.Parse(vars[rs.primary])
	if err != nil {
		return nil, nil, errInvalidEntityID
	}
	return append([]uuid.UUID{id}, ownerIDs...), ownerIDs, nil
}

func (b *Backend) getOneWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationRead, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ids, _, err := rs.entityIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	ctx := r.Context()
	object, err := rs.readOne(ctx, b.db, ids)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no such %s", rs.this)
		return
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1201: cannot read %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot read %s", rs.this)
		return
	}

	for _, name := range withNested(r) {
		_, items, err := b.related(ctx, rs, name, ids)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%s", err)
			return
		}
		object[name] = items
	}
	writeJSON(w, http.StatusOK, object)
}

func (b *Backend) collectionGetWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if q := r.URL.Query().Get("q"); q != "" {
		b.searchCollectionWithAuth(w, r, rs, q)
		return
	}
	if !b.authorized(r, core.OperationList, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	page, err := parsePageRange(r, rs.config.DefaultLimit, rs.config.MaxLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	totalCount, err := rs.count(ctx, b.db, ownerIDs)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1202: cannot count %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot list %s", rs.this)
		return
	}
	page = page.resolve(totalCount)

	items := []map[string]interface{}{}
	if page.offset < totalCount {
		items, err = rs.list(ctx, b.db, ownerIDs, page.offset, page.limit)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1203: cannot list %s", rs.this)
			writeError(w, http.StatusInternalServerError, "cannot list %s", rs.this)
			return
		}
	}
	// an empty collection is a regular result; only a window the
	// client explicitly requested can be unsatisfiable
	if totalCount == 0 && !page.explicit {
		w.Header().Set("Accept-Ranges", rangeUnit)
		writeJSON(w, http.StatusOK, items)
		return
	}
	if !writeContentRange(w, page.offset, len(items), totalCount) {
		return
	}
	writeJSON(w, http.StatusPartialContent, items)
}

func (b *Backend) postOneWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationCreate, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	body, err := readBodyObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if verr := b.validateEntity(rs, body, rs.createRules(), nil); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if err := b.validateSchema(rs, body); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	id := uuid.New()
	if requested, ok := bodyID(body, rs.primary); ok {
		id = requested
	}

	ctx := r.Context()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot create %s", rs.this)
		return
	}
	id, inserted, err := rs.upsert(ctx, tx, id, ownerIDs, body)
	if err != nil {
		tx.Rollback()
		b.writeSQLError(w, r, rs, err)
		return
	}
	if !inserted {
		tx.Rollback()
		writeError(w, http.StatusConflict, "%s exists already", rs.this)
		return
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot create %s", rs.this)
		return
	}

	object, err := rs.readOne(ctx, b.db, append([]uuid.UUID{id}, ownerIDs...))
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1219: cannot read back %s %s", rs.this, id)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if err = b.reindexer.ReindexOne(ctx, rs.config.Resource, object, nil); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1204: cannot index %s %s", rs.this, id)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	payload, _ := json.MarshalWithOption(body, json.DisableHTMLEscape())
	b.notify(ctx, rs, core.OperationCreate, id, payload)

	w.Header().Set("Location", r.URL.Path+"/"+id.String())
	w.WriteHeader(http.StatusCreated)
}

func (b *Backend) putOneWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationUpdate, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ids, ownerIDs, err := rs.entityIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	body, err := readBodyObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	// a full update must identify its entity; singletons take their
	// identity from the owner route
	requested, hasID := bodyID(body, rs.primary)
	if !hasID && !rs.config.Singleton {
		writeError(w, http.StatusBadRequest, "body must carry the %s", rs.primary)
		return
	}
	if hasID && requested != ids[0] {
		writeError(w, http.StatusBadRequest, "the %s cannot be updated", rs.primary)
		return
	}
	if verr := b.validateEntity(rs, body, rs.createRules(), nil); verr != nil {
		writeValidationError(w, verr)
		return
	}
	if err := b.validateSchema(rs, body); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}
	id, inserted, err := rs.upsert(ctx, tx, ids[0], ownerIDs, body)
	if err != nil {
		tx.Rollback()
		b.writeSQLError(w, r, rs, err)
		return
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}

	object, err := rs.readOne(ctx, b.db, ids)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1221: cannot read back %s %s", rs.this, id)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	// a fresh entity has no relations yet, an updated one may
	// be embedded in related documents
	if inserted {
		err = b.reindexer.ReindexOne(ctx, rs.config.Resource, object, nil)
	} else {
		err = b.reindexer.ReindexOneAndRelated(ctx, rs.config.Resource, object)
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1205: cannot index %s %s", rs.this, id)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	operation := core.OperationUpdate
	if inserted {
		operation = core.OperationCreate
	}
	payload, _ := json.MarshalWithOption(body, json.DisableHTMLEscape())
	b.notify(ctx, rs, operation, id, payload)

	// upsert reports created semantics even when it updated
	w.WriteHeader(http.StatusCreated)
}

func (b *Backend) patchOneWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationUpdate, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ids, ownerIDs, err := rs.entityIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	body, err := readBodyObject(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if requested, ok := bodyID(body, rs.primary); ok && requested != ids[0] {
		writeError(w, http.StatusBadRequest, "the %s cannot be updated", rs.primary)
		return
	}

	ctx := r.Context()
	existing, err := rs.readOne(ctx, b.db, ids)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no such %s", rs.this)
		return
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1206: cannot read %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}

	// partial update: only the submitted fields get validated, the
	// existing record hydrates cross-field rules
	rules := rs.updateRules().LimitToKeys(body)
	if verr := b.validateEntity(rs, body, rules, existing); verr != nil {
		writeValidationError(w, verr)
		return
	}

	merged := map[string]interface{}{}
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range body {
		merged[key] = value
	}
	if err := b.validateSchema(rs, merged); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}
	if _, _, err = rs.upsert(ctx, tx, ids[0], ownerIDs, merged); err != nil {
		tx.Rollback()
		b.writeSQLError(w, r, rs, err)
		return
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}

	object, err := rs.readOne(ctx, b.db, ids)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1222: cannot read back %s %s", rs.this, ids[0])
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if err = b.reindexer.ReindexOneAndRelated(ctx, rs.config.Resource, object); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1207: cannot index %s %s", rs.this, ids[0])
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	payload, _ := json.MarshalWithOption(body, json.DisableHTMLEscape())
	b.notify(ctx, rs, core.OperationUpdate, ids[0], payload)

	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) deleteOneWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationDelete, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ids, ownerIDs, err := rs.entityIDs(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	object, err := rs.readOne(ctx, b.db, ids)
	if err == csql.ErrNoRows {
		writeError(w, http.StatusNotFound, "no such %s", rs.this)
		return
	}
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1224: cannot read %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}
	// related documents can no longer be found once the entity and
	// its association rows are gone, so capture them up front
	captured, err := b.reindexer.CaptureRelated(ctx, rs.config.Resource, object)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1208: cannot capture relations of %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}
	_, err = rs.delete(ctx, tx, ids)
	if err == csql.ErrNoRows {
		tx.Rollback()
		writeError(w, http.StatusNotFound, "no such %s", rs.this)
		return
	}
	if err != nil {
		tx.Rollback()
		b.writeSQLError(w, r, rs, err)
		return
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}

	if err = b.reindexer.AfterDelete(ctx, rs.config.Resource, ids[0], captured); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1209: cannot unindex %s %s", rs.this, ids[0])
		writeError(w, http.StatusInternalServerError, "cannot unindex %s", rs.this)
		return
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	b.notify(ctx, rs, core.OperationDelete, ids[0], nil)

	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) putManyWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationUpdate, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	collection, err := readBodyArray(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ctx := r.Context()
	// one batch lookup for all identifiers the body carries; items
	// without identifier or without a match become new entities
	var ids []uuid.UUID
	for _, item := range collection {
		if id, ok := bodyID(item, rs.primary); ok {
			ids = append(ids, id)
		}
	}
	existing := map[uuid.UUID]map[string]interface{}{}
	if len(ids) > 0 {
		existing, err = rs.findMany(ctx, b.db, ownerIDs, ids)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1210: cannot look up %s", rs.this)
			writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
			return
		}
	}

	errs, failed := b.ruleValidator.ValidateCollection(collection,
		func(i int, item map[string]interface{}) validation.Rules {
			return rs.createRules()
		},
		func(i int) map[string]interface{} {
			if id, ok := bodyID(collection[i], rs.primary); ok {
				return existing[id]
			}
			return nil
		})
	for i, item := range collection {
		if errs[i] != nil {
			continue
		}
		if err := b.validateSchema(rs, item); err != nil {
			verr := validation.NewError()
			verr.Add("_schema", "schema", err.Error())
			errs[i] = verr
			failed = true
		}
	}
	if failed {
		writeValidationErrorList(w, errs)
		return
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}
	savedIDs := make([]uuid.UUID, len(collection))
	insertedFlags := make([]bool, len(collection))
	for i, item := range collection {
		id := uuid.New()
		if requested, ok := bodyID(item, rs.primary); ok {
			id = requested
		}
		body := item
		if hydrate, ok := existing[id]; ok {
			body = map[string]interface{}{}
			for key, value := range hydrate {
				body[key] = value
			}
			for key, value := range item {
				body[key] = value
			}
		}
		savedIDs[i], insertedFlags[i], err = rs.upsert(ctx, tx, id, ownerIDs, body)
		if err != nil {
			tx.Rollback()
			b.writeSQLError(w, r, rs, err)
			return
		}
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}

	saved, err := rs.findMany(ctx, b.db, ownerIDs, savedIDs)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1211: cannot read back %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot read %s", rs.this)
		return
	}
	response := make([]map[string]interface{}, len(savedIDs))
	batch := make([]map[string]interface{}, 0, len(savedIDs))
	for i, id := range savedIDs {
		response[i] = saved[id]
		if saved[id] != nil {
			batch = append(batch, saved[id])
		}
	}
	if err = b.reindexer.ReindexMany(ctx, rs.config.Resource, batch); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1212: cannot index %s batch", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	for i, id := range savedIDs {
		operation := core.OperationUpdate
		if insertedFlags[i] {
			operation = core.OperationCreate
		}
		payload, _ := json.MarshalWithOption(collection[i], json.DisableHTMLEscape())
		b.notify(ctx, rs, operation, id, payload)
	}
	writeJSON(w, http.StatusCreated, response)
}

func (b *Backend) patchManyWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationUpdate, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	collection, err := readBodyArray(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	// partial updates never create, so every item needs its identifier
	ids := make([]uuid.UUID, len(collection))
	errs := make(validation.ErrorList, len(collection))
	failed := false
	for i, item := range collection {
		id, ok := bodyID(item, rs.primary)
		if !ok {
			verr := validation.NewError()
			verr.Add(rs.primary, "required", "The "+rs.primary+" field is required.")
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

	ctx := r.Context()
	existing, err := rs.findMany(ctx, b.db, ownerIDs, ids)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1213: cannot look up %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}
	for i, id := range ids {
		if existing[id] == nil {
			errs[i] = validation.NotFoundError(rs.primary)
			failed = true
		}
	}
	if failed {
		writeValidationErrorList(w, errs)
		return
	}

	errs, failed = b.ruleValidator.ValidateCollection(collection,
		func(i int, item map[string]interface{}) validation.Rules {
			return rs.updateRules().LimitToKeys(item)
		},
		func(i int) map[string]interface{} {
			return existing[ids[i]]
		})
	if failed {
		writeValidationErrorList(w, errs)
		return
	}
	merged := make([]map[string]interface{}, len(collection))
	for i, item := range collection {
		merged[i] = map[string]interface{}{}
		for key, value := range existing[ids[i]] {
			merged[i][key] = value
		}
		for key, value := range item {
			merged[i][key] = value
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}
	for i := range merged {
		if _, _, err = rs.upsert(ctx, tx, ids[i], ownerIDs, merged[i]); err != nil {
			tx.Rollback()
			b.writeSQLError(w, r, rs, err)
			return
		}
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot update %s", rs.this)
		return
	}

	saved, err := rs.findMany(ctx, b.db, ownerIDs, ids)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1223: cannot read back %s batch", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	batch := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		if saved[id] != nil {
			batch = append(batch, saved[id])
		}
	}
	if err = b.reindexer.ReindexMany(ctx, rs.config.Resource, batch); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1214: cannot index %s batch", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	for i, id := range ids {
		payload, _ := json.MarshalWithOption(collection[i], json.DisableHTMLEscape())
		b.notify(ctx, rs, core.OperationUpdate, id, payload)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) deleteManyWithAuth(w http.ResponseWriter, r *http.Request, rs *resource) {
	if !b.authorized(r, core.OperationDelete, rs.permits) {
		writeError(w, http.StatusForbidden, "no access to %s", rs.this)
		return
	}
	ownerIDs, err := rs.ownerIDsFromVars(muxVars(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	collection, err := readBodyArray(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	ids := make([]uuid.UUID, len(collection))
	errs := make(validation.ErrorList, len(collection))
	failed := false
	for i, item := range collection {
		id, ok := bodyID(item, rs.primary)
		if !ok {
			verr := validation.NewError()
			verr.Add(rs.primary, "required", "The "+rs.primary+" field is required.")
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

	ctx := r.Context()
	existing, err := rs.findMany(ctx, b.db, ownerIDs, ids)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1215: cannot look up %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}
	for i, id := range ids {
		if existing[id] == nil {
			errs[i] = validation.NotFoundError(rs.primary)
			failed = true
		}
	}
	if failed {
		// all identifiers must resolve, otherwise nothing is deleted
		writeValidationErrorList(w, errs)
		return
	}

	captured := make([]capturedRelations, len(ids))
	for i, id := range ids {
		captured[i], err = b.reindexer.CaptureRelated(ctx, rs.config.Resource, existing[id])
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1216: cannot capture relations of %s", rs.this)
			writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
			return
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}
	for _, id := range ids {
		if _, err = rs.delete(ctx, tx, append([]uuid.UUID{id}, ownerIDs...)); err != nil {
			tx.Rollback()
			b.writeSQLError(w, r, rs, err)
			return
		}
	}
	if err = tx.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "cannot delete %s", rs.this)
		return
	}

	for i, id := range ids {
		if err = b.reindexer.AfterDelete(ctx, rs.config.Resource, id, captured[i]); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("Error 1217: cannot unindex %s %s", rs.this, id)
			writeError(w, http.StatusInternalServerError, "cannot unindex %s", rs.this)
			return
		}
		b.notify(ctx, rs, core.OperationDelete, id, nil)
	}
	if !b.reindexOwnerChecked(w, r, rs, ownerIDs) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// reindexOwner refreshes the owner's document after a child mutation.
// The owner document may embed the child, so every child mutation
// touches it. The refresh never expands relations, the owner's related
// documents are not affected by a child change.
func (b *Backend) reindexOwner(ctx context.Context, rs *resource, ownerIDs []uuid.UUID) error {
	if rs.owner == "" || len(ownerIDs) == 0 {
		return nil
	}
	owner, ok := b.resources[ownerOf(rs.config.Resource)]
	if !ok {
		return nil
	}
	object, err := owner.readOne(ctx, b.db, ownerIDs)
	if err == csql.ErrNoRows {
		// the owner vanished concurrently, its own delete handles the index
		return nil
	}
	if err != nil {
		return err
	}
	return b.reindexer.ReindexOne(ctx, owner.config.Resource, object, noRelations)
}

// reindexOwnerChecked wraps reindexOwner for the request handlers. A
// false return means the error response was already written.
func (b *Backend) reindexOwnerChecked(w http.ResponseWriter, r *http.Request, rs *resource, ownerIDs []uuid.UUID) bool {
	ctx := r.Context()
	if err := b.reindexOwner(ctx, rs, ownerIDs); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 1218: cannot index owner of %s", rs.this)
		writeError(w, http.StatusInternalServerError, "cannot index %s", rs.this)
		return false
	}
	return true
}

// validateEntity runs the rule set and hides the rule engine from the
// handlers.
func (b *Backend) validateEntity(rs *resource, body map[string]interface{}, rules validation.Rules, existing map[string]interface{}) *validation.Error {
	return b.ruleValidator.ValidateEntity(body, rules, existing)
}

// validateSchema validates the payload against the resource's JSON
// schema, if one is configured.
func (b *Backend) validateSchema(rs *resource, body map[string]interface{}) error {
	if rs.config.SchemaID == "" || !b.jsonValidator.HasSchema(rs.config.SchemaID) {
		return nil
	}
	return b.jsonValidator.ValidateStruct(body, rs.config.SchemaID)
}

func (rs *resource) createRules() validation.Rules {
	return validation.Rules(rs.config.Rules)
}

// updateRules are the base rules with the per-field update overrides
// applied on top.
func (rs *resource) updateRules() validation.Rules {
	return validation.Rules(rs.config.Rules).Merge(validation.Rules(rs.config.UpdateRules))
}

func readBodyObject(r *http.Request) (map[string]interface{}, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{}
	if len(data) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, errBodyNotAnObject
	}
	return body, nil
}

func readBodyArray(r *http.Request) ([]map[string]interface{}, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var collection []map[string]interface{}
	if len(data) == 0 {
		return collection, nil
	}
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, errBodyNotAnArray
	}
	return collection, nil
}
