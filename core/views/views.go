/*Package views exposes relational resources as JSON collection
endpoints.

A ModelView describes one resource: its scalar columns, its dynamic
properties, its relations to other resources and the authentication
and authorization policies that govern access. The view derives the
storage table and the REST routes from the singular resource name and
serves the usual verbs on them:

	GET    /widgets              list
	POST   /widgets              create
	GET    /widgets/{widget_id}  read
	PUT    /widgets/{widget_id}  update with schema validation
	PATCH  /widgets/{widget_id}  partial update
	DELETE /widgets/{widget_id}  delete

Every mutation runs in a single database transaction: scalar fields,
single relations, the owner row and the membership of -many relations
commit together or not at all. Field-level failures are collected
across all fields of the request and answered as one 422; failures of
the operation itself (401, 403, 404) abort immediately.
*/
package views

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relabs-tech/modelapi/core"
	"github.com/relabs-tech/modelapi/core/access"
	"github.com/relabs-tech/modelapi/core/csql"
	"github.com/relabs-tech/modelapi/core/logger"
	"github.com/relabs-tech/modelapi/core/schema"
)

// ModelView serves one resource as a JSON collection.
//
// Records are stored in the table named by the plural of Resource,
// with a generated uuid primary key named "<resource>_id", a
// timestamp, a revision counter and a dynamic json properties
// document. StaticProperties and SearchableProperties become dedicated
// varchar columns, searchable ones are indexed and can be used as
// query parameters on the collection. All other fields of a request
// body live in the properties document.
type ModelView struct {
	// DB is the database the resource is stored in. Mandatory.
	DB *csql.DB

	// Resource is the singular resource name, e.g. "widget".
	Resource string

	// StaticProperties are extracted into dedicated varchar columns.
	StaticProperties []string

	// SearchableProperties are static properties with an index, usable
	// as query parameters when listing the collection.
	SearchableProperties []string

	// Related declares the relationship fields of the resource.
	Related Related

	// Authentication extracts request credentials. Default: no request
	// carries credentials.
	Authentication access.Authentication

	// Authorization decides visibility and permissions. Default:
	// everything is visible and permitted.
	Authorization access.Authorization

	// Validator and SchemaID select a JSON schema which create and
	// full update validate request bodies against. Optional.
	Validator *schema.Validator
	SchemaID  string

	// Notifier receives committed mutations. Optional.
	Notifier core.Notifier
}

func (v *ModelView) tableName() string {
	return core.Plural(v.Resource)
}

func (v *ModelView) primaryColumn() string {
	return v.Resource + "_id"
}

// qualifiedTable is the schema-qualified table name for query building
func (v *ModelView) qualifiedTable() string {
	return v.DB.Schema + "." + v.tableName()
}

// sqlTable is the quoted table name for raw statements
func (v *ModelView) sqlTable() string {
	return v.DB.Schema + `."` + v.tableName() + `"`
}

func (v *ModelView) authentication() access.Authentication {
	if v.Authentication == nil {
		return access.NoAuthentication{}
	}
	return v.Authentication
}

func (v *ModelView) authorization() access.Authorization {
	if v.Authorization == nil {
		return access.AllowAll{}
	}
	return v.Authorization
}

func (v *ModelView) scalarColumns() []string {
	columns := make([]string, 0, len(v.StaticProperties)+len(v.SearchableProperties))
	columns = append(columns, v.StaticProperties...)
	for _, column := range v.SearchableProperties {
		duplicate := false
		for _, c := range columns {
			if c == column {
				duplicate = true
			}
		}
		if !duplicate {
			columns = append(columns, column)
		}
	}
	return columns
}

// reservedFields are the body fields that do not go into the dynamic
// properties document: columns, relation fields and the bookkeeping
// fields maintained by the view itself.
func (v *ModelView) reservedFields() map[string]struct{} {
	reserved := map[string]struct{}{
		v.primaryColumn(): {},
		"timestamp":       {},
		"revision":        {},
		"properties":      {},
	}
	for _, column := range v.scalarColumns() {
		reserved[column] = struct{}{}
	}
	for field, d := range v.Related {
		reserved[field] = struct{}{}
		reserved[d.requestField(field)] = struct{}{}
		if !d.many {
			reserved[d.column] = struct{}{}
		}
	}
	return reserved
}

func (v *ModelView) dynamicProperties(body core.Item) core.Item {
	reserved := v.reservedFields()
	properties := core.Item{}
	for key, value := range body {
		if _, ok := reserved[key]; ok {
			continue
		}
		properties[key] = value
	}
	return properties
}

// ensureTable creates the resource's table and columns if they do not
// exist yet. Foreign key columns of -many relations live on the peer's
// table, which therefore must exist; the peer's base table is created
// here if its own view has not been registered yet.
func (v *ModelView) ensureTable() error {
	if err := v.ensureBaseTable(); err != nil {
		return err
	}
	for _, field := range v.relatedFields() {
		d := v.Related[field]
		if !d.many {
			err := v.DB.DB.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" uuid;`,
				v.sqlTable(), d.column)).Error
			if err != nil {
				return err
			}
			continue
		}
		peer := d.peer()
		if err := peer.ensureBaseTable(); err != nil {
			return err
		}
		err := v.DB.DB.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" uuid;
CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s("%s");`,
			peer.sqlTable(), d.column,
			peer.tableName(), d.column, peer.sqlTable(), d.column)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *ModelView) ensureBaseTable() error {
	err := v.DB.DB.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
"%s" uuid NOT NULL DEFAULT uuid_generate_v4(),
timestamp timestamp with time zone NOT NULL DEFAULT now(),
revision integer NOT NULL DEFAULT 1,
properties json NOT NULL DEFAULT '{}'::json,
PRIMARY KEY ("%s")
);`, v.sqlTable(), v.primaryColumn(), v.primaryColumn())).Error
	if err != nil {
		return err
	}
	for _, column := range v.scalarColumns() {
		err = v.DB.DB.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS "%s" varchar;`,
			v.sqlTable(), column)).Error
		if err != nil {
			return err
		}
	}
	for _, column := range v.SearchableProperties {
		err = v.DB.DB.Exec(fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s("%s");`,
			v.tableName(), column, v.sqlTable(), column)).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// beginRequest extracts the request credentials, stores them on the
// context and authorizes the request as a whole. Endpoints that demand
// authentication answer 401 here, before any query executes.
func (v *ModelView) beginRequest(r *http.Request) (*http.Request, error) {
	ctx := r.Context()
	credentials := v.authentication().RequestCredentials(r)
	if credentials != nil {
		ctx = access.ContextWithCredentials(ctx, credentials)
		if identity, ok := credentials.(string); ok {
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, identity)
		}
	}
	if err := v.authorization().AuthorizeRequest(ctx); err != nil {
		return r, err
	}
	return r.WithContext(ctx), nil
}

// baseQuery returns the resource's collection query, narrowed to the
// records the caller may see. Every read goes through this, which is
// why an existing but invisible record answers 404.
func (v *ModelView) baseQuery(ctx context.Context, db *gorm.DB) *gorm.DB {
	query := db.WithContext(ctx).Table(v.qualifiedTable())
	return v.authorization().FilterQuery(ctx, query)
}

func (v *ModelView) takeItem(query *gorm.DB, id uuid.UUID) (core.Item, error) {
	item := core.Item{}
	err := query.Where(v.primaryColumn()+" = ?", id).Take(&item).Error
	if errors.Is(err, csql.ErrRecordNotFound) {
		return nil, core.NotFound()
	}
	if err != nil {
		return nil, err
	}
	v.normalizeItem(item)
	return item, nil
}

func (v *ModelView) loadItem(ctx context.Context, db *gorm.DB, id uuid.UUID) (core.Item, error) {
	return v.takeItem(v.baseQuery(ctx, db), id)
}

func (v *ModelView) loadItemForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (core.Item, error) {
	return v.takeItem(v.baseQuery(ctx, tx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

// normalizeItem turns raw scan values into their JSON representation
// and folds the dynamic properties document into the item itself.
func (v *ModelView) normalizeItem(item core.Item) {
	for key, value := range item {
		if b, ok := value.([]byte); ok {
			item[key] = string(b)
		}
	}
	raw, ok := item["properties"]
	if !ok {
		return
	}
	delete(item, "properties")
	var properties core.Item
	if s, ok := raw.(string); ok {
		json.Unmarshal([]byte(s), &properties)
	}
	for key, value := range properties {
		if _, ok := item[key]; !ok {
			item[key] = value
		}
	}
}

func setScalar(record core.Item, column string, value interface{}, errs *core.ErrorList) {
	if value == nil {
		record[column] = nil
		return
	}
	s, ok := value.(string)
	if !ok {
		errs.Add(core.FieldError(core.CodeInvalidData, "/data/"+column))
		return
	}
	record[column] = s
}

// createItem validates and creates one record inside tx, including its
// relations, and returns the generated identifier. It is also the
// entry point for creatable-nested relations of other views.
func (v *ModelView) createItem(ctx context.Context, tx *gorm.DB, body core.Item) (uuid.UUID, error) {
	var errs core.ErrorList
	if v.Validator != nil && v.SchemaID != "" {
		if err := v.Validator.ValidateItem(body, v.SchemaID); err != nil {
			list, ok := err.(core.ErrorList)
			if !ok {
				return uuid.Nil, err
			}
			errs = append(errs, list...)
		}
	}

	primaryID := uuid.New()
	record := core.Item{v.primaryColumn(): primaryID}
	for _, column := range v.scalarColumns() {
		if value, ok := body[column]; ok {
			setScalar(record, column, value, &errs)
		}
	}
	if err := v.resolveSingleRelations(ctx, tx, body, record, &errs); err != nil {
		return uuid.Nil, err
	}
	memberships, err := v.resolveManyRelations(ctx, tx, body, &errs)
	if err != nil {
		return uuid.Nil, err
	}
	properties := v.dynamicProperties(body)
	if err := errs.OrNil(); err != nil {
		return uuid.Nil, err
	}

	authItem := core.Item{}
	for key, value := range record {
		authItem[key] = value
	}
	for key, value := range properties {
		if _, ok := authItem[key]; !ok {
			authItem[key] = value
		}
	}
	if err := v.authorization().AuthorizeSaveItem(ctx, authItem); err != nil {
		return uuid.Nil, err
	}

	propertiesJSON, _ := json.MarshalWithOption(properties, json.DisableHTMLEscape())
	record["properties"] = string(propertiesJSON)
	record["timestamp"] = time.Now().UTC()
	if err := tx.WithContext(ctx).Table(v.qualifiedTable()).Create(record).Error; err != nil {
		return uuid.Nil, err
	}
	return primaryID, v.applyMembership(ctx, tx, primaryID, memberships)
}

// updateItem applies body to one record inside tx. Fields absent from
// the body stay untouched; null clears. partial skips the schema
// validation, for patches that intentionally send fragments.
func (v *ModelView) updateItem(ctx context.Context, tx *gorm.DB, id uuid.UUID, body core.Item, partial bool) error {
	current, err := v.loadItemForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	var errs core.ErrorList
	if v.Validator != nil && v.SchemaID != "" && !partial {
		if err := v.Validator.ValidateItem(body, v.SchemaID); err != nil {
			list, ok := err.(core.ErrorList)
			if !ok {
				return err
			}
			errs = append(errs, list...)
		}
	}

	changes := core.Item{}
	for _, column := range v.scalarColumns() {
		if value, ok := body[column]; ok {
			setScalar(changes, column, value, &errs)
		}
	}
	if err := v.resolveSingleRelations(ctx, tx, body, changes, &errs); err != nil {
		return err
	}
	memberships, err := v.resolveManyRelations(ctx, tx, body, &errs)
	if err != nil {
		return err
	}
	properties := v.dynamicProperties(current)
	for key, value := range v.dynamicProperties(body) {
		properties[key] = value
	}
	if err := errs.OrNil(); err != nil {
		return err
	}
	if err := v.authorization().AuthorizeUpdateItem(ctx, current, body); err != nil {
		return err
	}

	propertiesJSON, _ := json.MarshalWithOption(properties, json.DisableHTMLEscape())
	changes["properties"] = string(propertiesJSON)
	changes["timestamp"] = time.Now().UTC()
	changes["revision"] = gorm.Expr("revision + 1")
	err = tx.WithContext(ctx).Table(v.qualifiedTable()).
		Where(v.primaryColumn()+" = ?", id).Updates(changes).Error
	if err != nil {
		return err
	}
	return v.applyMembership(ctx, tx, id, memberships)
}

// deleteItem authorizes and deletes one record inside tx, unlinking
// the peers of -many relations. It returns the item as it was, for the
// delete notification.
func (v *ModelView) deleteItem(ctx context.Context, tx *gorm.DB, id uuid.UUID) (core.Item, error) {
	item, err := v.loadItemForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := v.authorization().AuthorizeDeleteItem(ctx, item); err != nil {
		return nil, err
	}
	for _, field := range v.relatedFields() {
		d := v.Related[field]
		if !d.many {
			continue
		}
		if err := v.replaceMembership(ctx, tx, d, id, nil); err != nil {
			return nil, err
		}
	}
	err = tx.WithContext(ctx).Exec(`DELETE FROM `+v.sqlTable()+
		` WHERE "`+v.primaryColumn()+`" = ?`, id).Error
	if err != nil {
		return nil, err
	}
	return item, nil
}

// readItem loads one record with its related representations and
// returns it along with its JSON rendering.
func (v *ModelView) readItem(ctx context.Context, id uuid.UUID) (core.Item, []byte, error) {
	item, err := v.loadItem(ctx, v.DB.DB, id)
	if err != nil {
		return nil, nil, err
	}
	if err := v.expandRelated(ctx, v.DB.DB, item); err != nil {
		return nil, nil, err
	}
	jsonData, _ := json.MarshalWithOption(item, json.DisableHTMLEscape())
	return item, jsonData, nil
}

// pathID parses the record identifier from the route. A malformed
// identifier reads as a record that does not exist.
func (v *ModelView) pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[v.primaryColumn()])
	if err != nil {
		return uuid.Nil, core.NotFound()
	}
	return id, nil
}

func (v *ModelView) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch err.(type) {
	case *core.APIError, core.ErrorList:
	default:
		// Invalid UUIDs are reported as "invalid_text_representation" which is Code 22P02
		var pqError *pq.Error
		if errors.As(err, &pqError) && pqError.Code == "22P02" {
			http.Error(w, "invalid uuid", http.StatusBadRequest)
			return
		}
		logger.FromContext(r.Context()).WithError(err).Errorf("Error 4102: %s %s", r.Method, r.URL.Path)
	}
	core.WriteError(w, err)
}

func (v *ModelView) notify(ctx context.Context, operation core.Operation, id uuid.UUID, payload []byte) {
	if v.Notifier == nil {
		return
	}
	if err := v.Notifier.Notify(ctx, v.Resource, operation, id, payload); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 4103: notify %s %s", operation, v.Resource)
	}
}

func silentRequested(r *http.Request) bool {
	silent, _ := strconv.ParseBool(r.URL.Query().Get("silent"))
	return silent
}

// List serves the filtered, paginated collection. Searchable
// properties and the foreign key columns of single relations can be
// used as query parameters; pagination state goes into the
// Pagination-* headers. Objects come without their related
// representations, those are served by the single-object read.
func (v *ModelView) List(w http.ResponseWriter, r *http.Request) {
	r, err := v.beginRequest(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	ctx := r.Context()

	limit, page := 100, 1
	order := "desc"
	urlQuery := r.URL.Query()
	for key, array := range urlQuery {
		var value string
		if len(array) > 0 {
			value = array[0]
		}
		switch key {
		case "limit":
			limit, err = strconv.Atoi(value)
			if err == nil && (limit < 1 || limit > 100) {
				err = fmt.Errorf("out of range")
			}
		case "page":
			page, err = strconv.Atoi(value)
			if err == nil && page < 1 {
				err = fmt.Errorf("out of range")
			}
		case "order":
			order = value
			if order != "asc" && order != "desc" {
				err = fmt.Errorf("must be asc or desc")
			}
		default:
			if !v.filterableColumn(key) {
				err = fmt.Errorf("unknown parameter")
			}
		}
		if err != nil {
			http.Error(w, "parameter '"+key+"': "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	filtered := func() *gorm.DB {
		query := v.baseQuery(ctx, v.DB.DB)
		for key, array := range urlQuery {
			if v.filterableColumn(key) && len(array) > 0 {
				query = query.Where(key+" = ?", array[0])
			}
		}
		return query
	}

	var count int64
	if err := filtered().Count(&count).Error; err != nil {
		v.writeError(w, r, err)
		return
	}
	totalCount := int(count)

	response := []core.Item{}
	err = filtered().
		Order("timestamp " + order).Order(v.primaryColumn() + " " + order).
		Limit(limit).Offset((page - 1) * limit).
		Find(&response).Error
	if err != nil {
		v.writeError(w, r, err)
		return
	}
	for _, item := range response {
		v.normalizeItem(item)
	}

	jsonData, _ := json.MarshalWithOption(response, json.DisableHTMLEscape())
	etag := bytesPlusTotalCountToEtag(jsonData, totalCount)
	// ETag must also be provided in headers in case If-None-Match is set
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Pagination-Limit", strconv.Itoa(limit))
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(totalCount))
	w.Header().Set("Pagination-Page-Count", strconv.Itoa(((totalCount-1)/limit)+1))
	w.Header().Set("Pagination-Current-Page", strconv.Itoa(page))
	w.Write(jsonData)
}

func (v *ModelView) filterableColumn(name string) bool {
	for _, column := range v.SearchableProperties {
		if column == name {
			return true
		}
	}
	for _, d := range v.Related {
		if !d.many && d.column == name {
			return true
		}
	}
	return false
}

// Retrieve serves one object with its related representations.
func (v *ModelView) Retrieve(w http.ResponseWriter, r *http.Request) {
	r, err := v.beginRequest(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	id, err := v.pathID(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	_, jsonData, err := v.readItem(r.Context(), id)
	if err != nil {
		v.writeError(w, r, err)
		return
	}
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

// Create creates one object from the request body and answers 201 with
// the created representation.
func (v *ModelView) Create(w http.ResponseWriter, r *http.Request) {
	r, err := v.beginRequest(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	ctx := r.Context()

	var body core.Item
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}

	var id uuid.UUID
	err = v.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = v.createItem(ctx, tx, body)
		return err
	})
	if err != nil {
		v.writeError(w, r, err)
		return
	}

	_, jsonData, err := v.readItem(ctx, id)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 4104: re-read object")
		http.Error(w, "Error 4104", http.StatusInternalServerError)
		return
	}
	if !silentRequested(r) {
		v.notify(ctx, core.OperationCreate, id, jsonData)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	w.Write(jsonData)
}

// Update applies the request body to one object. PATCH applies a
// fragment, PUT additionally validates the body against the view's
// schema. Both answer 200 with the updated representation, or 204 when
// the request asks to be silent.
func (v *ModelView) Update(w http.ResponseWriter, r *http.Request) {
	r, err := v.beginRequest(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id, err := v.pathID(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}

	var body core.Item
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}

	partial := r.Method == http.MethodPatch
	err = v.DB.Transaction(func(tx *gorm.DB) error {
		return v.updateItem(ctx, tx, id, body, partial)
	})
	if err != nil {
		v.writeError(w, r, err)
		return
	}

	if silentRequested(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_, jsonData, err := v.readItem(ctx, id)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 4105: re-read object")
		http.Error(w, "Error 4105", http.StatusInternalServerError)
		return
	}
	v.notify(ctx, core.OperationUpdate, id, jsonData)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

// Destroy deletes one object and answers 204.
func (v *ModelView) Destroy(w http.ResponseWriter, r *http.Request) {
	r, err := v.beginRequest(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}
	ctx := r.Context()
	id, err := v.pathID(r)
	if err != nil {
		core.WriteError(w, err)
		return
	}

	var item core.Item
	err = v.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		item, err = v.deleteItem(ctx, tx, id)
		return err
	})
	if err != nil {
		v.writeError(w, r, err)
		return
	}
	if !silentRequested(r) {
		jsonData, _ := json.MarshalWithOption(item, json.DisableHTMLEscape())
		v.notify(ctx, core.OperationDelete, id, jsonData)
	}
	w.WriteHeader(http.StatusNoContent)
}
