package views

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relabs-tech/modelapi/core"
)

type relationKind int

const (
	relationByID relationKind = iota
	relationNested
	relationCreatableNested
)

// Factory returns the peer view of a relation. The indirection breaks
// initialization cycles between mutually related views; the factory is
// only invoked when a request actually touches the relation.
type Factory func() *ModelView

// Descriptor declares how one relationship field of a view is written
// and read. Each descriptor names a peer view and a foreign key
// column; the column lives on the owner's table for single relations
// and on the peer's table for -many relations.
//
// Descriptors come in three flavors. By-identifier relations are
// written with bare ids. Nested relations are written with objects
// that carry the peer's id and optionally further fields, which are
// cascaded to the peer as a partial update. Creatable-nested relations
// additionally create the peer when the object carries no id.
type Descriptor struct {
	kind      relationKind
	peer      Factory
	wireField string
	column    string
	many      bool
	required  bool
	cascade   bool
}

// ByID declares a single relation written as a bare peer identifier.
// The identifier is read from the request field named like the foreign
// key column.
func ByID(peer Factory, column string) Descriptor {
	return Descriptor{kind: relationByID, peer: peer, wireField: column, column: column}
}

// ByIDMany declares a -many relation written as a flat list of peer
// identifiers in the request field wireField. The peer table carries
// the foreign key column pointing back at the owner.
func ByIDMany(peer Factory, wireField, column string) Descriptor {
	return Descriptor{kind: relationByID, peer: peer, wireField: wireField, column: column, many: true}
}

// Nested declares a single relation written as an object carrying the
// peer's primary identifier. Additional fields in the object are
// cascaded to the peer as a partial update.
func Nested(peer Factory, column string) Descriptor {
	return Descriptor{kind: relationNested, peer: peer, column: column, cascade: true}
}

// NestedMany declares a -many relation written as a list of objects
// carrying peer identifiers.
func NestedMany(peer Factory, column string) Descriptor {
	return Descriptor{kind: relationNested, peer: peer, column: column, many: true, cascade: true}
}

// CreatableNested is Nested, except that an object without identifier
// creates the peer instead of failing.
func CreatableNested(peer Factory, column string) Descriptor {
	return Descriptor{kind: relationCreatableNested, peer: peer, column: column, cascade: true}
}

// CreatableNestedMany is NestedMany, except that objects without
// identifier create their peer instead of failing.
func CreatableNestedMany(peer Factory, column string) Descriptor {
	return Descriptor{kind: relationCreatableNested, peer: peer, column: column, many: true, cascade: true}
}

// Required marks the relation as non-clearable: writing null, or an
// empty list on a -many relation, fails with invalid_related.missing_id
// instead of clearing.
func (d Descriptor) Required() Descriptor {
	d.required = true
	return d
}

// LinkOnly turns off cascading for a nested relation: extra fields on
// nested objects are ignored, only the identifier links.
func (d Descriptor) LinkOnly() Descriptor {
	d.cascade = false
	return d
}

// Related maps relationship field names to their descriptors. The key
// is the field under which the relation appears in responses, and for
// nested flavors also in requests.
type Related map[string]Descriptor

// requestField returns the request body field the relation is written
// from. By-identifier relations have their own wire field, nested ones
// are written under the relationship field itself.
func (d Descriptor) requestField(field string) string {
	if d.kind == relationByID {
		return d.wireField
	}
	return field
}

// relatedFields returns the relationship field names in deterministic
// order, so that aggregated field errors are stable.
func (v *ModelView) relatedFields() []string {
	fields := make([]string, 0, len(v.Related))
	for field := range v.Related {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func isNotFound(err error) bool {
	apiErr, ok := err.(*core.APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// rebase prefixes the source pointers of a nested resolution failure
// with the relationship field, so that the top-level response locates
// the nested field that failed.
func rebase(field string, err *core.APIError) *core.APIError {
	if err.Source == nil {
		return err
	}
	rebased := *err
	rebased.Source = &core.Source{
		Pointer: "/data/" + field + strings.TrimPrefix(err.Source.Pointer, "/data"),
	}
	return &rebased
}

func relatedID(value interface{}) (uuid.UUID, error) {
	s, ok := value.(string)
	if !ok {
		return uuid.UUID{}, errors.New("identifier is not a string")
	}
	return uuid.Parse(s)
}

// resolveSingleRelations resolves all single relation fields present
// in body into foreign key values on record. Field-level failures are
// accumulated in errs so that one response reports every offending
// field; any other error aborts resolution.
func (v *ModelView) resolveSingleRelations(ctx context.Context, tx *gorm.DB, body, record core.Item, errs *core.ErrorList) error {
	for _, field := range v.relatedFields() {
		d := v.Related[field]
		if d.many {
			continue
		}
		wire := d.requestField(field)
		value, ok := body[wire]
		if !ok {
			continue
		}
		pointer := "/data/" + wire
		if value == nil {
			if d.required {
				errs.Add(core.FieldError(core.CodeRelatedMissingID, pointer))
				continue
			}
			record[d.column] = nil
			continue
		}

		peer := d.peer()
		switch d.kind {
		case relationByID:
			id, err := relatedID(value)
			if err != nil {
				errs.Add(core.FieldError(core.CodeInvalidData, pointer))
				continue
			}
			if _, err := peer.loadItem(ctx, tx, id); err != nil {
				if isNotFound(err) {
					errs.Add(core.FieldError(core.CodeRelatedNotFound, pointer))
					continue
				}
				return err
			}
			record[d.column] = id

		default:
			object, ok := value.(map[string]interface{})
			if !ok {
				errs.Add(core.FieldError(core.CodeInvalidData, pointer))
				continue
			}
			id, err := v.resolveNestedObject(ctx, tx, d, field, object, errs)
			if err != nil {
				return err
			}
			if id != nil {
				record[d.column] = *id
			}
		}
	}
	return nil
}

// resolveNestedObject resolves one nested object to a peer identifier,
// creating or cascading into the peer as the descriptor allows. A nil
// identifier with nil error means the failure went into errs.
func (v *ModelView) resolveNestedObject(ctx context.Context, tx *gorm.DB, d Descriptor, field string, object core.Item, errs *core.ErrorList) (*uuid.UUID, error) {
	peer := d.peer()
	pointer := "/data/" + field

	value, hasID := object[peer.primaryColumn()]
	if !hasID || value == nil {
		if d.kind != relationCreatableNested {
			errs.Add(core.FieldError(core.CodeRelatedMissingID, pointer))
			return nil, nil
		}
		id, err := peer.createItem(ctx, tx, object)
		if err != nil {
			if list, ok := err.(core.ErrorList); ok {
				for _, e := range list {
					errs.Add(rebase(field, e))
				}
				return nil, nil
			}
			return nil, err
		}
		return &id, nil
	}

	id, err := relatedID(value)
	if err != nil {
		errs.Add(core.FieldError(core.CodeInvalidData, pointer))
		return nil, nil
	}
	if _, err := peer.loadItem(ctx, tx, id); err != nil {
		if isNotFound(err) {
			errs.Add(core.FieldError(core.CodeRelatedNotFound, pointer))
			return nil, nil
		}
		return nil, err
	}
	if d.cascade && len(object) > 1 {
		if err := peer.updateItem(ctx, tx, id, object, true); err != nil {
			if list, ok := err.(core.ErrorList); ok {
				for _, e := range list {
					errs.Add(rebase(field, e))
				}
				return nil, nil
			}
			return nil, err
		}
	}
	return &id, nil
}

// resolveManyRelations resolves all -many relation fields present in
// body to peer identifier lists, accumulating field-level failures in
// errs alongside the failures of the single relations and the schema,
// so that one response reports every offending field. An empty list,
// and null, resolve to the empty membership.
//
// Writing the memberships is deferred to applyMembership, which runs
// once the owner row exists. Creatable-nested peers are created here;
// a failure anywhere in the request rolls them back with everything
// else.
func (v *ModelView) resolveManyRelations(ctx context.Context, tx *gorm.DB, body core.Item, errs *core.ErrorList) (map[string][]uuid.UUID, error) {
	memberships := map[string][]uuid.UUID{}
	for _, field := range v.relatedFields() {
		d := v.Related[field]
		if !d.many {
			continue
		}
		wire := d.requestField(field)
		value, ok := body[wire]
		if !ok {
			continue
		}
		pointer := "/data/" + wire

		var elements []interface{}
		if value != nil {
			if elements, ok = value.([]interface{}); !ok {
				errs.Add(core.FieldError(core.CodeInvalidData, pointer))
				continue
			}
		}
		if len(elements) == 0 && d.required {
			errs.Add(core.FieldError(core.CodeRelatedMissingID, pointer))
			continue
		}

		peer := d.peer()
		ids := make([]uuid.UUID, 0, len(elements))
		for _, element := range elements {
			switch d.kind {
			case relationByID:
				id, err := relatedID(element)
				if err != nil {
					errs.Add(core.FieldError(core.CodeInvalidData, pointer))
					continue
				}
				if _, err := peer.loadItem(ctx, tx, id); err != nil {
					if isNotFound(err) {
						errs.Add(core.FieldError(core.CodeRelatedNotFound, pointer))
						continue
					}
					return nil, err
				}
				ids = append(ids, id)

			default:
				object, ok := element.(map[string]interface{})
				if !ok {
					errs.Add(core.FieldError(core.CodeInvalidData, pointer))
					continue
				}
				id, err := v.resolveNestedObject(ctx, tx, d, field, object, errs)
				if err != nil {
					return nil, err
				}
				if id != nil {
					ids = append(ids, *id)
				}
			}
		}
		memberships[field] = ids
	}
	return memberships, nil
}

// applyMembership writes the memberships resolved from the request. It
// runs after the owner row exists, in the same transaction; it is never
// reached when the request carried field errors.
func (v *ModelView) applyMembership(ctx context.Context, tx *gorm.DB, ownerID uuid.UUID, memberships map[string][]uuid.UUID) error {
	for _, field := range v.relatedFields() {
		ids, ok := memberships[field]
		if !ok {
			continue
		}
		if err := v.replaceMembership(ctx, tx, v.Related[field], ownerID, ids); err != nil {
			return err
		}
	}
	return nil
}

// replaceMembership makes the set of peers linked to the owner exactly
// ids, in one unlink and one link statement. The unlink respects the
// peer's visibility filter: a linked peer the caller cannot see keeps
// its membership, just as the caller could not unlink it one by one.
func (v *ModelView) replaceMembership(ctx context.Context, tx *gorm.DB, d Descriptor, ownerID uuid.UUID, ids []uuid.UUID) error {
	peer := d.peer()
	unlink := peer.baseQuery(ctx, tx).
		Where(d.column+" = ?", ownerID)
	if len(ids) > 0 {
		unlink = unlink.Where(peer.primaryColumn()+" NOT IN ?", ids)
	}
	if err := unlink.Update(d.column, nil).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Table(peer.qualifiedTable()).
		Where(peer.primaryColumn()+" IN ?", ids).
		Update(d.column, ownerID).Error
}

// expandRelated adds the related representations to a loaded item:
// single relations become the peer object or null, -many relations the
// list of linked peers in creation order. Peer visibility filters
// apply, an invisible single peer reads as null.
//
// Expansion is one level deep, the peer objects come without their own
// relations.
func (v *ModelView) expandRelated(ctx context.Context, db *gorm.DB, item core.Item) error {
	for field, d := range v.Related {
		peer := d.peer()
		if d.many {
			children := []core.Item{}
			err := peer.baseQuery(ctx, db).
				Where(d.column+" = ?", item[v.primaryColumn()]).
				Order("timestamp asc").Order(peer.primaryColumn() + " asc").
				Find(&children).Error
			if err != nil {
				return err
			}
			for _, child := range children {
				peer.normalizeItem(child)
			}
			item[field] = children
			continue
		}

		raw, ok := item[d.column]
		if !ok || raw == nil {
			item[field] = nil
			continue
		}
		id, err := relatedID(raw)
		if err != nil {
			item[field] = nil
			continue
		}
		peerItem, err := peer.loadItem(ctx, db, id)
		if err != nil {
			if isNotFound(err) {
				item[field] = nil
				continue
			}
			return err
		}
		item[field] = peerItem
	}
	return nil
}
