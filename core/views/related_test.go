package views

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/modelapi/core"
)

func createParent(t *testing.T, name string) core.Item {
	t.Helper()
	parent := core.Item{}
	if _, err := testService.client.Collection("parent").Create(core.Item{"name": name}, &parent); err != nil {
		t.Fatal(err)
	}
	return parent
}

func createChild(t *testing.T, body core.Item) core.Item {
	t.Helper()
	child := core.Item{}
	if _, err := testService.client.Collection("child").Create(body, &child); err != nil {
		t.Fatal(err)
	}
	return child
}

func childIDs(t *testing.T, item core.Item) []string {
	t.Helper()
	children, ok := item["children"].([]interface{})
	if !ok {
		t.Fatal("no children list in", asJSON(item))
	}
	var ids []string
	for _, child := range children {
		object, ok := child.(map[string]interface{})
		if !ok {
			t.Fatal("child is not an object in", asJSON(item))
		}
		id, _ := object["child_id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestRelatedByIDSingle(t *testing.T) {
	c := testService.client
	parent := createParent(t, "polly")
	parentID := itemID(t, parent, "parent_id")

	child := createChild(t, core.Item{"name": "carl", "parent_id": parentID.String()})
	childID := itemID(t, child, "child_id")

	// the response embeds the related object
	assert.Equal(t, parentID.String(), child["parent_id"])
	embedded, ok := child["parent"].(map[string]interface{})
	if !ok {
		t.Fatal("no embedded parent in", asJSON(child))
	}
	assert.Equal(t, parentID.String(), embedded["parent_id"])
	assert.Equal(t, "polly", embedded["name"])

	// null clears the relation
	cleared := core.Item{}
	if _, err := c.Collection("child").Item(childID).Patch(core.Item{"parent_id": nil}, &cleared); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, cleared["parent"])
	assert.Nil(t, cleared["parent_id"])

	// an unknown identifier is a field error
	rec := doRequest(t, http.MethodPatch, "/children/"+childID.String(), nil,
		core.Item{"parent_id": uuid.New().String()})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, core.CodeRelatedNotFound, response.Errors[0].Code)
	assert.Equal(t, "/data/parent_id", response.Errors[0].Source.Pointer)

	// and so is a malformed one
	rec = doRequest(t, http.MethodPatch, "/children/"+childID.String(), nil,
		core.Item{"parent_id": "not-a-uuid"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response = decodeErrors(t, rec)
	assert.Equal(t, core.CodeInvalidData, response.Errors[0].Code)
}

func TestRelatedByIDMany(t *testing.T) {
	c := testService.client
	first := createChild(t, core.Item{"name": "first"})
	second := createChild(t, core.Item{"name": "second"})
	firstID := itemID(t, first, "child_id")
	secondID := itemID(t, second, "child_id")

	// membership follows the identifier list, read back in creation order
	parent := core.Item{}
	if _, err := c.Collection("parent").Create(core.Item{
		"name":      "many",
		"child_ids": []string{secondID.String(), firstID.String()},
	}, &parent); err != nil {
		t.Fatal(err)
	}
	parentID := itemID(t, parent, "parent_id")
	assert.Equal(t, []string{firstID.String(), secondID.String()}, childIDs(t, parent))

	linked := core.Item{}
	if _, err := c.Collection("child").Item(firstID).Read(&linked); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, parentID.String(), linked["parent_id"])

	// replacing the list unlinks what is no longer named
	updated := core.Item{}
	if _, err := c.Collection("parent").Item(parentID).Patch(core.Item{
		"child_ids": []string{secondID.String()},
	}, &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{secondID.String()}, childIDs(t, updated))

	unlinked := core.Item{}
	if _, err := c.Collection("child").Item(firstID).Read(&unlinked); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, unlinked["parent_id"])

	// an absent field leaves the membership untouched
	if _, err := c.Collection("parent").Item(parentID).Patch(core.Item{"name": "still many"}, &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{secondID.String()}, childIDs(t, updated))

	// the empty list clears the relation
	if _, err := c.Collection("parent").Item(parentID).Patch(core.Item{"child_ids": []string{}}, &updated); err != nil {
		t.Fatal(err)
	}
	assert.Empty(t, childIDs(t, updated))
}

func TestRelatedByIDManyNotFound(t *testing.T) {
	c := testService.client
	child := createChild(t, core.Item{"name": "kept"})
	childID := itemID(t, child, "child_id")

	parent := core.Item{}
	if _, err := c.Collection("parent").Create(core.Item{
		"name":      "strict",
		"child_ids": []string{childID.String()},
	}, &parent); err != nil {
		t.Fatal(err)
	}
	parentID := itemID(t, parent, "parent_id")

	// every unknown identifier in the list is reported
	rec := doRequest(t, http.MethodPatch, "/parents/"+parentID.String(), nil, core.Item{
		"child_ids": []string{uuid.New().String(), uuid.New().String()},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, 2, len(response.Errors))
	for _, e := range response.Errors {
		assert.Equal(t, core.CodeRelatedNotFound, e.Code)
		assert.Equal(t, "/data/child_ids", e.Source.Pointer)
	}

	// the failed write left the membership untouched
	read := core.Item{}
	if _, err := c.Collection("parent").Item(parentID).Read(&read); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{childID.String()}, childIDs(t, read))
}

func TestRelatedNestedMany(t *testing.T) {
	c := testService.client
	first := createChild(t, core.Item{"name": "one"})
	second := createChild(t, core.Item{"name": "two"})
	firstID := itemID(t, first, "child_id")
	secondID := itemID(t, second, "child_id")

	// nested objects link by identifier, extra fields cascade
	parent := core.Item{}
	if _, err := c.CollectionAt("parent", "/nested_parents").Create(core.Item{
		"name": "nested",
		"children": []core.Item{
			{"child_id": firstID.String()},
			{"child_id": secondID.String(), "name": "two renamed"},
		},
	}, &parent); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{firstID.String(), secondID.String()}, childIDs(t, parent))

	renamed := core.Item{}
	if _, err := c.Collection("child").Item(secondID).Read(&renamed); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "two renamed", renamed["name"])

	// a nested object without identifier cannot link
	rec := doRequest(t, http.MethodPost, "/nested_parents", nil, core.Item{
		"name":     "incomplete",
		"children": []core.Item{{"name": "orphan"}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, core.CodeRelatedMissingID, response.Errors[0].Code)
	assert.Equal(t, "/data/children", response.Errors[0].Source.Pointer)
}

func TestRelatedCreatableNestedMany(t *testing.T) {
	c := testService.client
	existing := createChild(t, core.Item{"name": "existing"})
	existingID := itemID(t, existing, "child_id")

	// objects without identifier create their peer
	parent := core.Item{}
	if _, err := c.CollectionAt("parent", "/creatable_parents").Create(core.Item{
		"name": "creator",
		"children": []core.Item{
			{"name": "made on the fly"},
			{"child_id": existingID.String()},
		},
	}, &parent); err != nil {
		t.Fatal(err)
	}
	ids := childIDs(t, parent)
	assert.Equal(t, 2, len(ids))
	assert.Contains(t, ids, existingID.String())

	var createdID uuid.UUID
	for _, id := range ids {
		if id != existingID.String() {
			createdID = uuid.MustParse(id)
		}
	}
	created := core.Item{}
	if _, err := c.Collection("child").Item(createdID).Read(&created); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "made on the fly", created["name"])
}

func TestRelatedCreatableNestedSingle(t *testing.T) {
	c := testService.client

	// no identifier creates the peer
	child := core.Item{}
	if _, err := c.CollectionAt("child", "/nested_children").Create(core.Item{
		"name":   "newborn",
		"parent": core.Item{"name": "new parent"},
	}, &child); err != nil {
		t.Fatal(err)
	}
	embedded, ok := child["parent"].(map[string]interface{})
	if !ok {
		t.Fatal("no embedded parent in", asJSON(child))
	}
	assert.Equal(t, "new parent", embedded["name"])

	// an identifier links and cascades
	parentID := itemID(t, child, "parent_id")
	second := core.Item{}
	if _, err := c.CollectionAt("child", "/nested_children").Create(core.Item{
		"name":   "sibling",
		"parent": core.Item{"parent_id": parentID.String(), "name": "renamed parent"},
	}, &second); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, parentID.String(), second["parent_id"])

	renamed := core.Item{}
	if _, err := c.Collection("parent").Item(parentID).Read(&renamed); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "renamed parent", renamed["name"])

	// failures inside the nested object keep their origin in the pointer
	rec := doRequest(t, http.MethodPost, "/nested_children", nil, core.Item{
		"name":   "broken",
		"parent": core.Item{"name": 42},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, core.CodeInvalidData, response.Errors[0].Code)
	assert.Equal(t, "/data/parent/name", response.Errors[0].Source.Pointer)
}

func TestRelatedErrorAggregation(t *testing.T) {
	// independent fields each contribute their error to one response,
	// single and list relations alike
	rec := doRequest(t, http.MethodPost, "/couples", nil, core.Item{
		"left_id":    uuid.New().String(),
		"right_id":   uuid.New().String(),
		"friend_ids": []string{uuid.New().String()},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, 3, len(response.Errors))
	pointers := map[string]bool{}
	for _, e := range response.Errors {
		assert.Equal(t, core.CodeRelatedNotFound, e.Code)
		pointers[e.Source.Pointer] = true
	}
	assert.True(t, pointers["/data/left_id"])
	assert.True(t, pointers["/data/right_id"])
	assert.True(t, pointers["/data/friend_ids"])
}

func TestRelatedErrorsBeforeWriteAuthorization(t *testing.T) {
	c := testService.client
	alice := core.Item{}
	if _, err := c.Collection("person").Create(core.Item{"name": "alice"}, &alice); err != nil {
		t.Fatal(err)
	}
	bob := core.Item{}
	if _, err := c.Collection("person").Create(core.Item{"name": "bob"}, &bob); err != nil {
		t.Fatal(err)
	}

	// couples cannot be saved at all, so a clean body runs into the
	// authorization verdict
	rec := doRequest(t, http.MethodPost, "/couples", nil, core.Item{
		"left_id":    itemID(t, alice, "person_id").String(),
		"right_id":   itemID(t, bob, "person_id").String(),
		"friend_ids": []string{},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// a body with offending fields never gets that far: the field
	// errors come back first, for list relations too
	rec = doRequest(t, http.MethodPost, "/couples", nil, core.Item{
		"left_id":    itemID(t, alice, "person_id").String(),
		"right_id":   itemID(t, bob, "person_id").String(),
		"friend_ids": []string{uuid.New().String()},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, core.CodeRelatedNotFound, response.Errors[0].Code)
	assert.Equal(t, "/data/friend_ids", response.Errors[0].Source.Pointer)
}

func TestRelatedRequiredMany(t *testing.T) {
	c := testService.client
	child := createChild(t, core.Item{"name": "only"})
	childID := itemID(t, child, "child_id")

	// an empty list cannot satisfy a required relation
	rec := doRequest(t, http.MethodPost, "/strict_parents", nil, core.Item{
		"name":      "strict",
		"child_ids": []string{},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, core.CodeRelatedMissingID, response.Errors[0].Code)
	assert.Equal(t, "/data/child_ids", response.Errors[0].Source.Pointer)

	parent := core.Item{}
	if _, err := c.CollectionAt("parent", "/strict_parents").Create(core.Item{
		"name":      "strict",
		"child_ids": []string{childID.String()},
	}, &parent); err != nil {
		t.Fatal(err)
	}
	parentID := itemID(t, parent, "parent_id")
	assert.Equal(t, []string{childID.String()}, childIDs(t, parent))

	// null cannot clear it either
	rec = doRequest(t, http.MethodPatch, "/strict_parents/"+parentID.String(), nil,
		core.Item{"child_ids": nil})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response = decodeErrors(t, rec)
	assert.Equal(t, core.CodeRelatedMissingID, response.Errors[0].Code)
	assert.Equal(t, "/data/child_ids", response.Errors[0].Source.Pointer)

	kept := core.Item{}
	if _, err := c.CollectionAt("parent", "/strict_parents").Item(parentID).Read(&kept); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{childID.String()}, childIDs(t, kept))
}

func TestRelatedMembershipVisibility(t *testing.T) {
	alice := userClient("alice")
	bob := userClient("bob")

	aliceWidget := core.Item{}
	if _, err := alice.Collection("widget").Create(core.Item{"owner_id": "alice"}, &aliceWidget); err != nil {
		t.Fatal(err)
	}
	bobWidget := core.Item{}
	if _, err := bob.Collection("widget").Create(core.Item{"owner_id": "bob"}, &bobWidget); err != nil {
		t.Fatal(err)
	}
	aliceWidgetID := itemID(t, aliceWidget, "widget_id")
	bobWidgetID := itemID(t, bobWidget, "widget_id")

	group := core.Item{}
	if _, err := alice.Collection("group").Create(core.Item{
		"widget_ids": []string{aliceWidgetID.String()},
	}, &group); err != nil {
		t.Fatal(err)
	}
	groupID := itemID(t, group, "group_id")

	// bob cannot name alice's widget
	rec := doRequest(t, http.MethodPatch, "/groups/"+groupID.String(),
		map[string]string{"X-User-Id": "bob"},
		core.Item{"widget_ids": []string{aliceWidgetID.String()}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	response := decodeErrors(t, rec)
	assert.Equal(t, core.CodeRelatedNotFound, response.Errors[0].Code)

	// replacing the membership with his own widget leaves the widget
	// bob cannot see linked, exactly as he could not unlink it
	if _, err := bob.Collection("group").Item(groupID).Patch(core.Item{
		"widget_ids": []string{bobWidgetID.String()},
	}, nil); err != nil {
		t.Fatal(err)
	}

	fromAlice := core.Item{}
	if _, err := alice.Collection("group").Item(groupID).Read(&fromAlice); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{aliceWidgetID.String()}, widgetIDs(t, fromAlice))

	fromBob := core.Item{}
	if _, err := bob.Collection("group").Item(groupID).Read(&fromBob); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []string{bobWidgetID.String()}, widgetIDs(t, fromBob))
}

func widgetIDs(t *testing.T, item core.Item) []string {
	t.Helper()
	widgets, ok := item["widgets"].([]interface{})
	if !ok {
		t.Fatal("no widgets list in", asJSON(item))
	}
	var ids []string
	for _, widget := range widgets {
		object, ok := widget.(map[string]interface{})
		if !ok {
			t.Fatal("widget is not an object in", asJSON(item))
		}
		id, _ := object["widget_id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestRelatedRollback(t *testing.T) {
	c := testService.client

	var before []core.Item
	if _, err := c.Collection("parent").WithParameter("limit", "100").List(&before); err != nil {
		t.Fatal(err)
	}

	// the failed relation write takes the whole create down with it
	rec := doRequest(t, http.MethodPost, "/parents", nil, core.Item{
		"name":      "doomed",
		"child_ids": []string{uuid.New().String()},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var after []core.Item
	if _, err := c.Collection("parent").WithParameter("limit", "100").List(&after); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(before), len(after))
	for _, item := range after {
		assert.NotEqual(t, "doomed", item["name"])
	}
}

func TestRelatedUnlinkOnDelete(t *testing.T) {
	c := testService.client
	child := createChild(t, core.Item{"name": "survivor"})
	childID := itemID(t, child, "child_id")

	parent := core.Item{}
	if _, err := c.Collection("parent").Create(core.Item{
		"name":      "mortal",
		"child_ids": []string{childID.String()},
	}, &parent); err != nil {
		t.Fatal(err)
	}
	parentID := itemID(t, parent, "parent_id")

	if _, err := c.Collection("parent").Item(parentID).Delete(); err != nil {
		t.Fatal(err)
	}

	// the child outlives its parent, unlinked
	read := core.Item{}
	if _, err := c.Collection("child").Item(childID).Read(&read); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, read["parent_id"])
	assert.Nil(t, read["parent"])
}
