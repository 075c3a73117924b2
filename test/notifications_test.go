package test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/modelapi/core"
	"github.com/relabs-tech/modelapi/core/notifier"
)

type ResourceAPITestSuite struct {
	IntegrationTestSuite
}

func TestResourceAPITestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts := &ResourceAPITestSuite{}
	suite.Run(t, ts)
}

func (s *ResourceAPITestSuite) TestCRUDOverHTTP() {
	child := core.Item{}
	_, err := s.client.Collection("child").Create(core.Item{"name": "wired"}, &child)
	s.Require().NoError(err, "Failed to create child")
	childID, err := uuid.Parse(child["child_id"].(string))
	s.Require().NoError(err)

	read := core.Item{}
	_, err = s.client.Collection("child").Item(childID).Read(&read)
	s.Require().NoError(err, "Failed to read child")
	s.Equal("wired", read["name"])

	var listed []core.Item
	_, err = s.client.Collection("child").WithParameter("name", "wired").List(&listed)
	s.Require().NoError(err, "Failed to list children")
	s.Require().NotEmpty(listed)

	updated := core.Item{}
	_, err = s.client.Collection("child").Item(childID).Patch(core.Item{"name": "rewired"}, &updated)
	s.Require().NoError(err, "Failed to patch child")
	s.Equal("rewired", updated["name"])
	s.Equal(float64(2), updated["revision"])

	_, err = s.client.Collection("child").Item(childID).Delete()
	s.Require().NoError(err, "Failed to delete child")
}

func (s *ResourceAPITestSuite) TestRelationOverHTTP() {
	child := core.Item{}
	_, err := s.client.Collection("child").Create(core.Item{"name": "linked"}, &child)
	s.Require().NoError(err)
	childID := child["child_id"].(string)

	parent := core.Item{}
	_, err = s.client.Collection("parent").Create(core.Item{
		"name":      "keeper",
		"child_ids": []string{childID},
	}, &parent)
	s.Require().NoError(err, "Failed to create parent with children")

	children, ok := parent["children"].([]interface{})
	s.Require().True(ok, "parent has no children list")
	s.Require().Len(children, 1)
	object := children[0].(map[string]interface{})
	s.Equal(childID, object["child_id"])
	s.Equal("linked", object["name"])
}

func (s *ResourceAPITestSuite) TestNotificationDelivery() {
	reader := s.newReader()
	defer reader.Close()

	child := core.Item{}
	_, err := s.client.Collection("child").Create(core.Item{"name": "observed"}, &child)
	s.Require().NoError(err)
	childID, err := uuid.Parse(child["child_id"].(string))
	s.Require().NoError(err)

	_, err = s.client.Collection("child").Item(childID).Patch(core.Item{"name": "still observed"}, nil)
	s.Require().NoError(err)

	_, err = s.client.Collection("child").Item(childID).Delete()
	s.Require().NoError(err)

	// every mutation of the record arrives on the topic, in order,
	// keyed by the record's identifier
	wanted := []core.Operation{core.OperationCreate, core.OperationUpdate, core.OperationDelete}
	var received []notifier.Notification
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for len(received) < len(wanted) {
		message, err := reader.ReadMessage(ctx)
		s.Require().NoError(err, "Failed to read notification")
		var notification notifier.Notification
		s.Require().NoError(json.Unmarshal(message.Value, &notification))
		if notification.ResourceID != childID {
			continue
		}
		s.Equal(childID.String(), string(message.Key))
		received = append(received, notification)
	}

	for i, notification := range received {
		s.Equal("child", notification.Resource)
		s.Equal(wanted[i], notification.Operation)
		payload := core.Item{}
		s.Require().NoError(json.Unmarshal(notification.Payload, &payload))
		s.Equal(childID.String(), payload["child_id"])
	}
}

func (s *ResourceAPITestSuite) TestSilentMutationIsNotNotified() {
	reader := s.newReader()
	defer reader.Close()

	child := core.Item{}
	_, err := s.client.Collection("child").Create(core.Item{"name": "quiet"}, &child)
	s.Require().NoError(err)
	childID, err := uuid.Parse(child["child_id"].(string))
	s.Require().NoError(err)

	_, err = s.client.Collection("child").Item(childID).
		WithParameter("silent", "true").Patch(core.Item{"name": "silent running"}, nil)
	s.Require().NoError(err)

	marker := core.Item{}
	_, err = s.client.Collection("child").Create(core.Item{"name": "marker"}, &marker)
	s.Require().NoError(err)
	markerID := marker["child_id"].(string)

	// the marker's create arrives, the silent update never does
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	for {
		message, err := reader.ReadMessage(ctx)
		s.Require().NoError(err, "Failed to read notification")
		var notification notifier.Notification
		s.Require().NoError(json.Unmarshal(message.Value, &notification))
		if notification.ResourceID == childID {
			s.NotEqual(core.OperationUpdate, notification.Operation,
				"silent update must not be notified")
		}
		if notification.ResourceID.String() == markerID {
			break
		}
	}
}
