package salesforce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateContact(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var capturedObject string
		mc := &mockClient{
			insertOneFn: func(_ context.Context, sObject string, _ map[string]any) (string, error) {
				capturedObject = sObject
				return "003NEW", nil
			},
		}
		id, err := CreateContact(context.Background(), mc, map[string]any{"LastName": "Acme"})
		require.NoError(t, err)
		assert.Equal(t, "003NEW", id)
		assert.Equal(t, "Contact", capturedObject)
	})

	t.Run("missing last name", func(t *testing.T) {
		_, err := CreateContact(context.Background(), &mockClient{}, map[string]any{"Email": "a@b.com"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "LastName is required")
	})

	t.Run("propagates error", func(t *testing.T) {
		mc := &mockClient{
			insertOneFn: func(_ context.Context, _ string, _ map[string]any) (string, error) {
				return "", errors.New("api error")
			},
		}
		_, err := CreateContact(context.Background(), mc, map[string]any{"LastName": "Acme"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create contact")
	})
}

func TestUpdateContact(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var capturedID string
		mc := &mockClient{
			updateOneFn: func(_ context.Context, sObject, id string, _ map[string]any) error {
				assert.Equal(t, "Contact", sObject)
				capturedID = id
				return nil
			},
		}
		require.NoError(t, UpdateContact(context.Background(), mc, "003A", map[string]any{"Phone": "1"}))
		assert.Equal(t, "003A", capturedID)
	})

	t.Run("missing id", func(t *testing.T) {
		err := UpdateContact(context.Background(), &mockClient{}, "", map[string]any{"Phone": "1"})
		assert.ErrorContains(t, err, "contact id is required")
	})

	t.Run("no fields", func(t *testing.T) {
		err := UpdateContact(context.Background(), &mockClient{}, "003A", nil)
		assert.ErrorContains(t, err, "no fields to update")
	})
}

func TestCreateTaskAndEvent(t *testing.T) {
	var objects []string
	mc := &mockClient{
		insertOneFn: func(_ context.Context, sObject string, _ map[string]any) (string, error) {
			objects = append(objects, sObject)
			return "00T1", nil
		},
	}

	id, err := CreateTask(context.Background(), mc, map[string]any{"WhoId": "003A", "Subject": "Call"})
	require.NoError(t, err)
	assert.Equal(t, "00T1", id)

	_, err = CreateEvent(context.Background(), mc, map[string]any{"WhoId": "003A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Task", "Event"}, objects)

	_, err = CreateTask(context.Background(), mc, map[string]any{"Subject": "orphan"})
	assert.ErrorContains(t, err, "WhoId is required")
	_, err = CreateEvent(context.Background(), mc, map[string]any{})
	assert.ErrorContains(t, err, "WhoId is required")
}
