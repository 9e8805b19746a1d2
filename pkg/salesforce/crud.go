package salesforce

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
)

// UpdateContact updates a Contact record with the given fields.
func UpdateContact(ctx context.Context, c Client, contactID string, fields map[string]any) error {
	if contactID == "" {
		return eris.New("sf: contact id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Contact", contactID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update contact %s", contactID))
	}
	return nil
}

// CreateContact creates a new Contact record and returns its Salesforce ID.
func CreateContact(ctx context.Context, c Client, fields map[string]any) (string, error) {
	if fields["LastName"] == nil || fields["LastName"] == "" {
		return "", eris.New("sf: contact LastName is required")
	}
	id, err := c.InsertOne(ctx, "Contact", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create contact")
	}
	return id, nil
}

// CreateTask logs a Task against the record in WhoId.
func CreateTask(ctx context.Context, c Client, fields map[string]any) (string, error) {
	if fields["WhoId"] == nil || fields["WhoId"] == "" {
		return "", eris.New("sf: task WhoId is required")
	}
	id, err := c.InsertOne(ctx, "Task", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create task")
	}
	return id, nil
}

// CreateEvent logs a calendar Event against the record in WhoId.
func CreateEvent(ctx context.Context, c Client, fields map[string]any) (string, error) {
	if fields["WhoId"] == nil || fields["WhoId"] == "" {
		return "", eris.New("sf: event WhoId is required")
	}
	id, err := c.InsertOne(ctx, "Event", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create event")
	}
	return id, nil
}
