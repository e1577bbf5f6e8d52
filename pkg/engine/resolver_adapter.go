package engine

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/resolver"
)

// airtableLinkedTableFetcher adapts AirtableClient to resolver.TableFetcher,
// reducing each record to its id and primary-field display value (the
// shape LinkedRecordResolver needs, per spec.md section 4.2).
type airtableLinkedTableFetcher struct {
	client AirtableClient
	cfg    model.SyncConfig
}

func (f airtableLinkedTableFetcher) FetchLinkedTable(ctx context.Context, baseID, tableID string) ([]resolver.LinkedRecord, error) {
	primaryFieldName, err := primaryFieldName(ctx, f.client, baseID, tableID)
	if err != nil {
		return nil, err
	}

	records, err := f.client.ListRecords(ctx, baseID, tableID, ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "list records for linked table %s", tableID)
	}

	out := make([]resolver.LinkedRecord, 0, len(records))
	for _, r := range records {
		value := ""
		if primaryFieldName != "" {
			if v, ok := r.Fields[primaryFieldName]; ok {
				value = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, resolver.LinkedRecord{ID: r.ID, PrimaryValue: value})
	}
	return out, nil
}

// airtableRecordCreator adapts AirtableClient to resolver.RecordCreator,
// used when CreateMissingLinkedRecords is set.
type airtableRecordCreator struct {
	client AirtableClient
}

func (c airtableRecordCreator) CreateLinkedRecord(ctx context.Context, baseID, tableID, primaryValue string) (string, error) {
	fieldName, err := primaryFieldName(ctx, c.client, baseID, tableID)
	if err != nil {
		return "", err
	}
	if fieldName == "" {
		return "", errors.New("linked table has no discoverable primary field")
	}

	created, err := c.client.CreateRecords(ctx, baseID, tableID, []map[string]interface{}{
		{fieldName: primaryValue},
	})
	if err != nil {
		return "", errors.Wrapf(err, "create linked record in table %s", tableID)
	}
	if len(created) == 0 {
		return "", errors.New("create returned no record")
	}
	return created[0].ID, nil
}

func primaryFieldName(ctx context.Context, client AirtableClient, baseID, tableID string) (string, error) {
	tables, err := client.GetBaseSchema(ctx, baseID)
	if err != nil {
		return "", errors.Wrapf(err, "get base schema for %s", baseID)
	}
	for _, t := range tables {
		if t.ID != tableID {
			continue
		}
		if field, ok := t.FieldByID(t.PrimaryFieldID); ok {
			return field.Name, nil
		}
		return "", nil
	}
	return "", nil
}
