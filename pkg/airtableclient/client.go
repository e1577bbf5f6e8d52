// Package airtableclient adapts github.com/brianloveswords/airtable (the
// library the teacher's cmd_airtable.go drives directly) to
// engine.AirtableClient. The sync engine's schema is discovered at
// runtime rather than described by static per-table Go structs the way
// airtabledb does it, so records here carry their fields as a generic
// map and the CRUD calls loop one record at a time, the same shape
// cmd_airtable.go's own create/update/delete loops use.
package airtableclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/brianloveswords/airtable"
	"github.com/pkg/errors"

	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/ratelimit"
)

// Client wraps one authenticated airtable.Client per request, since the
// token is looked up fresh per spec.md section 5 rather than cached on
// this struct.
type Client struct {
	HTTPClient *http.Client
	// TokenFor resolves the bearer token to use for base. Set by the
	// caller (spec.md section 5: the engine asks TokenProvider for a
	// token at the start of every run, this closure is how that token
	// reaches the airtable.Client the adapter builds per-call).
	TokenFor func(ctx context.Context) (string, error)
}

// New builds a Client. tokenFor is called on every request so a
// refreshed token is always picked up.
func New(tokenFor func(ctx context.Context) (string, error)) *Client {
	return &Client{
		HTTPClient: http.DefaultClient,
		TokenFor:   tokenFor,
	}
}

var _ engine.AirtableClient = (*Client)(nil)

// record is the wire shape every table's rows are read/written as: the
// library's embedded Record carries id/createdTime, Fields is left
// generic because the field set varies per SyncConfig.
type record struct {
	airtable.Record
	Fields map[string]interface{} `json:"fields"`
}

func (c *Client) table(ctx context.Context, base, tableName string) (airtable.Table, error) {
	token, err := c.token(ctx)
	if err != nil {
		return airtable.Table{}, err
	}
	at := airtable.Client{
		APIKey:  token,
		BaseID:  base,
		Limiter: airtable.RateLimiter(5),
	}
	return at.Table(tableName), nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.TokenFor == nil {
		return "", errors.New("airtableclient: no TokenFor configured")
	}
	return c.TokenFor(ctx)
}

// ListRecords returns every record in table, honoring opts.View and
// opts.FilterFormula. The underlying library paginates internally.
func (c *Client) ListRecords(ctx context.Context, base, table string, opts engine.ListOptions) ([]model.AirtableRecord, error) {
	t, err := c.table(ctx, base, table)
	if err != nil {
		return nil, err
	}

	var records []record
	listOpts := &airtable.Options{
		View:            opts.View,
		FilterByFormula: opts.FilterFormula,
		MaxRecords:      opts.MaxRecords,
	}
	if err := t.List(&records, listOpts); err != nil {
		return nil, wrapProviderError(err)
	}

	out := make([]model.AirtableRecord, 0, len(records))
	for _, r := range records {
		created, _ := time.Parse(time.RFC3339, r.CreatedTime)
		out = append(out, model.AirtableRecord{ID: r.AirtableID, CreatedTime: created, Fields: r.Fields})
	}
	return out, nil
}

// airtableSchemaResponse mirrors Airtable's metadata API
// (api.airtable.com/v0/meta/bases/{base}/tables), which postdates the
// brianloveswords/airtable client the teacher vendored; no example repo
// in the retrieval pack offers a schema client either, so this one
// endpoint is a direct net/http call (see DESIGN.md).
type airtableSchemaResponse struct {
	Tables []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		PrimaryFieldID string `json:"primaryFieldId"`
		Fields         []struct {
			ID      string                 `json:"id"`
			Name    string                 `json:"name"`
			Type    string                 `json:"type"`
			Options map[string]interface{} `json:"options"`
		} `json:"fields"`
	} `json:"tables"`
}

// GetBaseSchema fetches every table's schema for base.
func (c *Client) GetBaseSchema(ctx context.Context, base string) ([]model.Table, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://api.airtable.com/v0/meta/bases/%s/tables", base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build schema request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch base schema")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ratelimit.NewProviderError(resp.StatusCode, fmt.Errorf("airtable metadata: unexpected status %d", resp.StatusCode))
	}

	var parsed airtableSchemaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "decode base schema")
	}

	out := make([]model.Table, 0, len(parsed.Tables))
	for _, t := range parsed.Tables {
		fields := make([]model.Field, 0, len(t.Fields))
		for _, f := range t.Fields {
			field := model.Field{ID: f.ID, Name: f.Name, Type: model.FieldType(f.Type)}
			if choices, ok := f.Options["choices"].([]interface{}); ok {
				for _, ch := range choices {
					if m, ok := ch.(map[string]interface{}); ok {
						if name, ok := m["name"].(string); ok {
							field.Choices = append(field.Choices, name)
						}
					}
				}
			}
			if linked, ok := f.Options["linkedTableId"].(string); ok {
				field.LinkedTableID = linked
			}
			fields = append(fields, field)
		}
		out = append(out, model.Table{ID: t.ID, Name: t.Name, PrimaryFieldID: t.PrimaryFieldID, Fields: fields})
	}
	return out, nil
}

// CreateRecords creates one record per entry in fields, the same
// one-at-a-time loop cmd_airtable.go's airtableSync uses for
// unmatched.Tables[tableKind].
func (c *Client) CreateRecords(ctx context.Context, base, tableName string, fields []map[string]interface{}) ([]model.AirtableRecord, error) {
	t, err := c.table(ctx, base, tableName)
	if err != nil {
		return nil, err
	}

	out := make([]model.AirtableRecord, 0, len(fields))
	for _, fs := range fields {
		r := &record{Fields: fs}
		if err := t.Create(r); err != nil {
			return nil, wrapProviderError(err)
		}
		created, _ := time.Parse(time.RFC3339, r.CreatedTime)
		out = append(out, model.AirtableRecord{ID: r.AirtableID, CreatedTime: created, Fields: r.Fields})
	}
	return out, nil
}

// UpdateRecords updates each record in records by id.
func (c *Client) UpdateRecords(ctx context.Context, base, tableName string, records []model.AirtableRecord) error {
	t, err := c.table(ctx, base, tableName)
	if err != nil {
		return err
	}
	for _, rec := range records {
		r := &record{Record: airtable.Record{AirtableID: rec.ID}, Fields: rec.Fields}
		if err := t.Update(r); err != nil {
			return wrapProviderError(err)
		}
	}
	return nil
}

// DeleteRecords deletes every id in ids.
func (c *Client) DeleteRecords(ctx context.Context, base, tableName string, ids []string) error {
	t, err := c.table(ctx, base, tableName)
	if err != nil {
		return err
	}
	for _, id := range ids {
		r := &record{Record: airtable.Record{AirtableID: id}}
		if err := t.Delete(r); err != nil {
			return wrapProviderError(err)
		}
	}
	return nil
}

// wrapProviderError passes airtable library errors through unchanged:
// ratelimit.Invoker falls back to matching "rate limit"/"quota"/"invalid"
// substrings in err.Error() when a provider error doesn't carry a typed
// HTTP status, which is the case for this library's error values.
func wrapProviderError(err error) error {
	return err
}
