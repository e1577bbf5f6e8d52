// Package sheetsclient adapts google.golang.org/api/sheets/v4 (grounded
// in the retrieved bronivik SheetsService and go-sheetkv googlesheets
// adapter) to engine.SheetsClient. Unlike those two references, this
// client is built fresh per call from a bearer token handed out by
// TokenProvider (spec.md section 5: no cached OAuth client survives
// across runs) rather than a long-lived service-account JWT client.
package sheetsclient

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/ratelimit"
)

// Client wraps the Sheets API, resolving a fresh *sheets.Service per
// call from the current access token.
type Client struct {
	TokenFor func(ctx context.Context) (string, error)
	// BaseURL overrides the Sheets API endpoint when set, so tests can
	// point the client at an httptest.Server instead of Google's API.
	BaseURL string
}

// New builds a Client.
func New(tokenFor func(ctx context.Context) (string, error)) *Client {
	return &Client{TokenFor: tokenFor}
}

var _ engine.SheetsClient = (*Client)(nil)

func (c *Client) service(ctx context.Context) (*sheets.Service, error) {
	if c.TokenFor == nil {
		return nil, errors.New("sheetsclient: no TokenFor configured")
	}
	token, err := c.TokenFor(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "resolve sheets access token")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(c.BaseURL))
	}
	return sheets.NewService(ctx, opts...)
}

func qualify(sheetName, rangeA1 string) string {
	if sheetName == "" {
		return rangeA1
	}
	for _, c := range rangeA1 {
		if c == '!' {
			return rangeA1
		}
	}
	return sheetName + "!" + rangeA1
}

// GetSheetData reads rangeA1 and converts each row to a model.SheetRow.
func (c *Client) GetSheetData(ctx context.Context, spreadsheet, sheet, rangeA1 string) ([]model.SheetRow, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := svc.Spreadsheets.Values.Get(spreadsheet, qualify(sheet, rangeA1)).Context(ctx).Do()
	if err != nil {
		return nil, wrapProviderError(err)
	}
	out := make([]model.SheetRow, len(resp.Values))
	for i, row := range resp.Values {
		out[i] = model.SheetRow(row)
	}
	return out, nil
}

// UpdateSheetData writes values into rangeA1, RAW (no Sheets-side
// formula/number parsing, matching bronivik's ValueInputOption("RAW")).
func (c *Client) UpdateSheetData(ctx context.Context, spreadsheet, sheet, rangeA1 string, values []model.SheetRow) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	vr := &sheets.ValueRange{Values: toCells(values)}
	_, err = svc.Spreadsheets.Values.Update(spreadsheet, qualify(sheet, rangeA1), vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return wrapProviderError(err)
	}
	return nil
}

// AppendRows appends values after the sheet's last row.
func (c *Client) AppendRows(ctx context.Context, spreadsheet, sheet string, values []model.SheetRow) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	vr := &sheets.ValueRange{Values: toCells(values)}
	rangeA1 := sheet
	if rangeA1 == "" {
		rangeA1 = "A:A"
	} else {
		rangeA1 = sheet + "!A:A"
	}
	_, err = svc.Spreadsheets.Values.Append(spreadsheet, rangeA1, vr).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return wrapProviderError(err)
	}
	return nil
}

// DeleteRows removes count rows starting at the 0-based startRow on the
// tab identified by sheetNumericID, via a DeleteDimension batch request
// (a plain Values.Clear would leave the rows below unshifted).
func (c *Client) DeleteRows(ctx context.Context, spreadsheet string, sheetNumericID int64, startRow, count int) error {
	if count <= 0 {
		return nil
	}
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				DeleteDimension: &sheets.DeleteDimensionRequest{
					Range: &sheets.DimensionRange{
						SheetId:    sheetNumericID,
						Dimension:  "ROWS",
						StartIndex: int64(startRow),
						EndIndex:   int64(startRow + count),
					},
				},
			},
		},
	}
	_, err = svc.Spreadsheets.BatchUpdate(spreadsheet, req).Context(ctx).Do()
	if err != nil {
		return wrapProviderError(err)
	}
	return nil
}

// EnsureColumnsExist grows the tab's grid to at least minColumns columns
// if it is currently narrower.
func (c *Client) EnsureColumnsExist(ctx context.Context, spreadsheet string, sheetNumericID int64, minColumns int) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	ss, err := svc.Spreadsheets.Get(spreadsheet).Context(ctx).Do()
	if err != nil {
		return wrapProviderError(err)
	}
	var current int64
	for _, sh := range ss.Sheets {
		if sh.Properties.SheetId == sheetNumericID {
			if sh.Properties.GridProperties != nil {
				current = sh.Properties.GridProperties.ColumnCount
			}
		}
	}
	if int(current) >= minColumns {
		return nil
	}
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AppendDimension: &sheets.AppendDimensionRequest{
					SheetId:   sheetNumericID,
					Dimension: "COLUMNS",
					Length:    int64(minColumns) - current,
				},
			},
		},
	}
	_, err = svc.Spreadsheets.BatchUpdate(spreadsheet, req).Context(ctx).Do()
	if err != nil {
		return wrapProviderError(err)
	}
	return nil
}

// HideColumn hides the id column from end users (spec.md section 4.5:
// the id column is internal bookkeeping, not part of the user's sheet).
func (c *Client) HideColumn(ctx context.Context, spreadsheet string, sheetNumericID int64, columnIndex int) error {
	svc, err := c.service(ctx)
	if err != nil {
		return err
	}
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				UpdateDimensionProperties: &sheets.UpdateDimensionPropertiesRequest{
					Range: &sheets.DimensionRange{
						SheetId:    sheetNumericID,
						Dimension:  "COLUMNS",
						StartIndex: int64(columnIndex),
						EndIndex:   int64(columnIndex + 1),
					},
					Properties: &sheets.DimensionProperties{HiddenByUser: true},
					Fields:     "hiddenByUser",
				},
			},
		},
	}
	_, err = svc.Spreadsheets.BatchUpdate(spreadsheet, req).Context(ctx).Do()
	if err != nil {
		return wrapProviderError(err)
	}
	return nil
}

func toCells(rows []model.SheetRow) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		out[i] = []interface{}(r)
	}
	return out
}

// wrapProviderError surfaces the Sheets API's HTTP status so
// ratelimit.Invoker can classify 429s without string-matching.
func wrapProviderError(err error) error {
	if gerr, ok := err.(*googleapi.Error); ok {
		return ratelimit.NewProviderError(gerr.Code, gerr)
	}
	return err
}
