package airtableclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"moul.io/basesync/pkg/ratelimit"
)

func TestGetBaseSchema_ParsesFieldsChoicesAndLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/meta/bases/appXYZ/tables", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		resp := map[string]interface{}{
			"tables": []map[string]interface{}{
				{
					"id":             "tblOne",
					"name":           "Tasks",
					"primaryFieldId": "fldName",
					"fields": []map[string]interface{}{
						{
							"id":   "fldName",
							"name": "Name",
							"type": "singleLineText",
						},
						{
							"id":   "fldStatus",
							"name": "Status",
							"type": "singleSelect",
							"options": map[string]interface{}{
								"choices": []map[string]interface{}{
									{"name": "Todo"},
									{"name": "Done"},
								},
							},
						},
						{
							"id":   "fldProject",
							"name": "Project",
							"type": "multipleRecordLinks",
							"options": map[string]interface{}{
								"linkedTableId": "tblProjects",
							},
						},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := New(func(ctx context.Context) (string, error) { return "test-token", nil })
	// GetBaseSchema hardcodes api.airtable.com; rewrite the request's host
	// via a RoundTripper so the httptest.Server actually receives it.
	c.HTTPClient = &http.Client{Transport: rewriteHostTransport{target: srv.URL}}

	tables, err := c.GetBaseSchema(context.Background(), "appXYZ")
	require.NoError(t, err)
	require.Len(t, tables, 1)

	tbl := tables[0]
	require.Equal(t, "tblOne", tbl.ID)
	require.Equal(t, "Tasks", tbl.Name)
	require.Equal(t, "fldName", tbl.PrimaryFieldID)
	require.Len(t, tbl.Fields, 3)

	status := tbl.Fields[1]
	require.Equal(t, "Status", status.Name)
	require.ElementsMatch(t, []string{"Todo", "Done"}, status.Choices)

	project := tbl.Fields[2]
	require.Equal(t, "tblProjects", project.LinkedTableID)
}

func TestGetBaseSchema_NonOKStatusBecomesProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(func(ctx context.Context) (string, error) { return "tok", nil })
	c.HTTPClient = &http.Client{Transport: rewriteHostTransport{target: srv.URL}}

	_, err := c.GetBaseSchema(context.Background(), "appXYZ")
	require.Error(t, err)
	pe, ok := err.(*ratelimit.ProviderError)
	require.True(t, ok, "expected *ratelimit.ProviderError, got %T", err)
	require.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}

func TestGetBaseSchema_MissingTokenFor(t *testing.T) {
	c := New(nil)
	_, err := c.GetBaseSchema(context.Background(), "appXYZ")
	require.Error(t, err)
}

func TestWrapProviderError_PassesThroughUnchanged(t *testing.T) {
	cause := &url.Error{Op: "Get", URL: "https://api.airtable.com/v0/", Err: context.DeadlineExceeded}
	require.Same(t, cause, wrapProviderError(cause))
}

// rewriteHostTransport redirects every request to target's host, keeping
// the original path/query, so code with a hardcoded absolute URL can still
// be pointed at an httptest.Server.
type rewriteHostTransport struct {
	target string
}

func (t rewriteHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	targetURL, err := url.Parse(t.target)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = targetURL.Scheme
	req.URL.Host = targetURL.Host
	return http.DefaultTransport.RoundTrip(req)
}
