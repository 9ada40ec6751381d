package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehealth-sync/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(server.URL, 2, 5*time.Second)
}

func TestGetManyPaging(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/employees", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("page") {
		case "1":
			w.Write([]byte(`{
				"data": [{"id": "e1", "status": "APPROVED"}, {"id": "e2", "status": "APPROVED"}],
				"paging": {"page_number": 1, "total_pages": 2}
			}`))
		case "2":
			w.Write([]byte(`{
				"data": [{"id": "e3", "status": "DISMISSED"}],
				"paging": {"page_number": 2, "total_pages": 2}
			}`))
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})

	page1, err := client.GetMany(context.Background(), "tok-1", types.EntityEmployee, Filters{}, 1)
	require.NoError(t, err)
	assert.Len(t, page1.Data, 2)
	assert.False(t, page1.IsLast)
	assert.Equal(t, "e1", page1.Data[0].ID)
	assert.NotEmpty(t, page1.Data[0].Raw, "raw payload must be retained")

	page2, err := client.GetMany(context.Background(), "tok-1", types.EntityEmployee, Filters{}, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Data, 1)
	assert.True(t, page2.IsLast)
}

func TestGetManyFilters(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1234567890", q.Get("tax_id"))
		assert.Equal(t, "APPROVED", q.Get("status"))
		assert.Equal(t, "DOCTOR", q.Get("employee_type"))
		assert.Equal(t, "div-1", q.Get("division_id"))

		w.Write([]byte(`{"data": [], "paging": {"page_number": 1, "total_pages": 1}}`))
	})

	page, err := client.GetMany(context.Background(), "tok", types.EntityEmployeeRequest, Filters{
		TaxID:        "1234567890",
		Status:       "APPROVED",
		EmployeeType: "DOCTOR",
		DivisionID:   "div-1",
	}, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.True(t, page.IsLast)
}

func TestGetDetails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/divisions/div-1", r.URL.Path)
		w.Write([]byte(`{"data": {"id": "div-1", "name": "Therapy", "type": "CLINIC", "status": "ACTIVE"}}`))
	})

	record, err := client.GetDetails(context.Background(), "tok", types.EntityDivision, "div-1")
	require.NoError(t, err)
	assert.Equal(t, "div-1", record.ID)
	assert.Equal(t, "Therapy", record.Name)
	assert.Equal(t, "CLINIC", record.Type)
}

func TestValidationErrorMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{
			"error": {
				"type": "validation_failed",
				"message": "Validation failed",
				"invalid": [
					{"entry": "$.position", "rules": [{"description": "is invalid"}]},
					{"entry": "$.tax_id", "rules": [{"description": "has wrong format"}, {"description": "is required"}]}
				]
			}
		}`))
	})

	_, err := client.GetMany(context.Background(), "tok", types.EntityEmployee, Filters{}, 1)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "Validation failed", verr.Message)
	assert.Equal(t, []string{"is invalid"}, verr.Details["$.position"])
	assert.Len(t, verr.Details["$.tax_id"], 2)
}

func TestResponseErrorMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"message": "registry exploded"}}`))
	})

	_, err := client.GetMany(context.Background(), "tok", types.EntityEmployee, Filters{}, 1)
	require.Error(t, err)

	var rerr *ResponseError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusInternalServerError, rerr.Status)
	assert.Equal(t, "registry exploded", rerr.Message)
}

func TestConnectionErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse all connections

	client := NewHTTPClient(server.URL, 10, time.Second)

	_, err := client.GetMany(context.Background(), "tok", types.EntityEmployee, Filters{}, 1)
	require.Error(t, err)

	var cerr *ConnectionError
	assert.True(t, errors.As(err, &cerr))
}
