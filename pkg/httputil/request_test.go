package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"name": "test"}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
		{name: "empty body", body: ``, expectError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))
			var dest map[string]string
			err := ParseJSON(req, &dest)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, "test", dest["name"])
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(`{`))
	var dest map[string]string
	assert.False(t, ParseJSONOrError(w, req, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/billing/services/rpc", nil), map[string]string{"serviceType": "rpc"})
	val, err := ParsePathString(req, "serviceType")
	assert.NoError(t, err)
	assert.Equal(t, "rpc", val)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, req, "tier")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing path parameter: tier")
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/billing/invoices?limit=25&bad=x", nil)

	val, err := ParseQueryInt(req, "limit", 50)
	assert.NoError(t, err)
	assert.Equal(t, 25, val)

	val, err = ParseQueryInt(req, "missing", 50)
	assert.NoError(t, err)
	assert.Equal(t, 50, val)

	_, err = ParseQueryInt(req, "bad", 50)
	assert.Error(t, err)
}

func TestRequireHelpers(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequirePositive(w, 1, "amount_cents"))
	assert.False(t, RequirePositive(w, 0, "amount_cents"))
	assert.Contains(t, w.Body.String(), "amount_cents must be positive")

	w = httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(w, "pro", "tier"))
	assert.False(t, RequireNonEmpty(w, "", "tier"))
	assert.Contains(t, w.Body.String(), "tier is required")
}
