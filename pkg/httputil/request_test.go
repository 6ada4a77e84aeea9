package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noteRequest struct {
	Note string `json:"note"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError string
	}{
		{name: "valid", body: `{"note": "paid at the bar"}`},
		{name: "invalid", body: `{invalid}`, expectError: "invalid JSON"},
		{name: "unknown field", body: `{"note": "x", "amount": 5}`, expectError: "unknown field"},
		{name: "empty", body: ``, expectError: "request body is empty"},
		{name: "trailing data", body: `{"note": "a"} {"note": "b"}`, expectError: "unexpected data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(tt.body))
			var dest noteRequest

			err := ParseJSON(req, &dest)

			if tt.expectError != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "paid at the bar", dest.Note)
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{invalid}`))
	var dest noteRequest

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"body"`)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name      string
		vars      map[string]string
		expected  int64
		expectErr bool
	}{
		{name: "valid", vars: map[string]string{"id": "42"}, expected: 42},
		{name: "missing", vars: map[string]string{}, expectErr: true},
		{name: "not a number", vars: map[string]string{"id": "abc"}, expectErr: true},
		{name: "zero", vars: map[string]string{"id": "0"}, expectErr: true},
		{name: "negative", vars: map[string]string{"id": "-3"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/dues/x", nil), tt.vars)

			got, err := ParsePathInt64(req, "id")

			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParsePathInt64OrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/dues/x", nil), map[string]string{"id": "x"})

	_, ok := ParsePathInt64OrError(w, req, "id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"id"`)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/billing/backfill?workers=8&async=true&bad=yes", nil)

	workers, err := ParseQueryInt(req, "workers", 4)
	require.NoError(t, err)
	assert.Equal(t, 8, workers)

	missing, err := ParseQueryInt(req, "limit", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, missing)

	async, err := ParseQueryBool(req, "async", false)
	require.NoError(t, err)
	assert.True(t, async)

	_, err = ParseQueryBool(req, "bad", false)
	assert.EqualError(t, err, `query parameter bad must be a boolean, got "yes"`)

	_, err = ParseQueryInt(httptest.NewRequest(http.MethodGet, "/?workers=many", nil), "workers", 4)
	assert.Error(t, err)
}
