package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// BodyField is the field reported when the request body itself is malformed
const BodyField = "body"

// ParseJSON decodes a single JSON object from the request body into dest.
// Unknown fields and trailing data are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid JSON: unexpected data after the request object")
	}
	return nil
}

// ParseJSONOrError decodes like ParseJSON and answers 400 on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteFieldError(w, http.StatusBadRequest, BodyField, err.Error())
		return false
	}
	return true
}

// ParsePathInt64 reads a positive row ID from the route variables
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	raw, ok := mux.Vars(r)[key]
	if !ok || raw == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return id, nil
}

// ParsePathInt64OrError reads a row ID and answers 400 naming key on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	id, err := ParsePathInt64(r, key)
	if err != nil {
		WriteFieldError(w, http.StatusBadRequest, key, err.Error())
		return 0, false
	}
	return id, true
}

// ParseQueryInt reads an integer query parameter, defaulting when absent
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	return parseQuery(r, key, defaultVal, "an integer", strconv.Atoi)
}

// ParseQueryBool reads a boolean query parameter, defaulting when absent
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	return parseQuery(r, key, defaultVal, "a boolean", strconv.ParseBool)
}

func parseQuery[T any](r *http.Request, key string, defaultVal T, kind string, parse func(string) (T, error)) (T, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal, nil
	}
	val, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("query parameter %s must be %s, got %q", key, kind, raw)
	}
	return val, nil
}
