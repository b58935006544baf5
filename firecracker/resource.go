package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/aledbf/firebox/errdefs"
)

// Fields is the body of a mutating API request. Nil values are pruned
// before encoding so callers can pass optional settings unconditionally.
type Fields map[string]any

// Resource is one endpoint group of the control-plane API. Resources with
// an idField address sub-entities ("/drives/rootfs") by reading the id out
// of the request fields.
type Resource struct {
	client  *Client
	path    string
	idField string
}

// Get reads the resource and returns the decoded JSON document.
func (r *Resource) Get(ctx context.Context) (map[string]any, error) {
	return r.Request(ctx, http.MethodGet, r.path, nil)
}

// Put replaces the resource with the given fields.
func (r *Resource) Put(ctx context.Context, fields Fields) error {
	_, err := r.Request(ctx, http.MethodPut, r.resolvePath(fields), fields)
	return err
}

// Patch updates a subset of the resource's fields.
func (r *Resource) Patch(ctx context.Context, fields Fields) error {
	_, err := r.Request(ctx, http.MethodPatch, r.resolvePath(fields), fields)
	return err
}

func (r *Resource) resolvePath(fields Fields) string {
	if r.idField == "" {
		return r.path
	}
	id, ok := fields[r.idField].(string)
	if !ok || id == "" {
		return r.path
	}
	return r.path + "/" + id
}

// Request issues one API call and decodes the response. A 2xx status with
// an empty body returns a nil document. Hypervisor errors are surfaced as
// "API fault" (the body carries fault_message) or "API error" (a plain
// error field); anything else non-2xx is reported as an unexpected
// response with the raw body.
func (r *Resource) Request(ctx context.Context, method, path string, fields Fields) (map[string]any, error) {
	var body io.Reader
	if fields != nil {
		encoded, err := json.Marshal(pruneNils(fields))
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w: %w", method, err, errdefs.ErrAPI)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w: %w", method, err, errdefs.ErrAPI)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w: %w", method, err, errdefs.ErrAPI)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w: %w", method, err, errdefs.ErrAPI)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(raw) == 0 {
			return nil, nil
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON response: %w: %w", err, errdefs.ErrAPI)
		}
		return doc, nil
	}

	var failure struct {
		FaultMessage string `json:"fault_message"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(raw, &failure); err == nil {
		if failure.FaultMessage != "" {
			return nil, fmt.Errorf("API fault: %s: %w", failure.FaultMessage, errdefs.ErrAPI)
		}
		if failure.Error != "" {
			return nil, fmt.Errorf("API error: %s: %w", failure.Error, errdefs.ErrAPI)
		}
	}
	return nil, fmt.Errorf("unexpected response (%d): %s: %w", resp.StatusCode, string(raw), errdefs.ErrAPI)
}

func pruneNils(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if isNil(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
