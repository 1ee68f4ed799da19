package dynamics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingResource = errors.New("resource name is required")
	ErrMissingID       = errors.New("entity id is required")
)

// SuccessPlaceholder is returned when a successful response has no JSON body,
// as with 204 No Content on update and delete.
var SuccessPlaceholder = json.RawMessage(`{"value":"request successful"}`)

// EntityRef names an entity set and, optionally, one entity in it.
type EntityRef struct {
	Resource string
	ID       string
}

// Path renders the OData segment: "accounts" or "accounts(<id>)".
func (r EntityRef) Path() (string, error) {
	resource := strings.Trim(strings.TrimSpace(r.Resource), "/")
	if resource == "" {
		return "", ErrMissingResource
	}
	if r.ID == "" {
		return resource, nil
	}
	return fmt.Sprintf("%s(%s)", resource, r.ID), nil
}

func (r EntityRef) String() string {
	p, err := r.Path()
	if err != nil {
		return "<invalid>"
	}
	return p
}

// Query holds OData system query options for collection reads.
type Query struct {
	Select  []string
	Filter  string
	OrderBy string
	Expand  string
	Top     int

	// MaxPages stops List after that many pages even when the server
	// offers more. Zero follows every @odata.nextLink.
	MaxPages int
}

func (q Query) params() map[string]string {
	params := make(map[string]string)
	if len(q.Select) > 0 {
		params["$select"] = strings.Join(q.Select, ",")
	}
	if q.Filter != "" {
		params["$filter"] = q.Filter
	}
	if q.OrderBy != "" {
		params["$orderby"] = q.OrderBy
	}
	if q.Expand != "" {
		params["$expand"] = q.Expand
	}
	if q.Top > 0 {
		params["$top"] = fmt.Sprint(q.Top)
	}
	return params
}

// unwrapBody applies the envelope convention: the value member of an object
// when present, the whole document otherwise, and SuccessPlaceholder when
// the body is not JSON at all.
func unwrapBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return SuccessPlaceholder
	}

	if trimmed[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			if value, ok := envelope["value"]; ok {
				return value
			}
		}
	}

	return json.RawMessage(trimmed)
}

// parsePage reads one page of a collection response: the value array and
// the @odata.nextLink pointing at the following page, if any. A bare JSON
// array is accepted as a single page.
func parsePage(body []byte) ([]json.RawMessage, string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		items, err := splitCollection(trimmed)
		return items, "", err
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, "", fmt.Errorf("expected a collection: %w", err)
	}
	value, ok := envelope["value"]
	if !ok {
		return nil, "", errors.New("expected a collection: response has no value member")
	}
	items, err := splitCollection(value)
	if err != nil {
		return nil, "", err
	}

	var nextLink string
	if raw, ok := envelope["@odata.nextLink"]; ok {
		if err := json.Unmarshal(raw, &nextLink); err != nil {
			return nil, "", fmt.Errorf("invalid @odata.nextLink: %w", err)
		}
	}
	return items, nextLink, nil
}

// splitCollection turns a JSON array into its elements.
func splitCollection(raw json.RawMessage) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected a collection: %w", err)
	}
	return items, nil
}
