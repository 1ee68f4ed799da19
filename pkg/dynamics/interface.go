package dynamics

import (
	"context"
	"encoding/json"
)

// ServiceClient defines the interface for Dynamics 365 Web API operations
type ServiceClient interface {
	// Get reads an entity set, or one entity when id is not empty
	Get(ctx context.Context, resource, id string, opts ...CallOption) (json.RawMessage, error)

	// Create posts a new entity to the entity set
	Create(ctx context.Context, resource string, payload interface{}, opts ...CallOption) (json.RawMessage, error)

	// Update patches an existing entity
	Update(ctx context.Context, resource, id string, payload interface{}, opts ...CallOption) (json.RawMessage, error)

	// Delete removes an entity
	Delete(ctx context.Context, resource, id string, opts ...CallOption) (json.RawMessage, error)

	// List reads an entity set with OData query options
	List(ctx context.Context, resource string, query Query, opts ...CallOption) ([]json.RawMessage, error)

	// GetEach fetches several entities by id
	GetEach(ctx context.Context, resource string, ids []string, opts ...CallOption) ([]json.RawMessage, error)

	// AuthURL returns the interactive consent URL
	AuthURL(state string) (string, error)
}

var _ ServiceClient = (*Client)(nil)
