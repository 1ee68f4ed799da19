package dynamics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	httpclient "github.com/natserract/d365/pkg/http"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// List reads an entity set with OData query options and returns one document
// per entity. Server-driven paging is followed through @odata.nextLink until
// the last page or until query.MaxPages pages have been read.
func (c *Client) List(ctx context.Context, resource string, query Query, opts ...CallOption) ([]json.RawMessage, error) {
	ref := EntityRef{Resource: resource}
	body, err := c.dispatchRaw(ctx, httpclient.MethodGet, ref, query.params(), nil, opts)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	pages := 0
	for {
		page, nextLink, err := parsePage(body)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", resource, err)
		}
		items = append(items, page...)
		pages++

		c.logger.Debug("Read collection page",
			zap.String("resource", resource),
			zap.Int("page", pages),
			zap.Int("count", len(page)))

		if nextLink == "" {
			break
		}
		if query.MaxPages > 0 && pages >= query.MaxPages {
			c.logger.Warn("Stopped listing at page limit",
				zap.String("resource", resource),
				zap.Int("max_pages", query.MaxPages),
				zap.Int("count", len(items)))
			break
		}
		if err := c.checkNextLink(nextLink); err != nil {
			return nil, fmt.Errorf("list %s: %w", resource, err)
		}

		body, err = c.send(ctx, httpclient.MethodGet, resource, ref.String(), nextLink, nil, opts)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Info("Listed entities",
		zap.String("resource", resource),
		zap.Int("pages", pages),
		zap.Int("count", len(items)))

	return items, nil
}

// checkNextLink accepts only absolute links on the environment's host, so
// the access token is never sent elsewhere.
func (c *Client) checkNextLink(link string) error {
	next, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("invalid @odata.nextLink: %w", err)
	}
	env, err := url.Parse(c.config.EnvironmentURL)
	if err != nil {
		return fmt.Errorf("invalid environment URL: %w", err)
	}
	if !next.IsAbs() || next.Scheme != env.Scheme || next.Host != env.Host {
		return fmt.Errorf("@odata.nextLink %q is outside %s://%s", link, env.Scheme, env.Host)
	}
	return nil
}

// GetEach fetches the entities named by ids concurrently. Results are in the
// same order as ids; the first failure cancels the remaining requests.
func (c *Client) GetEach(ctx context.Context, resource string, ids []string, opts ...CallOption) ([]json.RawMessage, error) {
	for _, id := range ids {
		if id == "" {
			return nil, ErrMissingID
		}
	}

	results := make([]json.RawMessage, len(ids))
	p := pool.New().
		WithMaxGoroutines(c.concurrency).
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()

	for idx, id := range ids {
		i, id := idx, id
		p.Go(func(ctx context.Context) error {
			raw, err := c.Get(ctx, resource, id, opts...)
			if err != nil {
				c.logger.Warn("Failed to fetch entity",
					zap.String("resource", resource),
					zap.String("id", id),
					zap.Error(err))
				return err
			}
			results[i] = raw
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
