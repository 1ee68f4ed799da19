package http

import (
	"fmt"
	"net/url"
	"strings"
)

// JoinURL appends path elements to baseURL, collapsing the slashes at each
// boundary so "https://x/" + "api" and "https://x" + "/api" agree. Elements
// are used as-is; OData key syntax such as accounts(guid) is not escaped.
func JoinURL(baseURL string, elems ...string) (string, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("error parsing base URL: %w", err)
	}
	if !parsedURL.IsAbs() || parsedURL.Host == "" {
		return "", fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	joined := strings.TrimRight(baseURL, "/")
	for _, elem := range elems {
		elem = strings.Trim(elem, "/")
		if elem == "" {
			continue
		}
		joined += "/" + elem
	}

	if _, err := url.Parse(joined); err != nil {
		return "", fmt.Errorf("error building URL: %w", err)
	}
	return joined, nil
}

// WithQuery encodes queryParams onto rawURL, keeping any existing query.
func WithQuery(rawURL string, queryParams map[string]string) (string, error) {
	if len(queryParams) == 0 {
		return rawURL, nil
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("error parsing URL: %w", err)
	}

	q := parsedURL.Query()
	for key, value := range queryParams {
		q.Set(key, value)
	}
	parsedURL.RawQuery = q.Encode()

	return parsedURL.String(), nil
}
