package dynamics_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/natserract/d365/pkg/dynamics"
	httpclient "github.com/natserract/d365/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockAuthenticator records every credential exchange.
type MockAuthenticator struct {
	mu        sync.Mutex
	token     string
	err       error
	calls     int
	emails    []string
	passwords []string
}

func (m *MockAuthenticator) AuthenticateEmailPassword(_ context.Context, email, password string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.emails = append(m.emails, email)
	m.passwords = append(m.passwords, password)
	return m.token, m.err
}

func (m *MockAuthenticator) GenerateAuthURL(state string) string {
	return "https://login.example.com/authorize?state=" + state
}

func (m *MockAuthenticator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordedRequest captures what the fake Web API saw.
type recordedRequest struct {
	Method        string
	Path          string
	Query         string
	Authorization string
	Headers       http.Header
	Body          string
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			Headers:       r.Header.Clone(),
			Body:          string(b),
		})
		status, body := f.status, f.body
		f.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeAPI) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newStaticClient(t *testing.T, api *fakeAPI, opts ...dynamics.Option) (*dynamics.Client, *MockAuthenticator) {
	t.Helper()

	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	auth := &MockAuthenticator{token: "should-not-be-used"}
	cfg := &dynamics.Config{
		EnvironmentURL:      server.URL + "/",
		AccessToken:         "static-token",
		DisableTokenRefresh: true,
	}
	opts = append([]dynamics.Option{
		dynamics.WithLogger(zaptest.NewLogger(t)),
		dynamics.WithAuthenticator(auth),
	}, opts...)

	client, err := dynamics.NewClient(cfg, opts...)
	require.NoError(t, err)
	return client, auth
}

func newRefreshingClient(t *testing.T, api *fakeAPI, auth *MockAuthenticator) *dynamics.Client {
	t.Helper()

	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	cfg := &dynamics.Config{
		EnvironmentURL: server.URL,
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		TenantID:       "tenant-id",
		Email:          "user@contoso.com",
		Password:       "hunter2",
	}
	client, err := dynamics.NewClient(cfg,
		dynamics.WithLogger(zaptest.NewLogger(t)),
		dynamics.WithAuthenticator(auth))
	require.NoError(t, err)
	return client
}

//nolint:funlen // Test functions can be longer for comprehensive testing
func TestClient_CRUD(t *testing.T) {
	t.Parallel()

	t.Run("get collection", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{body: `{"@odata.context":"x","value":[{"name":"a"}]}`}
		client, _ := newStaticClient(t, api)

		got, err := client.Get(context.Background(), "accounts", "")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"name":"a"}]`, string(got))

		reqs := api.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodGet, reqs[0].Method)
		assert.Equal(t, "/api/data/v9.0/accounts", reqs[0].Path)
		assert.Empty(t, reqs[0].Body)
	})

	t.Run("get by id", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{body: `{"accountid":"42","name":"contoso"}`}
		client, _ := newStaticClient(t, api)

		got, err := client.Get(context.Background(), "accounts", "42")
		require.NoError(t, err)
		assert.JSONEq(t, `{"accountid":"42","name":"contoso"}`, string(got))

		reqs := api.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "/api/data/v9.0/accounts(42)", reqs[0].Path)
	})

	t.Run("create posts payload", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{status: http.StatusNoContent}
		client, _ := newStaticClient(t, api)

		got, err := client.Create(context.Background(), "contacts", map[string]string{"firstname": "Ada"})
		require.NoError(t, err)
		assert.JSONEq(t, string(dynamics.SuccessPlaceholder), string(got))

		reqs := api.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPost, reqs[0].Method)
		assert.Equal(t, "/api/data/v9.0/contacts", reqs[0].Path)
		assert.JSONEq(t, `{"firstname":"Ada"}`, reqs[0].Body)
		assert.Equal(t, "application/json", reqs[0].Headers.Get("Content-Type"))
	})

	t.Run("update patches entity", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{status: http.StatusNoContent}
		client, _ := newStaticClient(t, api)

		_, err := client.Update(context.Background(), "contacts", "7", json.RawMessage(`{"lastname":"Lovelace"}`))
		require.NoError(t, err)

		reqs := api.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodPatch, reqs[0].Method)
		assert.Equal(t, "/api/data/v9.0/contacts(7)", reqs[0].Path)
		assert.JSONEq(t, `{"lastname":"Lovelace"}`, reqs[0].Body)
	})

	t.Run("delete has no body", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{status: http.StatusNoContent}
		client, _ := newStaticClient(t, api)

		got, err := client.Delete(context.Background(), "contacts", "7")
		require.NoError(t, err)
		assert.JSONEq(t, `{"value":"request successful"}`, string(got))

		reqs := api.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, http.MethodDelete, reqs[0].Method)
		assert.Equal(t, "/api/data/v9.0/contacts(7)", reqs[0].Path)
		assert.Empty(t, reqs[0].Body)
		assert.Empty(t, reqs[0].Headers.Get("Content-Type"))
	})

	t.Run("body without value is returned whole", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{body: `{"foo":"bar"}`}
		client, _ := newStaticClient(t, api)

		got, err := client.Get(context.Background(), "WhoAmI", "")
		require.NoError(t, err)
		assert.JSONEq(t, `{"foo":"bar"}`, string(got))
	})

	t.Run("non json body yields placeholder", func(t *testing.T) {
		t.Parallel()

		api := &fakeAPI{status: http.StatusCreated, body: "created"}
		client, _ := newStaticClient(t, api)

		got, err := client.Create(context.Background(), "accounts", map[string]string{"name": "x"})
		require.NoError(t, err)
		assert.Equal(t, string(dynamics.SuccessPlaceholder), string(got))
	})
}

func TestClient_StatusErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError} {
		status := status
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()

			api := &fakeAPI{status: status, body: `{"error":{"code":"0x80040217","message":"boom"}}`}
			client, _ := newStaticClient(t, api)

			_, err := client.Get(context.Background(), "accounts", "1")
			require.Error(t, err)
			assert.Equal(t, status, httpclient.StatusCode(err))

			var statusErr *httpclient.StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Contains(t, string(statusErr.Body), "boom")
			assert.Len(t, api.Requests(), 1)
		})
	}
}

func TestClient_StaticToken(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	client, auth := newStaticClient(t, api)

	_, err := client.Get(context.Background(), "accounts", "")
	require.NoError(t, err)
	_, err = client.Delete(context.Background(), "accounts", "1")
	require.NoError(t, err)

	assert.Equal(t, 0, auth.Calls())
	for _, req := range api.Requests() {
		assert.Equal(t, "static-token", req.Authorization)
	}
}

func TestClient_StaticTokenIgnoresAuthenticator(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	client, auth := newStaticClient(t, api)

	_, err := client.AuthURL("xyz")
	assert.ErrorIs(t, err, dynamics.ErrNoAuthURL)

	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)
	cached, err := dynamics.NewClient(&dynamics.Config{
		EnvironmentURL:      server.URL,
		AccessToken:         "static-token",
		DisableTokenRefresh: true,
		CacheToken:          true,
	}, dynamics.WithAuthenticator(auth))
	require.NoError(t, err)

	_, err = cached.Get(context.Background(), "accounts", "1")
	require.NoError(t, err)
	assert.Equal(t, 0, auth.Calls())
	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "static-token", reqs[0].Authorization)
}

func TestClient_TokenRefreshPerCall(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	auth := &MockAuthenticator{token: "fresh-token"}
	client := newRefreshingClient(t, api, auth)

	for i := 0; i < 3; i++ {
		_, err := client.Get(context.Background(), "accounts", "")
		require.NoError(t, err)
	}

	assert.Equal(t, 3, auth.Calls())
	assert.Equal(t, []string{"user@contoso.com", "user@contoso.com", "user@contoso.com"}, auth.emails)
	assert.Equal(t, []string{"hunter2", "hunter2", "hunter2"}, auth.passwords)
	for _, req := range api.Requests() {
		assert.Equal(t, "fresh-token", req.Authorization)
	}
}

func TestClient_AuthenticationFailure(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	authErr := errors.New("AADSTS50126: invalid username or password")
	auth := &MockAuthenticator{err: authErr}
	client := newRefreshingClient(t, api, auth)

	_, err := client.Get(context.Background(), "accounts", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, authErr)
	assert.Empty(t, api.Requests())
}

func TestClient_AuthScheme(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	for _, token := range []string{"static-token", "Bearer static-token"} {
		client, err := dynamics.NewClient(&dynamics.Config{
			EnvironmentURL:      server.URL,
			AccessToken:         token,
			DisableTokenRefresh: true,
			AuthScheme:          dynamics.DefaultAuthScheme,
		})
		require.NoError(t, err)

		_, err = client.Get(context.Background(), "accounts", "")
		require.NoError(t, err)
	}
}

func TestClient_Headers(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	client, _ := newStaticClient(t, api, dynamics.WithDefaultHeaders(map[string]string{"MSCRM.SolutionUniqueName": "core"}))

	_, err := client.Create(context.Background(), "accounts", map[string]string{"name": "x"},
		dynamics.WithHeader("Prefer", "return=representation"),
		dynamics.WithHeaders(map[string]string{"Authorization": "ignored"}))
	require.NoError(t, err)
	_, err = client.Get(context.Background(), "accounts", "")
	require.NoError(t, err)

	reqs := api.Requests()
	require.Len(t, reqs, 2)
	first, second := reqs[0].Headers, reqs[1].Headers

	assert.Equal(t, "return=representation", first.Get("Prefer"))
	assert.Equal(t, "core", first.Get("MSCRM.SolutionUniqueName"))
	assert.Equal(t, "4.0", first.Get("OData-Version"))
	assert.Equal(t, "4.0", first.Get("OData-MaxVersion"))
	assert.Equal(t, "static-token", first.Get("Authorization"))
	assert.Empty(t, second.Get("Prefer"))
	assert.NotEmpty(t, first.Get("x-ms-client-request-id"))
	assert.NotEqual(t, first.Get("x-ms-client-request-id"), second.Get("x-ms-client-request-id"))
}

func TestClient_InputValidation(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	client, _ := newStaticClient(t, api)
	ctx := context.Background()

	_, err := client.Get(ctx, "", "1")
	assert.ErrorIs(t, err, dynamics.ErrMissingResource)

	_, err = client.Update(ctx, "accounts", "", map[string]string{})
	assert.ErrorIs(t, err, dynamics.ErrMissingID)

	_, err = client.Delete(ctx, "accounts", "")
	assert.ErrorIs(t, err, dynamics.ErrMissingID)

	assert.Empty(t, api.Requests())
}

func TestClient_EnvironmentURLNormalization(t *testing.T) {
	t.Parallel()

	var paths []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	for _, base := range []string{server.URL, server.URL + "/", server.URL + "//"} {
		client, err := dynamics.NewClient(&dynamics.Config{
			EnvironmentURL:      base,
			AccessToken:         "t",
			DisableTokenRefresh: true,
			APIVersion:          "v9.2",
		})
		require.NoError(t, err)
		_, err = client.Get(context.Background(), "accounts", "")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"/api/data/v9.2/accounts",
		"/api/data/v9.2/accounts",
		"/api/data/v9.2/accounts",
	}, paths)
}

func TestClient_List(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{"value":[{"accountid":"1"},{"accountid":"2"}]}`}
	client, _ := newStaticClient(t, api)

	items, err := client.List(context.Background(), "accounts", dynamics.Query{
		Select: []string{"accountid", "name"},
		Filter: "statecode eq 0",
		Top:    2,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"accountid":"2"}`, string(items[1]))

	reqs := api.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Query, "%24select=accountid%2Cname")
	assert.Contains(t, reqs[0].Query, "%24top=2")
}

func TestClient_ListRejectsSingleEntity(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{"accountid":"1"}`}
	client, _ := newStaticClient(t, api)

	_, err := client.List(context.Background(), "accounts", dynamics.Query{})
	assert.Error(t, err)
}

func TestClient_ListFollowsNextLink(t *testing.T) {
	t.Parallel()

	var (
		server *httptest.Server
		mu     sync.Mutex
		seen   []recordedRequest
	)
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, recordedRequest{
			Path:          r.URL.Path,
			Query:         r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			Headers:       r.Header.Clone(),
		})
		mu.Unlock()

		if r.URL.Query().Get("$skiptoken") == "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"value":           []map[string]string{{"accountid": "1"}, {"accountid": "2"}},
				"@odata.nextLink": server.URL + "/api/data/v9.0/accounts?$select=accountid&$skiptoken=page2",
			})
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"accountid":"3"}]}`))
	}))
	t.Cleanup(server.Close)

	client, err := dynamics.NewClient(&dynamics.Config{
		EnvironmentURL:      server.URL,
		AccessToken:         "static-token",
		DisableTokenRefresh: true,
	}, dynamics.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	items, err := client.List(context.Background(), "accounts",
		dynamics.Query{Select: []string{"accountid"}},
		dynamics.WithHeader("Prefer", "odata.maxpagesize=2"))
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.JSONEq(t, `{"accountid":"3"}`, string(items[2]))

	requests := func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), seen...)
	}

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/api/data/v9.0/accounts", reqs[1].Path)
	assert.Contains(t, reqs[1].Query, "skiptoken=page2")
	for _, req := range reqs {
		assert.Equal(t, "static-token", req.Authorization)
		assert.Equal(t, "odata.maxpagesize=2", req.Headers.Get("Prefer"))
	}

	limited, err := client.List(context.Background(), "accounts", dynamics.Query{MaxPages: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Len(t, requests(), 3)
}

func TestClient_ListRejectsForeignNextLink(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{"value":[{"accountid":"1"}],"@odata.nextLink":"https://attacker.example.com/api/data/v9.0/accounts?$skiptoken=2"}`}
	client, _ := newStaticClient(t, api)

	_, err := client.List(context.Background(), "accounts", dynamics.Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside")
	assert.Len(t, api.Requests(), 1)
}

func TestClient_GetEach(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/data/v9.0/accounts("), ")")
		_ = json.NewEncoder(w).Encode(map[string]string{"accountid": id})
	}))
	defer server.Close()

	client, err := dynamics.NewClient(&dynamics.Config{
		EnvironmentURL:      server.URL,
		AccessToken:         "t",
		DisableTokenRefresh: true,
	}, dynamics.WithConcurrency(2))
	require.NoError(t, err)

	ids := []string{"a", "b", "c", "d"}
	got, err := client.GetEach(context.Background(), "accounts", ids)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	for i, id := range ids {
		assert.JSONEq(t, `{"accountid":"`+id+`"}`, string(got[i]))
	}
	assert.Equal(t, int32(4), calls.Load())
}

func TestClient_GetEachFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "(missing)") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client, err := dynamics.NewClient(&dynamics.Config{
		EnvironmentURL:      server.URL,
		AccessToken:         "t",
		DisableTokenRefresh: true,
	})
	require.NoError(t, err)

	_, err = client.GetEach(context.Background(), "accounts", []string{"a", "missing"})
	require.Error(t, err)
	assert.True(t, httpclient.IsNotFound(err))

	_, err = client.GetEach(context.Background(), "accounts", []string{"a", ""})
	assert.ErrorIs(t, err, dynamics.ErrMissingID)
}

func TestClient_AuthURL(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	auth := &MockAuthenticator{}
	client := newRefreshingClient(t, api, auth)

	u, err := client.AuthURL("xyz")
	require.NoError(t, err)
	assert.Equal(t, "https://login.example.com/authorize?state=xyz", u)

	static, err := dynamics.NewClient(&dynamics.Config{
		EnvironmentURL:      "https://contoso.crm.dynamics.com",
		AccessToken:         "t",
		DisableTokenRefresh: true,
	})
	require.NoError(t, err)
	_, err = static.AuthURL("xyz")
	assert.ErrorIs(t, err, dynamics.ErrNoAuthURL)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := dynamics.NewClient(nil)
	assert.ErrorIs(t, err, dynamics.ErrInvalidConfig)

	_, err = dynamics.NewClient(&dynamics.Config{EnvironmentURL: "https://contoso.crm.dynamics.com"})
	assert.ErrorIs(t, err, dynamics.ErrInvalidConfig)
}

func TestClient_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{body: `{}`}
	auth := &MockAuthenticator{token: "tok"}
	client := newRefreshingClient(t, api, auth)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Get(context.Background(), "accounts", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, auth.Calls())
	ids := make([]string, 0, 8)
	for _, req := range api.Requests() {
		ids = append(ids, req.Headers.Get("x-ms-client-request-id"))
	}
	sort.Strings(ids)
	for i := 1; i < len(ids); i++ {
		assert.NotEqual(t, ids[i-1], ids[i])
	}
}
