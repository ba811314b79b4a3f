package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
)

type fakeSession struct {
	baseURL string
	err     error
}

func (s fakeSession) GetValidToken(context.Context) (string, error) { return "tok-123", s.err }
func (s fakeSession) APIBaseURL() string                            { return s.baseURL }
func (s fakeSession) EnvironmentID() string                         { return "env-1" }

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := circuitbreaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		CallTimeout:      2 * time.Second,
		IsFailure:        CountsAsFailure,
	}
	return NewClient(fakeSession{baseURL: srv.URL + "/v1"}, Options{
		HTTPClient: srv.Client(),
		Breaker:    circuitbreaker.New("directory", cfg, zerolog.Nop()),
		Limiter:    rate.NewLimiter(rate.Inf, 1),
		Logger:     zerolog.Nop(),
	})
}

func TestCreateUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/environments/env-1/users", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var u User
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&u))
		assert.Equal(t, "jdoe", u.Username)
		if assert.NotNil(t, u.Population) {
			assert.Equal(t, "pop-1", u.Population.ID)
		}

		u.ID = "user-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(u)
	}))
	defer srv.Close()

	created, err := newTestClient(t, srv).CreateUser(context.Background(), User{Username: "jdoe", Email: "j@example.com"}, "pop-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", created.ID)
}

func TestCreateUser_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"UNIQUENESS_VIOLATION"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	for i := 0; i < 5; i++ {
		_, err := c.CreateUser(context.Background(), User{Username: "jdoe"}, "")
		require.Error(t, err)
		assert.True(t, apierr.IsStatus(err, http.StatusConflict))
		assert.False(t, apierr.IsTransient(err))
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.State(), "client errors do not trip the breaker")
}

func TestFindUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/environments/env-1/users", r.URL.Path)
		switch r.URL.Query().Get("filter") {
		case `username eq "jdoe"`:
			_, _ = w.Write([]byte(`{"_embedded":{"users":[{"id":"u-1","username":"jdoe"}]},"count":1}`))
		case `email eq "a\"b@example.com"`:
			_, _ = w.Write([]byte(`{"_embedded":{"users":[{"id":"u-2","email":"a\"b@example.com"}]},"count":1}`))
		default:
			_, _ = w.Write([]byte(`{"_embedded":{"users":[]},"count":0}`))
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	u, err := c.FindUser(context.Background(), "jdoe", "ignored@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)

	u, err = c.FindUser(context.Background(), "", `a"b@example.com`)
	require.NoError(t, err)
	assert.Equal(t, "u-2", u.ID)

	_, err = c.FindUser(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = c.FindUser(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestDeleteUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		if r.URL.Path == "/v1/environments/env-1/users/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	require.NoError(t, c.DeleteUser(context.Background(), "u-1"))
	err := c.DeleteUser(context.Background(), "gone")
	assert.True(t, apierr.IsStatus(err, http.StatusNotFound))
}

func TestListPopulationUsers_MultiplePages(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/environments/env-1/populations/pop-1/users", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		page := r.URL.Query().Get("page")
		var body string
		switch page {
		case "":
			body = fmt.Sprintf(`{"_embedded":{"users":[{"id":"a"},{"id":"b"}]},"_links":{"next":{"href":"%s/v1/environments/env-1/populations/pop-1/users?limit=100&page=2"}}}`, srv.URL)
		case "2":
			body = fmt.Sprintf(`{"_embedded":{"users":[{"id":"c"}]},"_links":{"next":{"href":"%s/v1/environments/env-1/populations/pop-1/users?limit=100&page=3"}}}`, srv.URL)
		default:
			body = `{"_embedded":{"users":[{"id":"d"}]},"_links":{}}`
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	var ids []string
	pages := 0
	err := newTestClient(t, srv).ListPopulationUsers(context.Background(), "pop-1", func(users []User) error {
		pages++
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestListPopulationUsers_LoopDetected(t *testing.T) {
	var srv *httptest.Server
	var calls atomic.Int32
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprintf(w, `{"_embedded":{"users":[{"id":"a"}]},"_links":{"next":{"href":"%s/v1/environments/env-1/populations/pop-1/users?limit=100"}}}`, srv.URL)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).ListPopulationUsers(context.Background(), "pop-1", func([]User) error { return nil })
	require.ErrorIs(t, err, ErrPaginationLoop)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListPopulationUsers_MalformedNextLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"_embedded":{"users":[]},"_links":{"next":{"href":"::not a url"}}}`))
	}))
	defer srv.Close()

	err := newTestClient(t, srv).ListPopulationUsers(context.Background(), "pop-1", func([]User) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidNextLink)
}

func TestListPopulationUsers_CallbackErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"_embedded":{"users":[{"id":"a"}]},"_links":{"next":{"href":"http://example.invalid/next"}}}`))
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := newTestClient(t, srv).ListPopulationUsers(context.Background(), "pop-1", func([]User) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestServerErrorsOpenTheCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	for i := 0; i < 3; i++ {
		err := c.DeleteUser(context.Background(), "u")
		require.Error(t, err)
		assert.True(t, apierr.IsTransient(err))
		var apiErr *apierr.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 2*time.Second, apiErr.RetryAfter())
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.State())

	err := c.DeleteUser(context.Background(), "u")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTokenErrorSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	c := newTestClient(t, srv)
	tokenErr := errors.New("not initialized")
	c.session = fakeSession{baseURL: srv.URL, err: tokenErr}

	err := c.DeleteUser(context.Background(), "u")
	assert.ErrorIs(t, err, tokenErr)
	assert.Zero(t, calls.Load())
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, CountsAsFailure(nil))
	assert.False(t, CountsAsFailure(&apierr.APIError{StatusCode: http.StatusNotFound}))
	assert.False(t, CountsAsFailure(&apierr.APIError{StatusCode: http.StatusConflict}))
	assert.True(t, CountsAsFailure(&apierr.APIError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, CountsAsFailure(&apierr.APIError{StatusCode: http.StatusBadGateway}))
	assert.True(t, CountsAsFailure(errors.New("connection refused")))
}
