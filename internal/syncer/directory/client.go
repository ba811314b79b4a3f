package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 10 << 20

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	// Breaker guards every directory call. Required.
	Breaker *circuitbreaker.Breaker
	// Limiter paces outbound requests. Optional.
	Limiter *rate.Limiter
	Logger  zerolog.Logger
}

// Client handles communication with the directory API.
type Client struct {
	session Session
	http    *http.Client
	breaker *circuitbreaker.Breaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a directory client.
func NewClient(session Session, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		session: session,
		http:    hc,
		breaker: opts.Breaker,
		limiter: opts.Limiter,
		logger:  opts.Logger,
	}
}

// CreateUser creates a user in populationID.
func (c *Client) CreateUser(ctx context.Context, user User, populationID string) (*User, error) {
	if populationID != "" {
		user.Population = &Reference{ID: populationID}
	}
	body, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user: %w", err)
	}
	var created User
	if err := c.do(ctx, http.MethodPost, c.envURL("users"), body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// DeleteUser deletes a user by id.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.envURL("users", id), nil, nil)
}

// FindUser looks a user up by username, or by email when username is empty.
func (c *Client) FindUser(ctx context.Context, username, email string) (*User, error) {
	var filter string
	switch {
	case username != "":
		filter = fmt.Sprintf(`username eq "%s"`, escapeFilter(username))
	case email != "":
		filter = fmt.Sprintf(`email eq "%s"`, escapeFilter(email))
	default:
		return nil, ErrUserNotFound
	}

	u := c.envURL("users") + "?" + url.Values{"filter": {filter}, "limit": {"1"}}.Encode()
	var page userPage
	if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
		return nil, err
	}
	if len(page.Embedded.Users) == 0 {
		return nil, ErrUserNotFound
	}
	return &page.Embedded.Users[0], nil
}

// ListPopulationUsers walks every page of a population's users, calling fn
// once per page. A repeated or unparseable next link aborts the walk.
func (c *Client) ListPopulationUsers(ctx context.Context, populationID string, fn func(users []User) error) error {
	next := c.envURL("populations", populationID, "users") + "?limit=" + strconv.Itoa(PageLimit)
	seen := make(map[string]struct{})

	for page := 1; next != ""; page++ {
		if _, dup := seen[next]; dup {
			return fmt.Errorf("%w: page %d links back to %s", ErrPaginationLoop, page, next)
		}
		seen[next] = struct{}{}

		var resp userPage
		if err := c.do(ctx, http.MethodGet, next, nil, &resp); err != nil {
			return fmt.Errorf("failed to fetch page %d: %w", page, err)
		}
		if err := fn(resp.Embedded.Users); err != nil {
			return err
		}

		next = ""
		if resp.Links.Next != nil && resp.Links.Next.Href != "" {
			u, err := url.Parse(resp.Links.Next.Href)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%w on page %d: %q", ErrInvalidNextLink, page, resp.Links.Next.Href)
			}
			next = u.String()
		}
		c.logger.Debug().Int("page", page).Int("users", len(resp.Embedded.Users)).Msg("fetched population page")
	}
	return nil
}

func (c *Client) envURL(segments ...string) string {
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, strings.TrimSuffix(c.session.APIBaseURL(), "/"), "environments", url.PathEscape(c.session.EnvironmentID()))
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}

// do sends one request through the limiter and the breaker and decodes a JSON body into out.
func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	token, err := c.session.GetValidToken(ctx)
	if err != nil {
		return err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err = circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, target, token, body, out)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, target, token string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.FromResponse(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func escapeFilter(v string) string {
	return strings.ReplaceAll(v, `"`, `\"`)
}
