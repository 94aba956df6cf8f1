package evergreen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultAPIServer is the public Evergreen API endpoint.
	DefaultAPIServer = "https://evergreen.mongodb.com/api"

	defaultPageLimit   = 100
	defaultHTTPTimeout = 30 * time.Second
)

// Client wraps the Evergreen REST v2 API with rate limiting.
// It performs no retries; transient failures surface to the caller.
type Client struct {
	baseURL    string
	user       string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageLimit  int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithPageLimit sets the page size used when iterating versions.
func WithPageLimit(limit int) ClientOption {
	return func(c *Client) {
		c.pageLimit = limit
	}
}

// NewClient creates a new Evergreen client with rate limiting.
// rateLimit is the maximum number of requests per second.
func NewClient(baseURL, user, apiKey string, rateLimit int, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIServer
	}
	if rateLimit <= 0 {
		rateLimit = 10
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), 1),
		pageLimit:  defaultPageLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VersionIterator produces a project's versions newest-first, one at a
// time. Next returns a nil version once the history is exhausted.
type VersionIterator interface {
	Next(ctx context.Context) (*Version, error)
}

// VersionsByProject returns a lazy iterator over the project's version
// history, newest-first. Pages are fetched on demand.
func (c *Client) VersionsByProject(ctx context.Context, project string) VersionIterator {
	return &versionPager{client: c, project: project}
}

// BuildsForVersion retrieves all builds belonging to a version.
func (c *Client) BuildsForVersion(ctx context.Context, versionID string) ([]Build, error) {
	var builds []Build
	path := fmt.Sprintf("/rest/v2/versions/%s/builds", url.PathEscape(versionID))
	if err := c.get(ctx, path, nil, &builds); err != nil {
		return nil, fmt.Errorf("fetch builds for version %s: %w", versionID, err)
	}
	return builds, nil
}

// BuildForVariant looks up the build for a single variant within a version.
func (c *Client) BuildForVariant(ctx context.Context, versionID, variant string) (*Build, error) {
	var builds []Build
	path := fmt.Sprintf("/rest/v2/versions/%s/builds", url.PathEscape(versionID))
	query := url.Values{"variant": []string{variant}}
	if err := c.get(ctx, path, query, &builds); err != nil {
		return nil, fmt.Errorf("fetch build %s for version %s: %w", variant, versionID, err)
	}
	if len(builds) == 0 {
		return nil, fmt.Errorf("no build for variant %s in version %s", variant, versionID)
	}
	return &builds[0], nil
}

// TasksForBuild retrieves all tasks belonging to a build.
func (c *Client) TasksForBuild(ctx context.Context, buildID string) ([]Task, error) {
	var tasks []Task
	path := fmt.Sprintf("/rest/v2/builds/%s/tasks", url.PathEscape(buildID))
	if err := c.get(ctx, path, nil, &tasks); err != nil {
		return nil, fmt.Errorf("fetch tasks for build %s: %w", buildID, err)
	}
	return tasks, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Api-User", c.user)
	req.Header.Set("Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call evergreen: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("evergreen returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// versionPager walks the paginated versions endpoint. A page shorter
// than the page limit marks the end of the history.
type versionPager struct {
	client  *Client
	project string
	buf     []Version
	pos     int
	startAt string
	done    bool
}

func (p *versionPager) Next(ctx context.Context) (*Version, error) {
	for p.pos >= len(p.buf) {
		if p.done {
			return nil, nil
		}
		if err := p.fetchPage(ctx); err != nil {
			return nil, err
		}
	}

	v := p.buf[p.pos]
	p.pos++
	return &v, nil
}

func (p *versionPager) fetchPage(ctx context.Context) error {
	query := url.Values{"limit": []string{strconv.Itoa(p.client.pageLimit)}}
	if p.startAt != "" {
		query.Set("start_at", p.startAt)
	}

	var page []Version
	path := fmt.Sprintf("/rest/v2/projects/%s/versions", url.PathEscape(p.project))
	if err := p.client.get(ctx, path, query, &page); err != nil {
		return fmt.Errorf("fetch versions for project %s: %w", p.project, err)
	}

	if len(page) < p.client.pageLimit {
		p.done = true
	}
	if len(page) > 0 {
		p.startAt = page[len(page)-1].ID
	}
	p.buf = page
	p.pos = 0
	return nil
}
