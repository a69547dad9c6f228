// Package hub is a client for the read-only GraphQL API of the voting hub.
// It fetches the proposals, votes and spaces sidekick renders.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/snapshot-labs/sidekick/telemetry"
	"golang.org/x/time/rate"
)

const (
	// DefaultURL is the public hub.
	DefaultURL = "https://hub.snapshot.org"

	defaultTimeout = 30 * time.Second
	defaultRetries = 3
	defaultBackoff = 250 * time.Millisecond
	maxErrorBody   = 4 << 10
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("hub: entity not found")

// Client queries the hub GraphQL endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	retries    uint64
	backoff    time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Its transport is used as is.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithRateLimit caps the request rate sent to the hub.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAPIKey sets the x-api-key header, which raises the hub's rate limit.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRetries sets how many times transient failures are retried and the
// initial backoff between attempts.
func WithRetries(n uint64, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the hub at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	c := &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/graphql",
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "hub"),
		},
		limiter: rate.NewLimiter(rate.Inf, 0),
		retries: defaultRetries,
		backoff: defaultBackoff,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

const proposalQuery = `query Proposal($id: String!) {
  proposal(id: $id) {
    id title body state type choices scores author votes start end
    space { id name }
  }
}`

// FetchProposal returns the proposal with the given id, or ErrNotFound.
func (c *Client) FetchProposal(ctx context.Context, id string) (*Proposal, error) {
	var data struct {
		Proposal *Proposal `json:"proposal"`
	}
	if err := c.query(ctx, proposalQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, fmt.Errorf("fetching proposal %s: %w", id, err)
	}
	if data.Proposal == nil {
		return nil, ErrNotFound
	}
	return data.Proposal, nil
}

// VotesQuery pages through the votes of a proposal.
type VotesQuery struct {
	First          int
	Skip           int
	CreatedGTE     int64
	OrderBy        string
	OrderDirection string
}

const votesQuery = `query Votes($id: String!, $first: Int!, $skip: Int!, $created_gte: Int, $orderBy: String, $orderDirection: OrderDirection) {
  votes(
    first: $first
    skip: $skip
    where: { proposal: $id, created_gte: $created_gte }
    orderBy: $orderBy
    orderDirection: $orderDirection
  ) {
    ipfs voter choice vp created
  }
}`

// FetchVotes returns one page of votes for a proposal.
func (c *Client) FetchVotes(ctx context.Context, proposalID string, q VotesQuery) ([]Vote, error) {
	if q.OrderBy == "" {
		q.OrderBy = "created"
	}
	if q.OrderDirection == "" {
		q.OrderDirection = "asc"
	}
	vars := map[string]any{
		"id":             proposalID,
		"first":          q.First,
		"skip":           q.Skip,
		"created_gte":    q.CreatedGTE,
		"orderBy":        q.OrderBy,
		"orderDirection": q.OrderDirection,
	}

	var data struct {
		Votes []Vote `json:"votes"`
	}
	if err := c.query(ctx, votesQuery, vars, &data); err != nil {
		return nil, fmt.Errorf("fetching votes of %s: %w", proposalID, err)
	}
	return data.Votes, nil
}

const spaceQuery = `query Space($id: String!) {
  space(id: $id) {
    id name about network symbol admins members followersCount proposalsCount
  }
}`

// FetchSpace returns the space with the given id, or ErrNotFound.
func (c *Client) FetchSpace(ctx context.Context, id string) (*Space, error) {
	var data struct {
		Space *Space `json:"space"`
	}
	if err := c.query(ctx, spaceQuery, map[string]any{"id": id}, &data); err != nil {
		return nil, fmt.Errorf("fetching space %s: %w", id, err)
	}
	if data.Space == nil {
		return nil, ErrNotFound
	}
	return data.Space, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// query posts a GraphQL query and decodes its data into out. Network
// errors, 429 and 5xx responses are retried with exponential backoff.
func (c *Client) query(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))

	var resp graphqlResponse
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err = c.post(ctx, body)
		if err != nil {
			var te transientError
			if errors.As(err, &te) {
				c.logger.Debug("retrying hub request", "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

type transientError struct{ err error }

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

func (c *Client) post(ctx context.Context, body []byte) (graphqlResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return graphqlResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return graphqlResponse{}, err
		}
		return graphqlResponse{}, transientError{err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return graphqlResponse{}, transientError{fmt.Errorf("hub returned %d: %s", res.StatusCode, bytes.TrimSpace(msg))}
	}

	var out graphqlResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return graphqlResponse{}, fmt.Errorf("decoding response (status %d): %w", res.StatusCode, err)
	}
	return out, nil
}
