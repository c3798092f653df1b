package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"golang.org/x/time/rate"

	"MarginIndexer/internal/event"
	"MarginIndexer/internal/observability"
)

// MaxPageSize is the largest page the Sui GraphQL service returns.
const MaxPageSize = 50

const eventsQuery = `
query QueryEvents($eventType: String!, $after: String, $first: Int) {
  events(filter: { eventType: $eventType }, after: $after, first: $first) {
    pageInfo {
      hasNextPage
      endCursor
    }
    edges {
      cursor
      node {
        type { repr }
        json
        timestamp
        transactionBlock { digest }
      }
    }
  }
}`

var networkEndpoints = map[string]string{
	"mainnet": "https://sui-mainnet.mystenlabs.com/graphql",
	"testnet": "https://sui-testnet.mystenlabs.com/graphql",
	"devnet":  "https://sui-devnet.mystenlabs.com/graphql",
}

// EndpointFor returns the public GraphQL endpoint for a Sui network.
func EndpointFor(network string) (string, error) {
	u, ok := networkEndpoints[network]
	if !ok {
		return "", fmt.Errorf("unknown network %q (want mainnet, testnet or devnet)", network)
	}
	return u, nil
}

// Page is one page of events for a single event type.
type Page struct {
	Events      []event.Record
	HasNextPage bool
	// NextCursor is the cursor to resume after this page; empty when the
	// source reported none.
	NextCursor string
}

// SourceError is a retryable failure talking to the event source.
type SourceError struct {
	EventType  event.EventType
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("event source %s: status %d: %v", e.EventType, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("event source %s: %v", e.EventType, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

type ClientConfig struct {
	URL       string
	PackageID string
	PageSize  int
	// RequestsPerSecond paces page requests; zero disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client queries the ledger's event log over GraphQL.
type Client struct {
	url       string
	packageID string
	pageSize  int
	http      *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewClient(cfg ClientConfig, logger zerolog.Logger, metrics *observability.Metrics) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid source url %q", cfg.URL)
	}
	if cfg.PackageID == "" {
		return nil, errors.New("package id is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = MaxPageSize
	}
	if cfg.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d exceeds %d", cfg.PageSize, MaxPageSize)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if _, gqlErr := parser.ParseQuery(&ast.Source{Name: "QueryEvents", Input: eventsQuery}); gqlErr != nil {
		return nil, fmt.Errorf("parse events query: %w", gqlErr)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		url:       cfg.URL,
		packageID: cfg.PackageID,
		pageSize:  cfg.PageSize,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(limit, 1),
		log:       logger,
		metrics:   metrics,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables queryVariables `json:"variables"`
}

type queryVariables struct {
	EventType string  `json:"eventType"`
	After     *string `json:"after"`
	First     int     `json:"first"`
}

type graphQLResponse struct {
	Data struct {
		Events *eventConnection `json:"events"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type eventConnection struct {
	PageInfo struct {
		HasNextPage bool    `json:"hasNextPage"`
		EndCursor   *string `json:"endCursor"`
	} `json:"pageInfo"`
	Edges []struct {
		Cursor string    `json:"cursor"`
		Node   eventNode `json:"node"`
	} `json:"edges"`
}

type eventNode struct {
	Type *struct {
		Repr string `json:"repr"`
	} `json:"type"`
	JSON             json.RawMessage `json:"json"`
	Timestamp        string          `json:"timestamp"`
	TransactionBlock *struct {
		Digest string `json:"digest"`
	} `json:"transactionBlock"`
}

// QueryEvents fetches the page after cursor (start of stream when empty).
// Payloads are passed through undecoded.
func (c *Client) QueryEvents(ctx context.Context, et event.EventType, cursor string) (*Page, error) {
	start := time.Now()
	page, err := c.queryEvents(ctx, et, cursor)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.SourceRequestDuration.WithLabelValues(et.String(), outcome).Observe(time.Since(start).Seconds())
	if err == nil {
		c.metrics.SourcePageEvents.WithLabelValues(et.String()).Observe(float64(len(page.Events)))
	}
	return page, err
}

func (c *Client) queryEvents(ctx context.Context, et event.EventType, cursor string) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &SourceError{EventType: et, Err: err}
	}

	vars := queryVariables{EventType: et.Qualified(c.packageID), First: c.pageSize}
	if cursor != "" {
		vars.After = &cursor
	}
	body, err := json.Marshal(graphQLRequest{Query: eventsQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("encode events query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &SourceError{EventType: et, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &SourceError{EventType: et, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &SourceError{EventType: et, StatusCode: resp.StatusCode, Err: errors.New(snippet(raw))}
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, &SourceError{EventType: et, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return nil, &SourceError{EventType: et, StatusCode: resp.StatusCode, Err: errors.New(strings.Join(msgs, "; "))}
	}

	conn := gr.Data.Events
	if conn == nil {
		return &Page{}, nil
	}

	page := &Page{Events: make([]event.Record, 0, len(conn.Edges))}
	for _, edge := range conn.Edges {
		rec := event.Record{
			EventType: et,
			Cursor:    edge.Cursor,
			Payload:   normalizePayload(edge.Node.JSON),
		}
		if edge.Node.TransactionBlock != nil {
			rec.TxDigest = edge.Node.TransactionBlock.Digest
		}
		if edge.Node.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, edge.Node.Timestamp); err == nil {
				rec.Timestamp = ts.UTC()
			}
		}
		page.Events = append(page.Events, rec)
	}

	if conn.PageInfo.EndCursor != nil {
		page.NextCursor = *conn.PageInfo.EndCursor
	}
	// A null endCursor on a non-empty page resumes after its last edge.
	if page.NextCursor == "" && len(page.Events) > 0 {
		page.NextCursor = page.Events[len(page.Events)-1].Cursor
	}
	// Without a cursor to resume from, a further page cannot be requested.
	page.HasNextPage = conn.PageInfo.HasNextPage && page.NextCursor != ""

	c.log.Debug().
		Str("event_type", et.String()).
		Int("events", len(page.Events)).
		Bool("has_next", page.HasNextPage).
		Msg("fetched page")
	return page, nil
}

// normalizePayload accepts the Move struct either as an embedded JSON value or
// as a JSON-encoded string.
func normalizePayload(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return json.RawMessage(s)
		}
	}
	return trimmed
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
