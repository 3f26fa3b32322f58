// Package remote provides the HTTP client that delivers offline actions to
// the learning service and downloads table changes from it.
package remote

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

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
)

// Config holds remote connection configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// Client talks to the learning service over HTTP+JSON.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// changesResponse is the body of GET /tables/{table}/changes.
type changesResponse struct {
	Records []models.Record `json:"records"`
}

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 4 << 10

// NewClient creates a new Client.
func NewClient(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// SubmitAction posts one action. The action ID is sent as the idempotency
// key so a resubmission after an ambiguous failure is applied once.
func (c *Client) SubmitAction(ctx context.Context, a *models.OfflineAction) error {
	body, err := json.Marshal(a)
	if err != nil {
		return apperrors.Permanent(apperrors.ErrInvalidPayload, "encode action "+a.ID, err)
	}

	req, err := c.createRequest(ctx, http.MethodPost, "actions/"+url.PathEscape(string(a.Type)), nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(apperrors.ErrRemote, "submit action request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "submit "+string(a.Type)); err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// FetchChanges returns records of table changed after since (unix ms).
func (c *Client) FetchChanges(ctx context.Context, table string, since int64) ([]models.Record, error) {
	query := url.Values{"since": {strconv.FormatInt(since, 10)}}
	req, err := c.createRequest(ctx, http.MethodGet, "tables/"+url.PathEscape(table)+"/changes", query, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(apperrors.ErrRemote, "fetch changes request failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "fetch "+table); err != nil {
		return nil, err
	}

	var result changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.Transient(apperrors.ErrRemote, "failed to parse changes of "+table, err)
	}
	for i := range result.Records {
		result.Records[i].Table = table
	}
	return result.Records, nil
}

// Ping checks that the service answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "health", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(apperrors.ErrRemote, "health request failed", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, "health")
}

// Handlers returns a handler per action type, all backed by SubmitAction.
func (c *Client) Handlers(types ...models.ActionType) map[models.ActionType]syncpkg.Handler {
	if len(types) == 0 {
		types = models.RegisteredActionTypes()
	}
	out := make(map[models.ActionType]syncpkg.Handler, len(types))
	for _, t := range types {
		out[t] = syncpkg.HandlerFunc(c.SubmitAction)
	}
	return out
}

// Fetchers returns a fetcher per table, all backed by FetchChanges.
func (c *Client) Fetchers(tables ...string) map[string]syncpkg.Fetcher {
	if len(tables) == 0 {
		tables = models.SyncTables
	}
	out := make(map[string]syncpkg.Fetcher, len(tables))
	for _, table := range tables {
		table := table
		out[table] = syncpkg.FetcherFunc(func(ctx context.Context, since int64) ([]models.Record, error) {
			return c.FetchChanges(ctx, table, since)
		})
	}
	return out
}

// createRequest creates a request against the base URL with authentication.
func (c *Client) createRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	urlStr := strings.TrimRight(c.config.BaseURL, "/") + "/" + path
	if len(query) > 0 {
		urlStr += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid remote url", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
	return req, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s failed with status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// checkStatus classifies a response: 2xx is success; 408, 429 and 5xx may
// succeed later; 401 and 403 are auth failures; any other status is a
// permanent rejection.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperrors.Transient(apperrors.ErrRemote, op, statusErr)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperrors.Permanent(apperrors.ErrSyncAuthFailed, op, statusErr)
	default:
		return apperrors.Permanent(apperrors.ErrSyncRejected, op, statusErr)
	}
}
