package shoplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shopline/internal/domain"
	"shopline/internal/logger"
)

// Client is a minimal shopline HTTP API client. It satisfies the coordinator's backend
// interface, so a remote server can stand in for the local store.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the context carries no actor.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ImportResult reports stored and skipped work orders.
type ImportResult struct {
	Imported []domain.ExternalRecord `json:"imported"`
	Skipped  []string                `json:"skipped,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// EventQuery filters ListEvents. Zero values are omitted.
type EventQuery struct {
	Area       string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
	After      int64
}

// FetchSchedule returns the records of area intersecting [from, to]; nil bounds are open.
func (c *Client) FetchSchedule(ctx context.Context, area string, from, to *time.Time) ([]domain.ExternalRecord, error) {
	q := url.Values{}
	if from != nil {
		q.Set("start", from.UTC().Format(time.RFC3339))
	}
	if to != nil {
		q.Set("end", to.UTC().Format(time.RFC3339))
	}
	var resp struct {
		Records []domain.ExternalRecord `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("areas/"+url.PathEscape(area)+"/schedule", q), nil, &resp)
	return resp.Records, err
}

// FetchMachines lists the machines of area, or all machines when area is empty.
func (c *Client) FetchMachines(ctx context.Context, area string) ([]domain.Machine, error) {
	q := url.Values{}
	if area != "" {
		q.Set("area", area)
	}
	var resp struct {
		Items []domain.Machine `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("machines", q), nil, &resp)
	return resp.Items, err
}

// AddMachine registers a machine.
func (c *Client) AddMachine(ctx context.Context, m domain.Machine) (domain.Machine, error) {
	body := map[string]any{"machineSN": m.ID}
	if m.Area != "" {
		body["area"] = m.Area
	}
	if m.Name != "" {
		body["machineName"] = m.Name
	}
	if m.Process != "" {
		body["processName"] = m.Process
	}
	var resp domain.Machine
	err := c.do(ctx, http.MethodPost, "machines", body, &resp)
	return resp, err
}

// CreateStatusRecord creates a status record and returns it with its server id.
func (c *Client) CreateStatusRecord(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	var resp domain.ExternalRecord
	err := c.do(ctx, http.MethodPost, "status-records", rec, &resp)
	return resp, err
}

// UpdateStatusRecord replaces the status record named by rec's server id.
func (c *Client) UpdateStatusRecord(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	var resp domain.ExternalRecord
	err := c.do(ctx, http.MethodPut, "status-records/"+url.PathEscape(rec.ServerID()), rec, &resp)
	return resp, err
}

// DeleteStatusRecord deletes a status record and reports whether one was removed.
func (c *Client) DeleteStatusRecord(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	err := c.do(ctx, http.MethodDelete, "status-records/"+url.PathEscape(id), nil, &resp)
	return resp.Success, err
}

// UpdateWorkOrder moves the work order named by rec's server id.
func (c *Client) UpdateWorkOrder(ctx context.Context, rec domain.ExternalRecord) (domain.ExternalRecord, error) {
	var resp domain.ExternalRecord
	err := c.do(ctx, http.MethodPut, "work-orders/"+url.PathEscape(rec.ServerID()), rec, &resp)
	return resp, err
}

// ImportWorkOrders submits externally issued work orders.
func (c *Client) ImportWorkOrders(ctx context.Context, orders []domain.ProductionSchedule) (ImportResult, error) {
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "work-orders", map[string]any{"orders": orders}, &resp)
	return resp, err
}

// ListEvents lists audit events, newest first unless After is set.
func (c *Client) ListEvents(ctx context.Context, query EventQuery) (PaginatedEvents, error) {
	q := url.Values{}
	for k, v := range map[string]string{
		"area":        query.Area,
		"type":        query.Type,
		"entity_kind": query.EntityKind,
		"entity_id":   query.EntityID,
		"cursor":      query.Cursor,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	if query.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", query.Limit))
	}
	if query.After > 0 {
		q.Set("after", fmt.Sprintf("%d", query.After))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	actor := logger.ActorFrom(ctx)
	if actor == "" {
		actor = c.ActorID
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env errorEnvelope
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
